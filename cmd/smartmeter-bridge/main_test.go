package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/smartmeter-bridge/internal/config"
)

func TestExecuteConfigCheckReportsEveryProblem(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	var out bytes.Buffer
	require.Equal(t, 1, executeConfigCheck(cfg, &out))
	assert.Contains(t, out.String(), "Configuration invalid:")
	assert.Contains(t, out.String(), "broker")
	assert.Contains(t, out.String(), "topic")
}

func TestExecuteConfigCheckSummarisesValidConfig(t *testing.T) {
	insecure := config.TLSConfig{InsecureSkipVerify: true}
	cfg := &config.Config{
		MQTT:   config.MQTTConfig{Broker: "mqtt.example.com", Topic: "dsmr/reading", TLS: insecure},
		Timing: config.TimingConfig{StaleTimeout: config.Duration{Duration: time.Minute}},
	}
	cfg.ApplyDefaults()

	var out bytes.Buffer
	require.Equal(t, 0, executeConfigCheck(cfg, &out))
	assert.Contains(t, out.String(), "dsmr/reading/#")
	assert.Contains(t, out.String(), "certificate verification disabled")
	assert.Contains(t, out.String(), "stale after 1m0s")
	assert.Contains(t, out.String(), "com.victronenergy.grid.smartmeter (system bus)")
}

func TestStartTelemetryDisabled(t *testing.T) {
	collector, srv, err := startTelemetry(config.TelemetryConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, collector)
	assert.Nil(t, srv)
}
