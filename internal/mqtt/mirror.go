package mqtt

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/smartmeter-bridge/internal/config"
	"github.com/timzifer/smartmeter-bridge/internal/meter"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
	publishTimeout      = 10 * time.Second
)

// Mirror republishes derived readings under a second topic prefix together
// with an availability topic. Publish failures are logged and never
// interrupt the pipeline.
type Mirror struct {
	conn              *Connection
	prefix            string
	availabilityTopic string
	qos               byte
	retain            bool
	logger            zerolog.Logger

	mu     sync.Mutex
	online *bool
	cancel func()
}

// NewMirror prepares a mirror publishing through conn.
func NewMirror(conn *Connection, cfg config.MirrorConfig, logger zerolog.Logger) *Mirror {
	availability := cfg.AvailabilityTopic
	prefix := strings.TrimRight(cfg.Topic, "/")
	if availability == "" {
		availability = prefix + "/status"
	}
	m := &Mirror{
		conn:              conn,
		prefix:            prefix,
		availabilityTopic: availability,
		qos:               cfg.QoS,
		retain:            cfg.RetainFlag(),
		logger:            logger,
	}
	m.cancel = conn.AddOnConnect(m.onConnect)
	return m
}

// Publish implements meter.Publisher.
func (m *Mirror) Publish(r meter.Readings) error {
	if !r.Valid {
		m.announce(false)
		return nil
	}
	for _, leaf := range r.Leaves() {
		m.publish(m.prefix+leaf.Path, formatLeaf(leaf.Value), m.retain)
	}
	m.announce(true)
	return nil
}

// Close publishes the offline state and detaches from the connection.
func (m *Mirror) Close() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.publish(m.availabilityTopic, availabilityOffline, true)
}

// announce publishes availability only when it changes, since expiry is
// reported on every tick while the readings stay stale.
func (m *Mirror) announce(online bool) {
	m.mu.Lock()
	if m.online != nil && *m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = &online
	m.mu.Unlock()
	m.publish(m.availabilityTopic, availabilityPayload(online), true)
}

func (m *Mirror) onConnect(mqtt.Client) {
	m.mu.Lock()
	state := m.online
	m.mu.Unlock()
	if state == nil {
		return
	}
	m.publish(m.availabilityTopic, availabilityPayload(*state), true)
}

// publish hands the message to paho without waiting, so a reconnecting
// client never stalls the tick loop. The outcome is logged asynchronously.
func (m *Mirror) publish(topic, payload string, retain bool) {
	client := m.conn.Client()
	if client == nil {
		return
	}
	token := client.Publish(topic, m.qos, retain, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			m.logger.Warn().Str("topic", topic).Msg("mqtt mirror publish still pending")
			return
		}
		if err := token.Error(); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt mirror publish failed")
		}
	}()
}

func availabilityPayload(online bool) string {
	if online {
		return availabilityOnline
	}
	return availabilityOffline
}

func formatLeaf(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}
