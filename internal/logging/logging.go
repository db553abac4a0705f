package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/smartmeter-bridge/internal/config"
)

const appName = "smartmeter-bridge"

// Setup creates the process logger writing to stdout and, when enabled, Loki.
// The returned cleanup flushes pending Loki entries.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return New(cfg, os.Stdout)
}

// New creates a logger writing to out according to cfg.
func New(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var console io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		console = out
	case "text", "console":
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	writers := []io.Writer{console}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		lw, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lw)
		cleanup = lw.client.Stop
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", appName).
		Logger()
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func newLokiWriter(cfg config.LokiConfig) (*lokiWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiWriter{client: client, labels: lokiLabels(cfg.Labels)}, nil
}

func lokiLabels(extra map[string]string) model.LabelSet {
	labels := model.LabelSet{"app": appName}
	for k, v := range extra {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.client.Handle(l.labels, time.Now(), entry)
}
