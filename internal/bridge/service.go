// Package bridge wires the MQTT ingest, the reading pipeline and the D-Bus
// grid meter service into one running daemon.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/smartmeter-bridge/internal/config"
	"github.com/timzifer/smartmeter-bridge/internal/meter"
	"github.com/timzifer/smartmeter-bridge/internal/mqtt"
	"github.com/timzifer/smartmeter-bridge/internal/vebus"
	"github.com/timzifer/smartmeter-bridge/telemetry"
)

// ProcessName is exported on /Mgmt/ProcessName.
const ProcessName = "smartmeter-bridge"

// Version is set at link time. When empty the firmware version is exported
// as process version.
var Version = ""

// Service runs the tick loop that drives the reading pipeline.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	busFactory vebus.ConnFactory
	dial       Dialer

	pipeline   *meter.Pipeline
	bus        *vebus.Service
	conn       *mqtt.Connection
	subscriber *mqtt.Subscriber
	mirror     *mqtt.Mirror
	ticker     *ticker
}

// Dialer opens the broker connection.
type Dialer func(cfg config.MQTTConfig, logger zerolog.Logger) (*mqtt.Connection, error)

// Option customises a Service.
type Option func(*Service)

// WithBusFactory replaces the D-Bus connection factory.
func WithBusFactory(factory vebus.ConnFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.busFactory = factory
		}
	}
}

// WithDialer replaces the MQTT dialer.
func WithDialer(dial Dialer) Option {
	return func(s *Service) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithCollector installs a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Service) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// New registers the bus service and connects to the broker. Everything
// opened so far is released when a later step fails.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		collector:  telemetry.Noop(),
		busFactory: vebus.Dial,
		dial:       mqtt.Dial,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) start() error {
	busConn, err := s.busFactory(s.cfg.DBus.Bus)
	if err != nil {
		return err
	}
	busLogger := s.logger.With().Str("component", "dbus").Logger()
	s.bus, err = vebus.NewService(busConn, s.cfg.DBus.ServiceName, busLogger)
	if err != nil {
		_ = busConn.Close()
		return err
	}
	if err := vebus.AddIdentity(s.bus, s.identity()); err != nil {
		return err
	}
	busPublisher, err := vebus.NewPublisher(s.bus)
	if err != nil {
		return err
	}
	if err := s.bus.Register(); err != nil {
		return err
	}
	s.logger.Info().Str("service", s.bus.Name()).Msg("dbus service registered")

	mqttLogger := s.logger.With().Str("component", "mqtt").Logger()
	s.conn, err = s.dial(s.cfg.MQTT, mqttLogger)
	if err != nil {
		return err
	}

	publishers := fanout{busPublisher}
	if s.cfg.Mirror.Enabled {
		s.mirror = mqtt.NewMirror(s.conn, s.cfg.Mirror, s.logger.With().Str("component", "mirror").Logger())
		publishers = append(publishers, s.mirror)
	}
	s.pipeline = meter.NewPipeline(publishers,
		meter.WithQuietWindow(s.cfg.QuietWindow()),
		meter.WithStaleTimeout(s.cfg.StaleTimeout()),
	)
	s.subscriber = mqtt.NewSubscriber(s.conn, s.cfg.MQTT.Topic, s.pipeline, s.collector, mqttLogger)
	s.ticker = newTicker(s.cfg.TickInterval())
	return nil
}

func (s *Service) identity() vebus.Identity {
	instance := 0
	if s.cfg.DBus.DeviceInstance != nil {
		instance = *s.cfg.DBus.DeviceInstance
	}
	version := Version
	if version == "" {
		version = s.cfg.DBus.FirmwareVersion
	}
	return vebus.Identity{
		ProcessName:     ProcessName,
		ProcessVersion:  version,
		Connection:      s.cfg.DBus.Connection,
		DeviceInstance:  instance,
		ProductID:       s.cfg.DBus.ProductID,
		ProductName:     s.cfg.DBus.ProductName,
		FirmwareVersion: s.cfg.DBus.FirmwareVersion,
		HardwareVersion: s.cfg.DBus.HardwareVersion,
		Serial:          s.cfg.DBus.Serial,
		ServiceName:     s.cfg.DBus.DeviceServiceName,
	}
}

// Run ticks the pipeline until ctx is cancelled. A returned error is a
// derivation or publish fault the caller must treat as fatal.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Dur("tick", s.ticker.interval).Msg("bridge running")
	for {
		now, err := s.ticker.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := s.IterateOnce(now); err != nil {
			return err
		}
	}
}

// IterateOnce performs a single tick. Panics are converted into errors.
func (s *Service) IterateOnce(now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	action, err := s.pipeline.Tick(now)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	switch action {
	case meter.ActionCommit:
		s.logger.Debug().Msg("readings committed")
		s.collector.ObserveTick(action.String())
	case meter.ActionExpire:
		s.collector.ObserveTick(action.String())
	}
	return nil
}

// Pipeline exposes the reading pipeline.
func (s *Service) Pipeline() *meter.Pipeline { return s.pipeline }

// Bus exposes the exported D-Bus service.
func (s *Service) Bus() *vebus.Service { return s.bus }

// Close stops the MQTT side before releasing the bus name.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.subscriber != nil {
		s.subscriber.Close()
	}
	if s.mirror != nil {
		s.mirror.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fanout delivers readings to every publisher, the bus publisher first.
type fanout []meter.Publisher

func (f fanout) Publish(r meter.Readings) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
