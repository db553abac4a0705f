package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/smartmeter-bridge/internal/bridge"
	"github.com/timzifer/smartmeter-bridge/internal/config"
	"github.com/timzifer/smartmeter-bridge/internal/logging"
	"github.com/timzifer/smartmeter-bridge/internal/reload"
	"github.com/timzifer/smartmeter-bridge/telemetry"
)

// reloadPollInterval is how often the configuration files are checked.
var reloadPollInterval = time.Second

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file, empty to configure from the environment only")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg, os.Stdout))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	log.Logger = logger

	collector, metrics, err := startTelemetry(cfg.Telemetry, logger)
	if err != nil {
		logger.Error().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	if cfg.HotReload {
		err = runWithHotReload(ctx, *cfgPath, cfg, logger, cleanup, collector)
	} else {
		err = runOnce(ctx, cfg, logger, collector)
		cleanup()
	}
	if metrics != nil {
		_ = metrics.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// runOnce runs the bridge until ctx is cancelled. A tick fault is logged,
// the broker connection and bus name are released and the fault returned.
func runOnce(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector, opts ...bridge.Option) error {
	srv, err := bridge.New(cfg, logger, append([]bridge.Option{bridge.WithCollector(collector)}, opts...)...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start bridge")
		return err
	}
	err = srv.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("bridge stopped on fault")
	}
	if cerr := srv.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("close bridge")
	}
	return err
}

// runWithHotReload restarts the bridge whenever the configuration or a file
// it references changes. It takes over logger and its cleanup for the first
// run and sets up a fresh logger for every reloaded configuration.
func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, logger zerolog.Logger, cleanup func(), collector telemetry.Collector, opts ...bridge.Option) error {
	defer func() { cleanup() }()

	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	opts = append([]bridge.Option{bridge.WithCollector(collector)}, opts...)
	cfg := initialCfg
	for {
		srv, err := bridge.New(cfg, logger, opts...)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start bridge")
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				_ = srv.Close()
				return err
			case err := <-errCh:
				cancelRun()
				logger.Error().Err(err).Msg("bridge stopped on fault")
				_ = srv.Close()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := newCfg.Validate(); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				newLogger, newCleanup, err := logging.Setup(newCfg.Logging)
				if err != nil {
					logger.Error().Err(err).Msg("reloaded logging configuration invalid")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("bridge stopped on fault during reload")
					_ = srv.Close()
					newCleanup()
					return err
				}
				_ = srv.Close()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				logger.Info().Strs("files", changes).Msg("configuration changed, restarting bridge")
				cleanup()
				logger, cleanup = newLogger, newCleanup
				log.Logger = logger
				changed = changes
				cfg = newCfg
				break loop
			}
		}
		for _, file := range changed {
			collector.ObserveReload(file)
		}
	}
}

func startTelemetry(cfg config.TelemetryConfig, logger zerolog.Logger) (telemetry.Collector, *telemetry.Server, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil, nil
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return nil, nil, err
	}
	srv, err := telemetry.Serve(cfg.Listen, nil, logger.With().Str("component", "telemetry").Logger())
	if err != nil {
		return nil, nil, err
	}
	return collector, srv, nil
}

func executeConfigCheck(cfg *config.Config, out io.Writer) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(out, "Configuration invalid:")
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintf(out, "  - %v\n", e)
			}
		} else {
			fmt.Fprintf(out, "  - %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(out, "Broker:        %s\n", cfg.MQTT.Broker)
	fmt.Fprintf(out, "Topic:         %s/#\n", cfg.MQTT.Topic)
	fmt.Fprintf(out, "TLS:           %s\n", describeTLS(cfg.MQTT.TLS))
	fmt.Fprintf(out, "D-Bus service: %s (%s bus)\n", cfg.DBus.ServiceName, cfg.DBus.Bus)
	fmt.Fprintf(out, "Timing:        tick %s, quiet window %s, stale after %s\n", cfg.TickInterval(), cfg.QuietWindow(), cfg.StaleTimeout())
	if cfg.Mirror.Enabled {
		fmt.Fprintf(out, "Mirror:        %s\n", cfg.Mirror.Topic)
	}
	fmt.Fprintln(out, "Configuration check completed successfully.")
	return 0
}

func describeTLS(t config.TLSConfig) string {
	switch {
	case !t.IsEnabled():
		return "disabled"
	case t.InsecureSkipVerify:
		return "enabled, certificate verification disabled"
	default:
		return "enabled"
	}
}
