// Package mqtt connects the bridge to the broker publishing meter readings.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/smartmeter-bridge/internal/config"
)

const (
	defaultConnectTimeout = 30 * time.Second
	disconnectQuiesce     = 250
)

// Connection owns the broker client and fans connect events out to every
// registered consumer, so subscriptions are restored after a reconnect.
type Connection struct {
	client mqtt.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[uint64]mqtt.OnConnectHandler
	nextID   atomic.Uint64
}

// Dial builds the client from cfg and waits for the initial connection.
func Dial(cfg config.MQTTConfig, logger zerolog.Logger) (*Connection, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	conn := &Connection{
		logger:   logger,
		handlers: make(map[uint64]mqtt.OnConnectHandler),
	}

	broker := BrokerURL(cfg.Broker, cfg.TLS.IsEnabled())
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive.Duration > 0 {
		opts.SetKeepAlive(cfg.KeepAlive.Duration)
	}
	connectTimeout := defaultConnectTimeout
	if cfg.ConnectTimeout.Duration > 0 {
		connectTimeout = cfg.ConnectTimeout.Duration
	}
	opts.SetConnectTimeout(connectTimeout)
	if cfg.MaxReconnect.Duration > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnect.Duration)
	}
	if cfg.TLS.IsEnabled() {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		if tlsConfig.InsecureSkipVerify {
			logger.Warn().Str("broker", broker).Msg("mqtt: broker certificate verification disabled")
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(conn.handleOnConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}
	conn.client = client
	logger.Info().Str("broker", broker).Msg("mqtt: connected")
	return conn, nil
}

// BrokerURL turns a host, host:port or URL into a paho broker URL. Bare
// hosts use port 8883 with TLS and 1883 without.
func BrokerURL(broker string, useTLS bool) string {
	broker = strings.TrimSpace(broker)
	if strings.Contains(broker, "://") {
		return broker
	}
	scheme, port := "tcp", "1883"
	if useTLS {
		scheme, port = "ssl", "8883"
	}
	host := broker
	if h, p, err := net.SplitHostPort(broker); err == nil {
		host, port = h, p
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func (c *Connection) handleOnConnect(client mqtt.Client) {
	c.mu.RLock()
	handlers := make([]mqtt.OnConnectHandler, 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	c.mu.RUnlock()
	for _, handler := range handlers {
		handler(client)
	}
}

// AddOnConnect registers handler for every (re)connect and runs it at once
// when the client is already connected. The returned func unregisters it.
func (c *Connection) AddOnConnect(handler mqtt.OnConnectHandler) func() {
	if handler == nil {
		return func() {}
	}
	id := c.nextID.Add(1)
	c.mu.Lock()
	c.handlers[id] = handler
	c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		handler(c.client)
	}
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Client returns the underlying paho client.
func (c *Connection) Client() mqtt.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close disconnects from the broker.
func (c *Connection) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func buildTLSConfig(settings config.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: settings.InsecureSkipVerify,
		ServerName:         settings.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}
	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
