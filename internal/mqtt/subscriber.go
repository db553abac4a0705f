package mqtt

import (
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/smartmeter-bridge/internal/meter"
	"github.com/timzifer/smartmeter-bridge/telemetry"
)

// Sink receives every reading delivered below the root topic.
type Sink interface {
	Ingest(subtopic string, payload []byte, now time.Time) meter.Value
}

// Subscriber forwards messages published below a root topic to a Sink.
type Subscriber struct {
	conn      *Connection
	root      string
	sink      Sink
	collector telemetry.Collector
	logger    zerolog.Logger
	now       func() time.Time

	cancel func()
}

// NewSubscriber subscribes to <root>/# on every (re)connect of conn.
func NewSubscriber(conn *Connection, root string, sink Sink, collector telemetry.Collector, logger zerolog.Logger) *Subscriber {
	if collector == nil {
		collector = telemetry.Noop()
	}
	s := &Subscriber{
		conn:      conn,
		root:      strings.TrimRight(root, "/"),
		sink:      sink,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
	s.cancel = conn.AddOnConnect(s.onConnect)
	return s
}

// Filter returns the subscription filter, <root>/#.
func (s *Subscriber) Filter() string {
	return s.root + "/#"
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.logger.Info().Str("topic", s.Filter()).Msg("connected to MQTT broker")
	token := client.Subscribe(s.Filter(), 0, s.handle)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", s.Filter()).Msg("mqtt subscribe failed")
		}
	}()
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	key := Subtopic(s.root, msg.Topic())
	now := s.now()
	value := s.sink.Ingest(key, msg.Payload(), now)
	fallback := value.Kind() == meter.KindText
	if fallback {
		s.logger.Debug().Str("key", key).Str("payload", string(msg.Payload())).Msg("payload kept as text")
	}
	s.collector.ObserveMessage(key, fallback, now)
}

// Close stops resubscribing on reconnect and drops the subscription.
func (s *Subscriber) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if client := s.conn.Client(); client != nil && client.IsConnected() {
		client.Unsubscribe(s.Filter()).WaitTimeout(time.Second)
	}
}

// Subtopic strips "<root>/" from topic. The root topic itself maps to the
// empty key.
func Subtopic(root, topic string) string {
	root = strings.TrimRight(root, "/")
	if topic == root {
		return ""
	}
	return strings.TrimPrefix(topic, root+"/")
}
