package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures events emitted by the bridge.
//
// Hooks run inline with MQTT delivery and the tick loop, so implementations
// must not block.
type Collector interface {
	ObserveMessage(key string, fallback bool, at time.Time)
	ObserveTick(action string)
	ObserveReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveMessage(string, bool, time.Time) {}
func (noopCollector) ObserveTick(string)                    {}
func (noopCollector) ObserveReload(string)                  {}

// PrometheusCollector exposes bridge counters via Prometheus.
type PrometheusCollector struct {
	messages    prometheus.Counter
	fallbacks   *prometheus.CounterVec
	ticks       *prometheus.CounterVec
	lastMessage prometheus.Gauge
	reloads     *prometheus.CounterVec
}

var (
	metricsMu sync.Mutex
	// shared keeps one metric set per registerer so repeated construction,
	// e.g. on hot reload, keeps counting into the same series.
	shared = map[prometheus.Registerer]*PrometheusCollector{}
)

// NewPrometheusCollector registers the bridge metrics with reg, or the
// default registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if existing, ok := shared[reg]; ok {
		return existing, nil
	}

	messages, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartmeter_bridge_messages_total",
		Help: "Number of meter readings received over MQTT.",
	}))
	if err != nil {
		return nil, err
	}
	fallbacks, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartmeter_bridge_decode_fallbacks_total",
		Help: "Number of readings kept as text because they did not parse as numbers.",
	}, []string{"key"}))
	if err != nil {
		return nil, err
	}
	ticks, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartmeter_bridge_tick_actions_total",
		Help: "Number of ticks that committed derived values or expired stale ones.",
	}, []string{"action"}))
	if err != nil {
		return nil, err
	}
	lastMessage, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smartmeter_bridge_last_message_timestamp_seconds",
		Help: "Unix time of the most recent meter reading.",
	}))
	if err != nil {
		return nil, err
	}

	reloads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartmeter_bridge_config_reloads_total",
		Help: "Number of restarts triggered by a changed configuration file.",
	}, []string{"file"}))
	if err != nil {
		return nil, err
	}

	collector := &PrometheusCollector{
		messages:    messages,
		fallbacks:   fallbacks,
		ticks:       ticks,
		lastMessage: lastMessage,
		reloads:     reloads,
	}
	shared[reg] = collector
	return collector, nil
}

// register adds c to reg, reusing a collector registered earlier under the same name.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}

// ObserveMessage counts a received reading.
func (p *PrometheusCollector) ObserveMessage(key string, fallback bool, at time.Time) {
	if p == nil {
		return
	}
	p.messages.Inc()
	if fallback {
		p.fallbacks.WithLabelValues(key).Inc()
	}
	p.lastMessage.Set(float64(at.UnixNano()) / 1e9)
}

// ObserveTick counts a tick that published something.
func (p *PrometheusCollector) ObserveTick(action string) {
	if p == nil {
		return
	}
	p.ticks.WithLabelValues(action).Inc()
}

// ObserveReload counts a hot reload caused by file.
func (p *PrometheusCollector) ObserveReload(file string) {
	if p == nil {
		return
	}
	p.reloads.WithLabelValues(file).Inc()
}
