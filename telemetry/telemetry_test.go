package telemetry

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.ObserveMessage("voltage_l1", false, time.Now())
	collector.ObserveTick("commit")
	collector.ObserveReload("config.yaml")
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	at := time.Unix(1760788800, 0)
	collector.ObserveMessage("voltage_l1", false, at)
	collector.ObserveMessage("timestamp", true, at)
	collector.ObserveTick("commit")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector, again)
	again.ObserveTick("commit")
	again.ObserveTick("expire")

	families := gather(t, reg)
	require.Equal(t, 2.0, families["smartmeter_bridge_messages_total"].Metric[0].GetCounter().GetValue())
	require.Equal(t, 1760788800.0, families["smartmeter_bridge_last_message_timestamp_seconds"].Metric[0].GetGauge().GetValue())

	fallbacks := families["smartmeter_bridge_decode_fallbacks_total"]
	require.Len(t, fallbacks.Metric, 1)
	require.Equal(t, "timestamp", fallbacks.Metric[0].Label[0].GetValue())

	ticks := families["smartmeter_bridge_tick_actions_total"]
	require.Len(t, ticks.Metric, 2)
	values := map[string]float64{}
	for _, m := range ticks.Metric {
		values[m.Label[0].GetValue()] = m.GetCounter().GetValue()
	}
	require.Equal(t, map[string]float64{"commit": 2, "expire": 1}, values)
}

func TestPrometheusCollectorCountsReloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	collector.ObserveReload("/etc/smartmeter/config.yaml")
	collector.ObserveReload("/etc/smartmeter/config.yaml")

	reloads := gather(t, reg)["smartmeter_bridge_config_reloads_total"]
	require.Len(t, reloads.Metric, 1)
	require.Equal(t, "/etc/smartmeter/config.yaml", reloads.Metric[0].Label[0].GetValue())
	require.Equal(t, 2.0, reloads.Metric[0].GetCounter().GetValue())
}

func TestPrometheusCollectorAdoptsExistingMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	existing := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartmeter_bridge_messages_total",
		Help: "Number of meter readings received over MQTT.",
	})
	require.NoError(t, reg.Register(existing))

	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	collector.ObserveMessage("voltage_l1", false, time.Now())

	families := gather(t, reg)
	require.Equal(t, 1.0, families["smartmeter_bridge_messages_total"].Metric[0].GetCounter().GetValue())
}

func TestServeExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	collector.ObserveTick("commit")

	srv, err := Serve("127.0.0.1:0", reg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `smartmeter_bridge_tick_actions_total{action="commit"} 1`)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}
