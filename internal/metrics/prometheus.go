package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink 将快照转换为 prometheus 计数器/gauge。
// 计数器快照是区间增量，直接 Add；gauge 直接 Set。
type PrometheusSink struct {
	registry *prometheus.Registry
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_events_total", Help: "Pipeline counter deltas by metric name"},
		[]string{"name"},
	)
	gauges := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pipeline_gauge", Help: "Pipeline gauge values by metric name"},
		[]string{"name"},
	)
	registry.MustRegister(counters, gauges)
	return &PrometheusSink{
		registry: registry,
		counters: counters,
		gauges:   gauges,
	}
}

func (s *PrometheusSink) Flush(_ context.Context, snap *Snapshot) error {
	for name, v := range snap.Counters {
		s.counters.WithLabelValues(name).Add(float64(v))
	}
	for name, v := range snap.Gauges {
		s.gauges.WithLabelValues(name).Set(v)
	}
	return nil
}

// Handler 返回 /metrics 的 HTTP handler，由入口按配置挂到监听端口。
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
