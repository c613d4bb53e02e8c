package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标结果标签。
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics 持有服务的全部采集器，注册在独立的 Registry 上。
type Metrics struct {
	registry *prometheus.Registry

	BackendRequests   *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	DashboardPolls    *prometheus.CounterVec
	DiscoveryOutcomes *prometheus.CounterVec
	Workspaces        prometheus.Gauge
	Probes            *prometheus.CounterVec
}

// New 创建并注册全部采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpdash",
			Name:      "backend_requests_total",
			Help:      "Backend API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snmpdash",
			Name:      "backend_request_duration_seconds",
			Help:      "Latency of backend API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		DashboardPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpdash",
			Name:      "dashboard_polls_total",
			Help:      "Device list polls by outcome.",
		}, []string{"outcome"}),
		DiscoveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpdash",
			Name:      "discovery_outcomes_total",
			Help:      "Discovery and registration results.",
		}, []string{"outcome"}),
		Workspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snmpdash",
			Name:      "active_workspaces",
			Help:      "Browser sessions with a live workspace.",
		}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpdash",
			Name:      "probes_total",
			Help:      "Management port probes by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BackendRequests,
		m.BackendDuration,
		m.DashboardPolls,
		m.DiscoveryOutcomes,
		m.Workspaces,
		m.Probes,
	)
	return m
}

// ObserveBackend 记录一次后端调用。
func (m *Metrics) ObserveBackend(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(operation, outcome(err)).Inc()
	m.BackendDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObservePoll 记录一次设备列表轮询。
func (m *Metrics) ObservePoll(err error) {
	if m == nil {
		return
	}
	m.DashboardPolls.WithLabelValues(outcome(err)).Inc()
}

// ObserveDiscovery 记录发现或注册的结果，例如 discovery_ok、registration_error。
func (m *Metrics) ObserveDiscovery(result string) {
	if m == nil {
		return
	}
	m.DiscoveryOutcomes.WithLabelValues(result).Inc()
}

// ObserveProbe 记录一次端口探测。
func (m *Metrics) ObserveProbe(err error) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(outcome(err)).Inc()
}

// WorkspaceOpened 与 WorkspaceClosed 维护活跃会话数。
func (m *Metrics) WorkspaceOpened() {
	if m != nil {
		m.Workspaces.Inc()
	}
}

func (m *Metrics) WorkspaceClosed() {
	if m != nil {
		m.Workspaces.Dec()
	}
}

// Handler 暴露 /metrics。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层注册表，测试中用于读取采集值。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
