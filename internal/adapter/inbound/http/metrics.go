package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
	"github.com/Sentinel-Gate/guard-proxy/internal/service"
)

// Metrics holds all Prometheus metrics for guard-proxy.
// It also implements service.Recorder so mediation events land here.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveStreams      prometheus.Gauge
	ScanVerdictsTotal  *prometheus.CounterVec
	ScanErrorsTotal    *prometheus.CounterVec
	BlockedTotal       *prometheus.CounterVec
	BackendErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardproxy",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "guardproxy",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method"},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "guardproxy",
				Name:      "active_streams",
				Help:      "Number of SSE responses currently being written",
			},
		),
		ScanVerdictsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardproxy",
				Name:      "scan_verdicts_total",
				Help:      "Guardrail scan verdicts by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ScanErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardproxy",
				Name:      "scan_errors_total",
				Help:      "Failed guardrail scans by direction and applied failure mode",
			},
			[]string{"direction", "failure_mode"},
		),
		BlockedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardproxy",
				Name:      "blocked_total",
				Help:      "Requests refused by guardrail verdicts",
			},
			[]string{"direction"},
		),
		BackendErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardproxy",
				Name:      "backend_errors_total",
				Help:      "Failed backend exchanges by kind",
			},
			[]string{"kind"}, // kind=status/unavailable/timeout/truncated/malformed
		),
	}
}

// ScanVerdict implements service.Recorder.
func (m *Metrics) ScanVerdict(direction scan.Direction, outcome scan.Outcome) {
	m.ScanVerdictsTotal.WithLabelValues(string(direction), string(outcome)).Inc()
}

// ScanError implements service.Recorder.
func (m *Metrics) ScanError(direction scan.Direction, mode scan.FailureMode) {
	m.ScanErrorsTotal.WithLabelValues(string(direction), string(mode)).Inc()
}

// Blocked implements service.Recorder.
func (m *Metrics) Blocked(direction scan.Direction) {
	m.BlockedTotal.WithLabelValues(string(direction)).Inc()
}

// BackendError implements service.Recorder.
func (m *Metrics) BackendError(kind string) {
	m.BackendErrorsTotal.WithLabelValues(kind).Inc()
}

var _ service.Recorder = (*Metrics)(nil)
