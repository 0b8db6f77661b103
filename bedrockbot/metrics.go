package bedrockbot

import (
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"time"
)

const metricsNamespace = "bedrockbot"

// Metrics groups all Prometheus instruments used by the bot. Each
// Metrics has its own registry, so multiple bots (ex: in tests) don't
// collide on registration.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Commands         *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamTokens   *prometheus.CounterVec
	ActiveSessions   prometheus.GaugeFunc
	ActiveWorkers    prometheus.Gauge
}

// NewMetrics creates and registers all instruments. sessions is called
// on each scrape to report the number of sessions in the store.
func NewMetrics(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &Metrics{
		registry: reg,
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Chat commands by command and result.",
			}, []string{"command", "result"},
		),
		CommandLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "command_duration_seconds",
				Help:      "Time to handle a chat command, including upstream requests.",
				Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			}, []string{"command"},
		),
		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_requests_total",
				Help:      "Model API requests by provider, model and result.",
			}, []string{"provider", "model", "result"},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Model API request latency.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"provider", "model"},
		),
		UpstreamTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_tokens_total",
				Help:      "Tokens reported by the model API, by direction.",
			}, []string{"provider", "model", "direction"},
		),
		ActiveSessions: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions",
				Help:      "Number of user sessions in memory.",
			}, func() float64 { return float64(sessions()) },
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_workers",
				Help:      "Number of running per-user command workers.",
			},
		),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// errorResult returns the result label for err
func errorResult(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		upstreamErr     *UpstreamError
		invalidModelErr *InvalidModelError
		invalidMoodErr  *InvalidMoodError
	)
	switch {
	case errors.As(err, &invalidModelErr):
		return "invalid_model"
	case errors.As(err, &invalidMoodErr):
		return "invalid_mood"
	case errors.Is(err, ErrMissingArgument):
		return "missing_argument"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.As(err, &upstreamErr):
		if upstreamErr.Transient {
			return "upstream_transient"
		}
		return "upstream"
	default:
		return "error"
	}
}

func (m *Metrics) observeCommand(command string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, errorResult(err)).Inc()
	m.CommandLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) observeUpstream(
	provider string,
	resp GenerateResponse,
	err error,
	elapsed time.Duration,
) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(provider, resp.ModelID, errorResult(err)).Inc()
	m.UpstreamLatency.WithLabelValues(provider, resp.ModelID).Observe(elapsed.Seconds())
	if resp.InputTokens > 0 {
		m.UpstreamTokens.WithLabelValues(provider, resp.ModelID, "input").
			Add(float64(resp.InputTokens))
	}
	if resp.OutputTokens > 0 {
		m.UpstreamTokens.WithLabelValues(provider, resp.ModelID, "output").
			Add(float64(resp.OutputTokens))
	}
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) workerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}
