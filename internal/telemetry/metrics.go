package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autorun_rules_loaded",
		Help: "Number of rules in the active rule snapshot",
	})
	RulesRejected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autorun_rules_rejected",
		Help: "Number of rule definitions rejected by the last load",
	})
	RuleReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorun_rule_reloads_total",
		Help: "Rule directory reloads by result",
	}, []string{"result"})

	SessionsHooked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autorun_sessions_hooked_total",
		Help: "Sessions created by the hook handshake",
	})
	SessionsDemoted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorun_sessions_demoted_total",
		Help: "Sessions moved to a terminal state, by reason",
	}, []string{"reason"})
	InvalidSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autorun_invalid_session_total",
		Help: "Requests presenting an unknown or terminated session id",
	})

	ExecutionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autorun_executions_active",
		Help: "Chain executions currently running",
	})
	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorun_executions_total",
		Help: "Finished chain executions by outcome",
	}, []string{"outcome"})
	Steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorun_steps_total",
		Help: "Chain steps by result",
	}, []string{"result"})
	StepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autorun_step_duration_seconds",
		Help:    "Time from dispatch to result for a chain step",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})
	DispatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autorun_dispatch_retries_total",
		Help: "Dispatch attempts retried after a dispatch channel failure",
	})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorun_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpReqs, httpDur,
			RulesLoaded, RulesRejected, RuleReloads,
			SessionsHooked, SessionsDemoted, InvalidSessions,
			ExecutionsActive, Executions, Steps, StepDuration, DispatchRetries,
			WebhookDeliveries,
		)
	})
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// route pattern is only complete after routing
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
