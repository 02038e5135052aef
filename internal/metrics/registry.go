package metrics

import (
	"bytes"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// bufferingResponseWriter captures promhttp's output so Handler can run it
// through FilterExposition before writing to the real ResponseWriter.
type bufferingResponseWriter struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func (w *bufferingResponseWriter) Header() http.Header { return w.header }

func (w *bufferingResponseWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

func (w *bufferingResponseWriter) WriteHeader(code int) { w.statusCode = code }

func (w *bufferingResponseWriter) status() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

// ControllerMetrics are the counters/gauges the leader path updates as it
// runs: one struct of collectors pre-registered with promauto.
type ControllerMetrics struct {
	LeaderTransitions prometheus.Counter
	TrimRounds        prometheus.Counter
	LogsTrimmed       *prometheus.CounterVec
	ChainReconfigs    *prometheus.CounterVec
	ObservedStateLag  prometheus.Gauge
}

const namePrefix = "restate_services_"

// NewControllerMetrics registers the controller's collectors against reg.
func NewControllerMetrics(reg prometheus.Registerer) *ControllerMetrics {
	return &ControllerMetrics{
		LeaderTransitions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: namePrefix + "cluster_controller_leader_transitions_total",
			Help: "Number of Follower<->Leader role transitions observed by this node.",
		}),
		TrimRounds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: namePrefix + "cluster_controller_trim_rounds_total",
			Help: "Number of times the trim policy has been evaluated while leading.",
		}),
		LogsTrimmed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "cluster_controller_logs_trimmed_total",
			Help: "Number of logs for which a new trim point was committed, by outcome.",
		}, []string{"outcome"}),
		ChainReconfigs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "cluster_controller_chain_reconfigurations_total",
			Help: "Number of seal-and-extend chain reconfigurations, by outcome.",
		}, []string{"outcome"}),
		ObservedStateLag: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: namePrefix + "cluster_controller_observed_state_age_seconds",
			Help: "Age of the most recently consumed cluster state snapshot.",
		}),
	}
}

// Handler exposes the registry filtered to namePrefix-prefixed families,
// backing the admin /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	inner := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &bufferingResponseWriter{header: make(http.Header)}
		inner.ServeHTTP(rec, r)
		for k, v := range rec.header {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.status())
		_, _ = w.Write([]byte(FilterExposition(rec.body.String(), []string{namePrefix})))
	})
}
