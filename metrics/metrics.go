// Package metrics exposes Prometheus metrics for header enrichment.
package metrics

import (
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "enricher"

// Recorder implements enrich.Observer.
type Recorder struct {
	DispatchTotal   *prometheus.CounterVec
	CompletionTotal *prometheus.CounterVec
	IgnoredTotal    *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	InFlightCalls   prometheus.Gauge
}

var _ enrich.Observer = &Recorder{}

// NewRecorder registers the enrichment metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of header calls dispatched by direction and result",
		}, []string{"direction", "result"}),
		CompletionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_total",
			Help:      "Total number of awaited header calls resolved by direction and outcome",
		}, []string{"direction", "outcome"}),
		IgnoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_events_total",
			Help:      "Total number of header events and completions that changed no state",
		}, []string{"reason"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time a transaction direction spent paused waiting for its header",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"direction"}),
		InFlightCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_calls",
			Help:      "Number of header calls waiting for a reply",
		}),
	}
}

func (r *Recorder) Dispatched(dir api.Direction, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.DispatchTotal.WithLabelValues(dir.String(), result).Inc()
}

func (r *Recorder) Resolved(dir api.Direction, outcome enrich.Outcome, elapsed time.Duration) {
	r.CompletionTotal.WithLabelValues(dir.String(), string(outcome)).Inc()
	r.CallDuration.WithLabelValues(dir.String()).Observe(elapsed.Seconds())
}

func (r *Recorder) Ignored(outcome enrich.Outcome) {
	r.IgnoredTotal.WithLabelValues(string(outcome)).Inc()
}
