// Package metrics counts workflow events for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helpflow/internal/events"
)

// Recorder is an events.Sink backed by its own registry.
type Recorder struct {
	Registry    *prometheus.Registry
	events      *prometheus.CounterVec
	finalize    *prometheus.CounterVec
	backendErrs *prometheus.CounterVec
}

var _ events.Sink = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpflow",
			Name:      "workflow_events_total",
			Help:      "Workflow events by type.",
		}, []string{"type"}),
		finalize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpflow",
			Name:      "finalize_attempts_total",
			Help:      "Finalize attempts by outcome.",
		}, []string{"outcome"}),
		backendErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpflow",
			Name:      "backend_errors_total",
			Help:      "Failed calls to the charity backend by operation.",
		}, []string{"operation"}),
	}
	r.Registry.MustRegister(
		r.events,
		r.finalize,
		r.backendErrs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Append(_ context.Context, evtType, _ string, _ events.Payload) error {
	r.events.WithLabelValues(evtType).Inc()
	switch evtType {
	case events.TypeVerified:
		r.finalize.WithLabelValues("verified").Inc()
	case events.TypeFinalizeBlocked:
		r.finalize.WithLabelValues("blocked").Inc()
	case events.TypeFinalizeFailed:
		r.finalize.WithLabelValues("failed").Inc()
		r.backendErrs.WithLabelValues("verify").Inc()
	}
	return nil
}

// BackendError counts a failed backend call outside finalize.
func (r *Recorder) BackendError(operation string) {
	r.backendErrs.WithLabelValues(operation).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
