package service

import (
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

type Option interface {
	apply(c *ExtProcessor)
}

type optionFunc func(*ExtProcessor)

func (o optionFunc) apply(f *ExtProcessor) {
	o(f)
}

// WithLogger configures the service with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.log = log
	})
}

// WithFilters sets the filter chain. Filters implementing filter.Stream are
// notified when the stream of a transaction ends.
func WithFilters(filters ...filter.Filter) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.filters = append(svc.filters, filters...)
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.tracer = tracer
	})
}
