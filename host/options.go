package host

import (
	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type workerConfig struct {
	mailboxSize int
	machineOpts []enrich.Option
	log         logr.Logger
}

type WorkerOption func(*workerConfig)

// WithMachineOptions configures the machine owned by the worker.
func WithMachineOptions(opts ...enrich.Option) WorkerOption {
	return func(c *workerConfig) {
		c.machineOpts = append(c.machineOpts, opts...)
	}
}

func WithMailboxSize(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

func WithWorkerLogger(log logr.Logger) WorkerOption {
	return func(c *workerConfig) {
		c.log = log
	}
}

type FilterOption func(*Filter)

func WithLogger(log logr.Logger) FilterOption {
	return func(f *Filter) {
		f.log = log
	}
}

func WithTracer(tracer trace.Tracer) FilterOption {
	return func(f *Filter) {
		f.tracer = tracer
	}
}

// WithPropagator sets how the trace of the HTTP request is read from its
// headers. It defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) FilterOption {
	return func(f *Filter) {
		f.propagator = p
	}
}

// WithHeaderNames sets the headers the filter strips from the inbound
// messages when no header was injected. They should match the names given to
// enrich.WithHeaderNames.
func WithHeaderNames(request, response string) FilterOption {
	return func(f *Filter) {
		f.headers[api.RequestPath] = request
		f.headers[api.ResponsePath] = response
	}
}

// WithIDFunc replaces the generator of transaction ids.
func WithIDFunc(fn func() string) FilterOption {
	return func(f *Filter) {
		f.newID = fn
	}
}
