package host

import (
	"context"
	"errors"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/getyourguide/extproc-enricher/host"

// Enricher resolves the header events of transactions.
type Enricher interface {
	Headers(ctx context.Context, txID string, dir api.Direction) ([]Mutation, error)
	Done(txID string)
}

type transactionKey struct{}

// Filter holds each headers message of a stream until the enricher resumes
// its direction, then applies the injected headers.
type Filter struct {
	enricher   Enricher
	headers    map[api.Direction]string
	newID      func() string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	log        logr.Logger
}

var (
	_ filter.Filter = &Filter{}
	_ filter.Stream = &Filter{}
)

func NewFilter(enricher Enricher, opts ...FilterOption) *Filter {
	f := &Filter{
		enricher: enricher,
		headers: map[api.Direction]string{
			api.RequestPath:  enrich.DefaultRequestHeader,
			api.ResponsePath: enrich.DefaultResponseHeader,
		},
		newID: uuid.NewString,
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if f.propagator == nil {
		f.propagator = otel.GetTextMapPropagator()
	}
	return f
}

func (f *Filter) RequestHeaders(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, f.enrich(ctx, crw, req, api.RequestPath, req.RequestHeader)
}

func (f *Filter) ResponseHeaders(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, f.enrich(ctx, crw, req, api.ResponsePath, req.ResponseHeader)
}

func (f *Filter) OnStreamComplete(req *filter.RequestContext) {
	if txID, ok := TransactionID(req); ok {
		f.enricher.Done(txID)
	}
}

// TransactionID returns the correlation id assigned to the transaction of req.
func TransactionID(req *filter.RequestContext) (string, bool) {
	txID, ok := req.Metadata().Get(transactionKey{}).(string)
	return txID, ok
}

func (f *Filter) transactionID(req *filter.RequestContext) string {
	if txID, ok := TransactionID(req); ok {
		return txID
	}
	txID := f.newID()
	req.Metadata().Set(transactionKey{}, txID)
	return txID
}

func (f *Filter) enrich(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext, dir api.Direction, inbound func(string) string) error {
	txID := f.transactionID(req)
	log := f.log.WithValues("transaction", txID, "direction", dir.String(), "requestID", req.RequestID())

	// The span is linked to the trace of the HTTP request, if Envoy forwarded one.
	remote := f.propagator.Extract(context.Background(), propagation.HeaderCarrier(req.RequestHeaders))
	ctx, span := f.tracer.Start(ctx, "enrich/"+dir.String(),
		trace.WithLinks(trace.LinkFromContext(remote)),
		trace.WithAttributes(
			attribute.String("enrich.transaction", txID),
			attribute.String("enrich.direction", dir.String()),
		),
	)
	defer span.End()

	mutations, err := f.enricher.Headers(ctx, txID, dir)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		span.SetStatus(codes.Error, err.Error())
		return err
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		log.Error(err, "continuing without header")
	}
	span.SetAttributes(attribute.Int("enrich.mutations", len(mutations)))

	name := f.headers[dir]
	injected := false
	for _, m := range mutations {
		crw.SetHeader(m.Name, m.Value)
		injected = injected || m.Name == name
	}
	if !injected && name != "" && inbound(name) != "" {
		log.V(1).Info("removing inbound header", "header", name)
		crw.RemoveHeaders(name)
	}
	return nil
}
