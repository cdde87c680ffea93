package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	grpcodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	TraceMessageOperationName = "grpc.message"
)

var (
	RequestHeadersResourceName   = "RequestHeaders"
	RequestBodyResourceName      = "RequestBody"
	RequestTrailersResourceName  = "RequestTrailers"
	ResponseHeadersResourceName  = "ResponseHeaders"
	ResponseBodyResourceName     = "ResponseBody"
	ResponseTrailersResourceName = "ResponseTrailers"
)

type ExtProcessor struct {
	filters         []filter.Filter
	streamCallbacks []filter.Stream
	log             logr.Logger
	tracer          trace.Tracer
}

var _ extproc.ExternalProcessorServer = &ExtProcessor{}

func New(options ...Option) *ExtProcessor {
	svc := &ExtProcessor{
		log: logr.Discard(),
	}
	for _, opt := range options {
		opt.apply(svc)
	}
	if svc.tracer == nil {
		svc.tracer = noop.NewTracerProvider().Tracer(TraceMessageOperationName)
	}
	for _, f := range svc.filters {
		if s, ok := f.(filter.Stream); ok {
			svc.streamCallbacks = append(svc.streamCallbacks, s)
		}
	}
	return svc
}

// Process is the main entry point for the ExternalProcessor service.
// The protocol itself is based on a bidirectional gRPC stream. Envoy will send the server ProcessingRequest messages, and the server must reply with ProcessingResponse.
// One stream carries one HTTP transaction. A headers message is answered only once every filter returned, which is how filters hold a direction of the transaction.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/extensions/filters/http/ext_proc/v3/ext_proc.proto#envoy-v3-api-msg-extensions-filters-http-ext-proc-v3-externalfilter
func (svc *ExtProcessor) Process(procsrv extproc.ExternalProcessor_ProcessServer) error {
	req := filter.NewRequestContext()
	ctx := logr.NewContext(procsrv.Context(), svc.log)
	defer func() {
		for _, s := range svc.streamCallbacks {
			s.OnStreamComplete(req)
		}
	}()

	for {
		procreq, err := procsrv.Recv()
		if err != nil {
			return IgnoreCanceled(err)
		}

		switch msg := procreq.Request.(type) {
		case *extproc.ProcessingRequest_RequestHeaders:
			err = svc.traced(ctx, RequestHeadersResourceName, func(ctx context.Context) error {
				return svc.requestHeadersMessage(ctx, req, msg, procsrv)
			})
		case *extproc.ProcessingRequest_RequestBody:
			req.SetRequestPhase(filter.RequestPhaseRequestBody)
			err = svc.traced(ctx, RequestBodyResourceName, func(context.Context) error {
				return svc.send(procsrv, RequestBodyResourceName, &extproc.ProcessingResponse{
					Response: &extproc.ProcessingResponse_RequestBody{RequestBody: &extproc.BodyResponse{}},
				})
			})
		case *extproc.ProcessingRequest_RequestTrailers:
			req.SetRequestPhase(filter.RequestPhaseRequestTrailers)
			err = svc.traced(ctx, RequestTrailersResourceName, func(context.Context) error {
				return svc.send(procsrv, RequestTrailersResourceName, &extproc.ProcessingResponse{
					Response: &extproc.ProcessingResponse_RequestTrailers{RequestTrailers: &extproc.TrailersResponse{}},
				})
			})
		case *extproc.ProcessingRequest_ResponseHeaders:
			err = svc.traced(ctx, ResponseHeadersResourceName, func(ctx context.Context) error {
				return svc.responseHeadersMessage(ctx, req, msg, procsrv)
			})
		case *extproc.ProcessingRequest_ResponseBody:
			req.SetRequestPhase(filter.RequestPhaseResponseBody)
			err = svc.traced(ctx, ResponseBodyResourceName, func(context.Context) error {
				return svc.send(procsrv, ResponseBodyResourceName, &extproc.ProcessingResponse{
					Response: &extproc.ProcessingResponse_ResponseBody{ResponseBody: &extproc.BodyResponse{}},
				})
			})
		case *extproc.ProcessingRequest_ResponseTrailers:
			req.SetRequestPhase(filter.RequestPhaseResponseTrailers)
			err = svc.traced(ctx, ResponseTrailersResourceName, func(context.Context) error {
				return svc.send(procsrv, ResponseTrailersResourceName, &extproc.ProcessingResponse{
					Response: &extproc.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extproc.TrailersResponse{}},
				})
			})
		default:
			return fmt.Errorf("unknown request type: %T", procreq.Request)
		}
		if err != nil {
			return IgnoreCanceled(err)
		}
	}
}

func (svc *ExtProcessor) traced(ctx context.Context, resourceName string, fn func(ctx context.Context) error) error {
	ctx, span := svc.tracer.Start(ctx, resourceName)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Step 1. Request headers: Contains the headers from the original HTTP request.
func (svc *ExtProcessor) requestHeadersMessage(ctx context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.SetRequestPhase(filter.RequestPhaseRequestHeaders)
	for _, header := range msg.RequestHeaders.GetHeaders().GetHeaders() {
		headerValue := cmp.Or(string(header.GetRawValue()), header.GetValue())
		req.RequestHeaders.Add(header.Key, headerValue)
	}
	crw := filter.NewCommonResponseWriter(req.RequestHeaders)

	for _, f := range svc.filters {
		immediateResponse, err := svc.runFilter(ctx, f, RequestHeadersResourceName, func(ctx context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.RequestHeaders(ctx, crw, req)
		})
		if err != nil {
			return fmt.Errorf("RequestHeaders: %w", err)
		}
		if immediateResponse != nil {
			return svc.send(procsrv, RequestHeadersResourceName, &extproc.ProcessingResponse{
				Response: immediateResponse,
			})
		}
		if err := crw.CommonResponse().Validate(); err != nil {
			return fmt.Errorf("RequestHeaders: failed validating response in filter %T: %w", f, err)
		}
	}
	return svc.send(procsrv, RequestHeadersResourceName, &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	})
}

// Step 4. Response headers: Contains the headers from the HTTP response. Keep in mind that if the upstream system sends them before processing the request body that this message may arrive before the complete body.
// Filters run in reverse order.
func (svc *ExtProcessor) responseHeadersMessage(ctx context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.SetRequestPhase(filter.RequestPhaseResponseHeaders)
	for _, header := range msg.ResponseHeaders.GetHeaders().GetHeaders() {
		headerValue := cmp.Or(string(header.GetRawValue()), header.GetValue())
		req.ResponseHeaders.Add(header.Key, headerValue)
	}
	crw := filter.NewCommonResponseWriter(req.ResponseHeaders)

	for i := len(svc.filters) - 1; i >= 0; i-- {
		f := svc.filters[i]
		immediateResponse, err := svc.runFilter(ctx, f, ResponseHeadersResourceName, func(ctx context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.ResponseHeaders(ctx, crw, req)
		})
		if err != nil {
			return fmt.Errorf("ResponseHeaders: %w", err)
		}
		if immediateResponse != nil {
			return svc.send(procsrv, ResponseHeadersResourceName, &extproc.ProcessingResponse{
				Response: immediateResponse,
			})
		}
		if err := crw.CommonResponse().Validate(); err != nil {
			return fmt.Errorf("ResponseHeaders: failed validating response in filter %T: %w", f, err)
		}
	}
	return svc.send(procsrv, ResponseHeadersResourceName, &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	})
}

func (svc *ExtProcessor) runFilter(ctx context.Context, f filter.Filter, phase string, fn func(ctx context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error)) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := svc.tracer.Start(ctx, fmt.Sprintf("%T/%s", f, phase))
	defer span.End()
	immediateResponse, err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed running filter %T: %w", f, err)
	}
	return immediateResponse, nil
}

func (svc *ExtProcessor) send(procsrv extproc.ExternalProcessor_ProcessServer, phase string, r *extproc.ProcessingResponse) error {
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("%s: failed validating response: %w", phase, err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("%s: failed sending response: %w", phase, err)
	}
	return nil
}

// IgnoreCanceled returns nil if the error is a context.Canceled error or an io.EOF error.
func IgnoreCanceled(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, status.Error(grpcodes.Canceled, context.Canceled.Error())):
		return nil
	}
	return err
}
