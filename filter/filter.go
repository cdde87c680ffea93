package filter

import (
	"context"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// Filter runs on the headers messages of every ext_proc stream. Returning an
// immediate response stops the filter chain and answers Envoy with it.
type Filter interface {
	RequestHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error)
	ResponseHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error)
}

// NoOpFilter leaves both headers messages untouched. Embed it in filters that
// only need part of the interface, like stream observers.
type NoOpFilter struct{}

var _ Filter = &NoOpFilter{}

func (f *NoOpFilter) RequestHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, nil
}

func (f *NoOpFilter) ResponseHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, nil
}
