package filter

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RequestPhase represents the different phases of the request
type RequestPhase string

const (
	RequestPhaseUnknown          RequestPhase = "RequestPhaseUnknown"
	RequestPhaseRequestHeaders   RequestPhase = "RequestPhaseRequestHeaders"
	RequestPhaseRequestBody      RequestPhase = "RequestPhaseRequestBody"
	RequestPhaseRequestTrailers  RequestPhase = "RequestPhaseRequestTrailers"
	RequestPhaseResponseHeaders  RequestPhase = "RequestPhaseResponseHeaders"
	RequestPhaseResponseBody     RequestPhase = "RequestPhaseResponseBody"
	RequestPhaseResponseTrailers RequestPhase = "RequestPhaseResponseTrailers"
)

// RequestContext stores what is known about one HTTP transaction across the
// messages of its ext_proc stream. Headers mutated by filters are reflected in
// RequestHeaders and ResponseHeaders.
// It is not thread-safe and should not be shared between goroutines.
type RequestContext struct {
	RequestHeaders  http.Header
	ResponseHeaders http.Header
	metadata        *Metadata
	phase           RequestPhase
	startTime       time.Time
}

func NewRequestContext() *RequestContext {
	return &RequestContext{
		RequestHeaders:  make(http.Header),
		ResponseHeaders: make(http.Header),
		metadata:        &Metadata{},
		phase:           RequestPhaseUnknown,
		startTime:       time.Now(),
	}
}

// RequestHeader gets the first value associated with the given key. It is case insensitive.
func (r *RequestContext) RequestHeader(key string) string {
	return r.RequestHeaders.Get(key)
}

// ResponseHeader gets the first value associated with the given key. It is case insensitive.
func (r *RequestContext) ResponseHeader(key string) string {
	return r.ResponseHeaders.Get(key)
}

// Authority returns the authority of the request
func (r *RequestContext) Authority() string {
	return r.RequestHeader(":authority")
}

// Method returns the method of the request (GET, POST, PUT, etc)
func (r *RequestContext) Method() string {
	return r.RequestHeader(":method")
}

// URL returns the URL of the request. An unparsable :path is kept verbatim in RawPath.
func (r *RequestContext) URL() *url.URL {
	path := r.RequestHeader(":path")
	if u, err := url.Parse(path); err == nil {
		return u
	}
	return &url.URL{
		Path:    strings.Split(path, "?")[0],
		RawPath: path,
	}
}

// RequestID returns the x-request-id assigned by Envoy
func (r *RequestContext) RequestID() string {
	return r.RequestHeader("x-request-id")
}

// Status returns the status of the response
func (r *RequestContext) Status() int {
	status, _ := strconv.Atoi(r.ResponseHeader(":status"))
	return status
}

// StatusClass returns the class of the status of the response (2xx, 3xx, 4xx, 5xx)
func (r *RequestContext) StatusClass() string {
	return fmt.Sprintf("%dxx", r.Status()/100)
}

// Metadata returns the metadata of the request, it can be used to exchange information between the different filters
func (r *RequestContext) Metadata() *Metadata {
	if r.metadata == nil {
		r.metadata = &Metadata{}
	}
	return r.metadata
}

// RequestPhase returns the current phase of the request
func (r *RequestContext) RequestPhase() RequestPhase {
	if r.phase == "" {
		return RequestPhaseUnknown
	}
	return r.phase
}

// SetRequestPhase is called by the service before the filters of a phase run.
func (r *RequestContext) SetRequestPhase(phase RequestPhase) {
	r.phase = phase
}

// RequestDuration returns the time since the request started
func (r *RequestContext) RequestDuration() time.Duration {
	if r.startTime.IsZero() {
		return time.Duration(0)
	}
	return time.Since(r.startTime)
}

type Metadata struct {
	m map[any]any
}

// Set sets the value associated with key in the metadata.
func (m *Metadata) Set(key any, value any) {
	if m.m == nil {
		m.m = make(map[any]any)
	}
	m.m[key] = value
}

// Get returns the value associated with key in the metadata.
func (m *Metadata) Get(key any) any {
	return m.m[key]
}
