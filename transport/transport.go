// Package transport performs the out-of-band gRPC calls of the enricher.
// Calls never block the dispatcher: each one runs on its own goroutine and
// reports back through a completion callback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const DefaultMaxInFlight = 1024

var (
	ErrUnknownEndpoint   = errors.New("unknown endpoint")
	ErrResourceExhausted = errors.New("too many calls in flight")
	ErrClosed            = errors.New("transport closed")
	ErrNoResponse        = errors.New("no response body")
)

type call struct {
	completed bool
	body      []byte
}

// Transport dispatches unary calls to named endpoints. Handles are unique for
// the lifetime of the transport while their call is tracked.
type Transport struct {
	mu          sync.Mutex
	endpoints   map[string]grpc.ClientConnInterface
	owned       []*grpc.ClientConn
	calls       map[enrich.Handle]*call
	next        enrich.Handle
	inflight    int
	maxInFlight int
	closed      bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      logr.Logger
	gauge    prometheus.Gauge
	limiter  *rate.Limiter
	callOpts []grpc.CallOption
}

type Option func(*Transport)

func WithLogger(log logr.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithMaxInFlight bounds the number of outstanding calls. Dispatches over the
// bound are rejected with ErrResourceExhausted.
func WithMaxInFlight(n int) Option {
	return func(t *Transport) {
		t.maxInFlight = n
	}
}

// WithInFlightGauge reports the number of outstanding calls.
func WithInFlightGauge(g prometheus.Gauge) Option {
	return func(t *Transport) {
		t.gauge = g
	}
}

// WithRateLimit bounds how many calls are started per second. Dispatches over
// the rate are rejected with ErrResourceExhausted.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(t *Transport) {
		t.limiter = rate.NewLimiter(r, burst)
	}
}

func WithCallOptions(opts ...grpc.CallOption) Option {
	return func(t *Transport) {
		t.callOpts = append(t.callOpts, opts...)
	}
}

func New(opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		endpoints:   make(map[string]grpc.ClientConnInterface),
		calls:       make(map[enrich.Handle]*call),
		maxInFlight: DefaultMaxInFlight,
		ctx:         ctx,
		cancel:      cancel,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register makes cc reachable under the logical endpoint name.
func (t *Transport) Register(endpoint string, cc grpc.ClientConnInterface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[endpoint] = cc
}

// Dial creates a client for target and registers it under endpoint. The
// connection is closed with the transport. Without options the connection
// is plaintext.
func (t *Transport) Dial(endpoint, target string, opts ...grpc.DialOption) error {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("dial %s (%s): %w", endpoint, target, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[endpoint] = cc
	t.owned = append(t.owned, cc)
	return nil
}

// Dispatch starts /service/method on endpoint and returns immediately. done is
// called exactly once for the returned handle, after Dispatch has returned,
// from a goroutine owned by the transport. Timeouts complete with
// codes.DeadlineExceeded.
func (t *Transport) Dispatch(endpoint, service, method string, md metadata.MD, payload []byte, timeout time.Duration, done enrich.CompletionFunc) (enrich.Handle, error) {
	if len(payload) == 0 {
		return 0, errors.New("empty payload")
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("invalid timeout %v", timeout)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	cc, ok := t.endpoints[endpoint]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}
	if t.inflight >= t.maxInFlight {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrResourceExhausted, t.maxInFlight)
	}
	if t.limiter != nil && !t.limiter.Allow() {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: rate limited", ErrResourceExhausted)
	}
	h := t.allocate()
	t.calls[h] = &call{}
	t.inflight++
	t.wg.Add(1)
	t.mu.Unlock()

	if t.gauge != nil {
		t.gauge.Inc()
	}
	dispatched := make(chan struct{})
	defer close(dispatched)
	go t.invoke(h, cc, fmt.Sprintf("/%s/%s", service, method), md, payload, timeout, dispatched, done)
	return h, nil
}

// allocate returns the next handle not currently tracked. Zero is never used.
// Callers hold t.mu.
func (t *Transport) allocate() enrich.Handle {
	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, taken := t.calls[t.next]; !taken {
			return t.next
		}
	}
}

func (t *Transport) invoke(h enrich.Handle, cc grpc.ClientConnInterface, fullMethod string, md metadata.MD, payload []byte, timeout time.Duration, dispatched <-chan struct{}, done enrich.CompletionFunc) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	var reply []byte
	opts := append([]grpc.CallOption{grpc.ForceCodec(api.Codec{})}, t.callOpts...)
	err := cc.Invoke(ctx, fullMethod, payload, &reply, opts...)
	code := status.Code(err)
	if err != nil {
		t.log.V(1).Info("call failed", "handle", h, "method", fullMethod, "code", code.String(), "err", err.Error())
		reply = nil
	}

	t.mu.Lock()
	if c, ok := t.calls[h]; ok {
		c.completed = true
		c.body = reply
	}
	t.inflight--
	t.mu.Unlock()
	if t.gauge != nil {
		t.gauge.Dec()
	}

	<-dispatched
	done(h, code, len(reply))
}

// CallResponseBody returns the first size bytes of the reply of a completed call.
func (t *Transport) CallResponseBody(h enrich.Handle, size int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[h]
	if !ok || !c.completed {
		return nil, fmt.Errorf("%w: handle %d", ErrNoResponse, h)
	}
	if size < 0 || size > len(c.body) {
		return nil, fmt.Errorf("%w: handle %d has %d bytes, %d requested", ErrNoResponse, h, len(c.body), size)
	}
	return c.body[:size], nil
}

// Release drops the reply of h. It must be called once the completion has been handled.
func (t *Transport) Release(h enrich.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[h]; ok && c.completed {
		delete(t.calls, h)
	}
}

// InFlight returns the number of calls not completed yet.
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

// Close cancels outstanding calls, waits for their completions and closes the
// connections created by Dial.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := t.owned
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	var errs []error
	for _, cc := range owned {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
