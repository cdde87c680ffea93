package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/headergen"
	"github.com/getyourguide/extproc-enricher/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

type completion struct {
	handle enrich.Handle
	code   codes.Code
	size   int
}

func recorder() (enrich.CompletionFunc, <-chan completion) {
	ch := make(chan completion, 16)
	return func(h enrich.Handle, code codes.Code, size int) {
		ch <- completion{handle: h, code: code, size: size}
	}, ch
}

// blockingServer answers only once release is closed.
type blockingServer struct {
	release chan struct{}
	md      chan metadata.MD
}

func (s *blockingServer) GenerateHeader(ctx context.Context, req *api.HeaderRequest) (*api.HeaderResponse, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok && s.md != nil {
		s.md <- md
	}
	select {
	case <-s.release:
		return &api.HeaderResponse{Direction: req.Direction, Header: "late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func serve(t *testing.T, srv api.HeaderGeneratorServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))
	api.RegisterHeaderGeneratorServer(grpcServer, srv)
	go grpcServer.Serve(lis) // nolint:errcheck

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cc.Close()
		grpcServer.Stop()
	})
	return cc
}

func request(t *testing.T, dir api.Direction) []byte {
	t.Helper()
	b, err := api.EncodeRequest(&api.HeaderRequest{Direction: dir, TransactionID: "tx1"})
	require.NoError(t, err)
	return b
}

func await(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion delivered")
	}
	return completion{}
}

func TestDispatch(t *testing.T) {
	cc := serve(t, headergen.New(headergen.WithIDFunc(func() string { return "-1" })))
	tr := transport.New()
	tr.Register("grpc_service", cc)

	done, completions := recorder()
	h, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, request(t, api.RequestPath), time.Second, done)
	require.NoError(t, err)
	require.NotZero(t, h)

	c := await(t, completions)
	require.Equal(t, h, c.handle)
	require.Equal(t, codes.OK, c.code)
	require.Positive(t, c.size)

	body, err := tr.CallResponseBody(h, c.size)
	require.NoError(t, err)
	resp, err := api.DecodeResponse(body)
	require.NoError(t, err)
	require.Equal(t, &api.HeaderResponse{Direction: api.RequestPath, Header: "REQ-1"}, resp)

	tr.Release(h)
	_, err = tr.CallResponseBody(h, c.size)
	require.ErrorIs(t, err, transport.ErrNoResponse)

	select {
	case extra := <-completions:
		t.Fatalf("unexpected second completion %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, tr.Close())
}

func TestDispatchTimeout(t *testing.T) {
	srv := &blockingServer{release: make(chan struct{}), md: make(chan metadata.MD, 1)}
	defer close(srv.release)
	cc := serve(t, srv)
	tr := transport.New()
	tr.Register("grpc_service", cc)
	defer tr.Close()

	done, completions := recorder()
	md := metadata.Pairs("x-tenant", "gyg")
	h, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, md, request(t, api.ResponsePath), 50*time.Millisecond, done)
	require.NoError(t, err)

	got := <-srv.md
	require.Equal(t, []string{"gyg"}, got.Get("x-tenant"))

	c := await(t, completions)
	require.Equal(t, h, c.handle)
	require.Equal(t, codes.DeadlineExceeded, c.code)
	require.Zero(t, c.size)
	require.Zero(t, tr.InFlight())
}

func TestDispatchRejections(t *testing.T) {
	srv := &blockingServer{release: make(chan struct{})}
	cc := serve(t, srv)
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_inflight"})
	tr := transport.New(transport.WithMaxInFlight(1), transport.WithInFlightGauge(gauge))
	tr.Register("grpc_service", cc)

	done, completions := recorder()
	payload := request(t, api.RequestPath)

	_, err := tr.Dispatch("unknown", api.ServiceName, api.GenerateHeaderMethod, nil, payload, time.Second, done)
	require.ErrorIs(t, err, transport.ErrUnknownEndpoint)

	_, err = tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, nil, time.Second, done)
	require.Error(t, err)

	_, err = tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, 0, done)
	require.Error(t, err)

	h, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, 5*time.Second, done)
	require.NoError(t, err)
	require.Equal(t, 1, tr.InFlight())
	require.Equal(t, float64(1), testutil.ToFloat64(gauge))

	_, err = tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, 5*time.Second, done)
	require.ErrorIs(t, err, transport.ErrResourceExhausted)

	close(srv.release)
	c := await(t, completions)
	require.Equal(t, h, c.handle)
	require.Equal(t, codes.OK, c.code)
	require.Zero(t, testutil.ToFloat64(gauge))

	require.NoError(t, tr.Close())
	_, err = tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, time.Second, done)
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestCloseCompletesOutstandingCalls(t *testing.T) {
	srv := &blockingServer{release: make(chan struct{})}
	defer close(srv.release)
	cc := serve(t, srv)
	tr := transport.New()
	tr.Register("grpc_service", cc)

	done, completions := recorder()
	h, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, request(t, api.RequestPath), time.Minute, done)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	c := await(t, completions)
	require.Equal(t, h, c.handle)
	require.Equal(t, codes.Canceled, c.code)
}

func TestUnimplementedMethod(t *testing.T) {
	cc := serve(t, headergen.New())
	tr := transport.New()
	tr.Register("grpc_service", cc)
	defer tr.Close()

	done, completions := recorder()
	_, err := tr.Dispatch("grpc_service", api.ServiceName, "Nope", nil, request(t, api.RequestPath), time.Second, done)
	require.NoError(t, err)
	c := await(t, completions)
	require.Equal(t, codes.Unimplemented, c.code)
	require.Zero(t, c.size)
}

func TestDispatchRateLimit(t *testing.T) {
	cc := serve(t, headergen.New())
	tr := transport.New(transport.WithRateLimit(rate.Every(time.Hour), 2))
	tr.Register("grpc_service", cc)
	defer tr.Close()

	done, completions := recorder()
	payload := request(t, api.ResponsePath)
	for range 2 {
		_, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, time.Second, done)
		require.NoError(t, err)
	}
	_, err := tr.Dispatch("grpc_service", api.ServiceName, api.GenerateHeaderMethod, nil, payload, time.Second, done)
	require.ErrorIs(t, err, transport.ErrResourceExhausted)
	require.ErrorContains(t, err, "rate limited")

	for range 2 {
		c := await(t, completions)
		require.Equal(t, codes.OK, c.code)
		tr.Release(c.handle)
	}
}
