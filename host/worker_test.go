package host_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/headergen"
	"github.com/getyourguide/extproc-enricher/host"
	"github.com/getyourguide/extproc-enricher/transport"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// blockingServer answers once release is closed.
type blockingServer struct {
	release chan struct{}
	calls   chan *api.HeaderRequest
}

func newBlockingServer() *blockingServer {
	return &blockingServer{
		release: make(chan struct{}),
		calls:   make(chan *api.HeaderRequest, 16),
	}
}

func (s *blockingServer) GenerateHeader(ctx context.Context, req *api.HeaderRequest) (*api.HeaderResponse, error) {
	s.calls <- req
	select {
	case <-s.release:
		return &api.HeaderResponse{Direction: req.Direction, Header: "late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fixedID() string {
	return "-fixed"
}

type harness struct {
	pool      *host.Pool
	transport *transport.Transport
	stop      func()
}

func newHarness(t *testing.T, srv api.HeaderGeneratorServer, workers int, opts ...enrich.Option) *harness {
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

	tr := transport.New()
	tr.Register(enrich.DefaultEndpoint, cc)
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})

	store := enrich.NewStore()
	pool := host.NewPool(workers, func(int) *host.Worker {
		return host.NewWorker(tr, host.WithMachineOptions(append([]enrich.Option{enrich.WithStore(store)}, opts...)...))
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- pool.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-errc)
		})
	}
	t.Cleanup(stop)
	return &harness{pool: pool, transport: tr, stop: stop}
}

func TestPoolHeaders(t *testing.T) {
	h := newHarness(t, headergen.New(headergen.WithIDFunc(fixedID)), 4)
	ctx := context.Background()

	tests := []struct {
		dir  api.Direction
		want host.Mutation
	}{
		{dir: api.RequestPath, want: host.Mutation{Name: enrich.DefaultRequestHeader, Value: "REQ-fixed"}},
		{dir: api.ResponsePath, want: host.Mutation{Name: enrich.DefaultResponseHeader, Value: "RES-fixed"}},
	}
	for _, tc := range tests {
		t.Run(tc.dir.String(), func(t *testing.T) {
			mutations, err := h.pool.Headers(ctx, "tx1", tc.dir)
			require.NoError(t, err)
			require.Equal(t, []host.Mutation{tc.want}, mutations)

			state, err := h.pool.State(ctx, "tx1", tc.dir)
			require.NoError(t, err)
			require.Equal(t, enrich.StateCompleted, state)
		})
	}
	require.Eventually(t, func() bool { return h.transport.InFlight() == 0 }, waitFor, tick)
}

func TestPoolManyTransactions(t *testing.T) {
	h := newHarness(t, headergen.New(), 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]host.Mutation, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txID := fmt.Sprintf("tx%d", i)
			m, err := h.pool.Headers(ctx, txID, api.RequestPath)
			if err == nil {
				results[i] = m
			}
			h.pool.Done(txID)
		}()
	}
	wg.Wait()
	for _, m := range results {
		require.Len(t, m, 1)
		require.Regexp(t, `^REQ[0-9a-f-]{36}$`, m[0].Value)
	}
}

func TestPoolFailsOpen(t *testing.T) {
	tests := []struct {
		name  string
		opts  []enrich.Option
		state enrich.State
	}{
		{
			name:  "unknown endpoint",
			opts:  []enrich.Option{enrich.WithEndpoint("missing")},
			state: enrich.StateFailed,
		},
		{
			name:  "timeout",
			opts:  []enrich.Option{enrich.WithTimeout(20 * time.Millisecond)},
			state: enrich.StateFailed,
		},
		{
			name:  "unimplemented method",
			opts:  []enrich.Option{enrich.WithMethod(api.ServiceName, "Missing")},
			state: enrich.StateFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newBlockingServer()
			h := newHarness(t, srv, 1, tc.opts...)
			ctx := context.Background()

			mutations, err := h.pool.Headers(ctx, "tx1", api.RequestPath)
			require.NoError(t, err)
			require.Empty(t, mutations)

			state, err := h.pool.State(ctx, "tx1", api.RequestPath)
			require.NoError(t, err)
			require.Equal(t, tc.state, state)
		})
	}
}

func TestPoolBusyDirection(t *testing.T) {
	srv := newBlockingServer()
	h := newHarness(t, srv, 1)
	ctx := context.Background()

	first := make(chan []host.Mutation, 1)
	go func() {
		m, _ := h.pool.Headers(ctx, "tx1", api.RequestPath)
		first <- m
	}()
	<-srv.calls

	mutations, err := h.pool.Headers(ctx, "tx1", api.RequestPath)
	require.NoError(t, err)
	require.Empty(t, mutations)
	require.Len(t, srv.calls, 0)

	close(srv.release)
	select {
	case m := <-first:
		require.Equal(t, []host.Mutation{{Name: enrich.DefaultRequestHeader, Value: "late"}}, m)
	case <-time.After(waitFor):
		t.Fatal("first event was never resumed")
	}
}

func TestPoolCanceledStream(t *testing.T) {
	srv := newBlockingServer()
	h := newHarness(t, srv, 2)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.pool.Headers(ctx, "tx1", api.ResponsePath)
		errc <- err
	}()
	<-srv.calls
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	h.pool.Done("tx1")
	close(srv.release)
	require.Eventually(t, func() bool { return h.transport.InFlight() == 0 }, waitFor, tick)

	state, err := h.pool.State(context.Background(), "tx1", api.ResponsePath)
	require.NoError(t, err)
	require.Equal(t, enrich.StateIdle, state)
}

func TestPoolStopped(t *testing.T) {
	srv := newBlockingServer()
	h := newHarness(t, srv, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := h.pool.Headers(context.Background(), "tx1", api.RequestPath)
		errc <- err
	}()
	<-srv.calls
	h.stop()
	require.ErrorIs(t, <-errc, host.ErrStopped)

	_, err := h.pool.Headers(context.Background(), "tx2", api.RequestPath)
	require.ErrorIs(t, err, host.ErrStopped)
	h.pool.Done("tx1")
}

func TestNewPoolSize(t *testing.T) {
	built := 0
	pool := host.NewPool(0, func(int) *host.Worker {
		built++
		return host.NewWorker(transport.New())
	})
	require.Equal(t, 1, pool.Size())
	require.Equal(t, 1, built)
}
