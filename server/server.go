package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-enricher/echo"
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/getyourguide/extproc-enricher/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	defaultGrpcNetwork  = "tcp"
	defaultGrpcAddress  = ":8081"
	defaultHTTPBindAddr = ":8080"
	defaultShutdownWait = 5 * time.Second
)

type Server struct {
	serviceOpts []service.Option
	grpcServer  *grpc.Server
	grpcNetwork string
	grpcAddress string
	health      *health.Server
	http        httpConfig
	ctx         context.Context
	cancel      context.CancelFunc

	mu       sync.Mutex
	grpcAddr net.Addr
	httpAddr net.Addr
	stopOnce sync.Once
	stopErr  error
}

type httpConfig struct {
	enabled     bool
	echo        bool
	bindAddress string
	mux         *http.ServeMux
	gatherer    prometheus.Gatherer
	httpsrv     *http.Server
}

type Option func(*Server)

func New(ctx context.Context, opts ...Option) *Server {
	if ctx == nil {
		ctx = context.TODO()
	}
	srv := &Server{
		grpcNetwork: defaultGrpcNetwork,
		grpcAddress: defaultGrpcAddress,
		health:      health.NewServer(),
	}
	srv.ctx, srv.cancel = context.WithCancel(ctx)
	for _, opt := range opts {
		opt(srv)
	}
	if srv.grpcServer == nil {
		srv.grpcServer = grpc.NewServer()
	}
	return srv
}

func WithFilters(f ...filter.Filter) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithFilters(f...))
	}
}

func WithServiceOptions(opts ...service.Option) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, opts...)
	}
}

func WithGrpcServer(server *grpc.Server, network string, address string) Option {
	return func(s *Server) {
		if server != nil {
			s.grpcServer = server
		}
		if network != "" {
			s.grpcNetwork = network
		}
		if address != "" {
			s.grpcAddress = address
		}
	}
}

// WithGrpcAddress changes where the ext_proc server listens.
func WithGrpcAddress(network string, address string) Option {
	return WithGrpcServer(nil, network, address)
}

// WithHTTP starts the HTTP server on address. It serves /healthz and the
// endpoints enabled by the other options.
func WithHTTP(address string) Option {
	return func(s *Server) {
		s.http.enabled = true
		s.http.bindAddress = address
	}
}

// WithEcho serves the echo upstream on the HTTP server.
func WithEcho() Option {
	return func(s *Server) {
		s.http.enabled = true
		s.http.echo = true
	}
}

func WithEchoServerMux(mux *http.ServeMux, address string) Option {
	return func(s *Server) {
		s.http.enabled = true
		s.http.echo = true
		s.http.mux = mux
		s.http.bindAddress = address
	}
}

// WithMetrics serves the metrics of g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.http.enabled = true
		s.http.gatherer = g
	}
}

// Serve blocks until the context given to New is done, Stop is called or a
// listener fails.
func (s *Server) Serve() error {
	g, ctx := errgroup.WithContext(s.ctx)

	if s.grpcNetwork == "unix" {
		os.RemoveAll(s.grpcAddress) // nolint:errcheck
	}
	listener, err := net.Listen(s.grpcNetwork, s.grpcAddress)
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}
	extproc.RegisterExternalProcessorServer(s.grpcServer, service.New(s.serviceOpts...))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.setAddr(&s.grpcAddr, listener.Addr())
	g.Go(func() error {
		slog.Info("starting grpc server", "address", listener.Addr().String())
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpcServer.Serve(listener)
	})

	if s.http.enabled {
		httpListener, err := s.listenHTTP()
		if err != nil {
			s.grpcServer.Stop()
			_ = g.Wait()
			return err
		}
		httpsrv := s.httpServer()
		g.Go(func() error {
			slog.Info("starting http server", "address", httpListener.Addr().String())
			if err := httpsrv.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) listenHTTP() (net.Listener, error) {
	if s.http.mux == nil {
		s.http.mux = http.NewServeMux()
	}
	if s.http.bindAddress == "" {
		s.http.bindAddress = defaultHTTPBindAddr
	}
	s.http.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.http.echo {
		echo.Register(s.http.mux)
	}
	if s.http.gatherer != nil {
		s.http.mux.Handle("/metrics", promhttp.HandlerFor(s.http.gatherer, promhttp.HandlerOpts{}))
	}
	listener, err := net.Listen("tcp", s.http.bindAddress)
	if err != nil {
		return nil, fmt.Errorf("cannot listen: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.http.httpsrv = &http.Server{
		Handler:           otelhttp.NewHandler(s.http.mux, "http", otelhttp.WithFilter(traced)),
		ReadHeaderTimeout: defaultShutdownWait,
	}
	s.httpAddr = listener.Addr()
	return listener, nil
}

// traced skips probes and scrapes.
func traced(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	}
	return true
}

func (s *Server) httpServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.http.httpsrv
}

// Stop shuts both servers down. Pending ext_proc streams get defaultShutdownWait
// to finish before they are cancelled.
func (s *Server) Stop() error {
	s.cancel()
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		slog.Info("stopping grpc server")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(defaultShutdownWait):
			s.grpcServer.Stop()
			<-stopped
		}
		if s.grpcNetwork == "unix" {
			os.RemoveAll(s.grpcAddress) // nolint:errcheck
		}
		httpsrv := s.httpServer()
		if httpsrv == nil {
			return
		}
		slog.Info("stopping http server")
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownWait)
		defer cancel()
		if err := httpsrv.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("http server shutdown error: %w", err)
		}
	})
	return s.stopErr
}

func (s *Server) setAddr(dst *net.Addr, addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = addr
}

// GrpcAddr returns the address the ext_proc server listens on, nil before Serve.
func (s *Server) GrpcAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// HTTPAddr returns the address of the HTTP server, nil if it is not started.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func IsReady(s *Server) bool {
	if s.GrpcAddr() == nil {
		return false
	}
	if !s.http.enabled {
		return true
	}
	addr := s.HTTPAddr()
	if addr == nil {
		return false
	}
	httpClient := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := httpClient.Get(fmt.Sprintf("http://%s/healthz", addr.String()))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

func WaitReady(s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tck := time.NewTicker(100 * time.Millisecond)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
			if IsReady(s) {
				return nil
			}
		}
	}
}
