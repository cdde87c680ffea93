package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/getyourguide/extproc-enricher/config"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/getyourguide/extproc-enricher/host"
	"github.com/getyourguide/extproc-enricher/metrics"
	"github.com/getyourguide/extproc-enricher/server"
	"github.com/getyourguide/extproc-enricher/service"
	"github.com/getyourguide/extproc-enricher/telemetry"
	"github.com/getyourguide/extproc-enricher/transport"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName = "extproc-enricher"
	tracerName  = "github.com/getyourguide/extproc-enricher"
)

func main() {
	if err := run(); err != nil {
		slog.Error("oops", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	log := logr.FromSlogHandler(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, cfg.Telemetry(serviceName))
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			slog.Error("flushing traces", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)

	tr := transport.New(append(cfg.TransportOptions(),
		transport.WithLogger(log.WithName("transport")),
		transport.WithInFlightGauge(recorder.InFlightCalls),
	)...)
	defer func() {
		if err := tr.Close(); err != nil {
			slog.Error("closing transport", "error", err)
		}
	}()
	for name, target := range cfg.Endpoints {
		if err := tr.Dial(name, target); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
		slog.Info("endpoint registered", "endpoint", name, "target", target)
	}

	machineOpts := append(cfg.EnrichOptions(),
		enrich.WithStore(enrich.NewStore()),
		enrich.WithObserver(recorder),
	)
	pool := host.NewPool(cfg.Workers, func(i int) *host.Worker {
		return host.NewWorker(tr,
			host.WithWorkerLogger(log.WithName("worker").WithValues("worker", i)),
			host.WithMachineOptions(machineOpts...),
		)
	})

	tracer := telemetry.Tracer(tracerName)
	enricher := host.NewFilter(pool,
		host.WithLogger(log.WithName("filter")),
		host.WithTracer(tracer),
		host.WithHeaderNames(cfg.Enrich.RequestHeader, cfg.Enrich.ResponseHeader),
	)

	var filters []filter.Filter
	if cfg.Server.AccessLog {
		filters = append(filters, host.NewAccessLog(log.WithName("access"), cfg.Enrich.RequestHeader, cfg.Enrich.ResponseHeader))
	}
	filters = append(filters, enricher)

	g, ctx := errgroup.WithContext(ctx)
	opts := []server.Option{
		server.WithGrpcAddress(cfg.Server.GrpcNetwork, cfg.Server.GrpcAddress),
		server.WithFilters(filters...),
		server.WithServiceOptions(
			service.WithLogger(log.WithName("extproc")),
			service.WithTracer(tracer),
		),
		server.WithHTTP(cfg.Server.HTTPAddress),
		server.WithMetrics(reg),
	}
	if cfg.Server.Echo {
		opts = append(opts, server.WithEcho())
	}
	srv := server.New(ctx, opts...)

	slog.Info("starting enricher", "workers", pool.Size(), "endpoint", cfg.Enrich.Endpoint, "method", cfg.Enrich.Service+"/"+cfg.Enrich.Method)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(srv.Serve)
	return g.Wait()
}
