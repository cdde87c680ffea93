package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/headergen"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	if err := run(); err != nil {
		slog.Error("oops", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", ":50051", "address to listen on")
	debug := flag.Bool("debug", false, "log every generated header")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))
	api.RegisterHeaderGeneratorServer(server, headergen.New(headergen.WithLogger(logr.FromSlogHandler(handler))))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	reflection.Register(server)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", listener.Addr().String(), "type", "grpc")
		return server.Serve(listener)
	})
	g.Go(func() error {
		<-ctx.Done()
		healthSrv.Shutdown()
		server.GracefulStop()
		return nil
	})
	return g.Wait()
}
