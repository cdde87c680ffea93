package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthcheck probes an http(s) URL or the gRPC health service of an address.
func main() {
	timeout := flag.Duration("timeout", 3*time.Second, "probe timeout")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalf("usage: %s [-timeout d] <url|host:port>", os.Args[0])
	}
	os.Exit(probe(flag.Arg(0), *timeout))
}

func probe(target string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return probeHTTP(ctx, target)
	}
	return probeGrpc(ctx, target)
}

func probeHTTP(ctx context.Context, url string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("requesting %s: %s", url, err)
		return 1
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("requesting %s: %s", url, err)
		return 1
	}
	defer r.Body.Close()

	log.Printf("requesting %s -> %d", url, r.StatusCode)
	if r.StatusCode >= 400 {
		return 1
	}
	return 0
}

func probeGrpc(ctx context.Context, addr string) int {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Printf("connecting %s: %s", addr, err)
		return 1
	}
	defer cc.Close()

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Printf("checking %s: %s", addr, err)
		return 1
	}
	log.Printf("checking %s -> %s", addr, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
