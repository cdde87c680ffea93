// Package config loads the settings of the enricher process.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/telemetry"
	"github.com/getyourguide/extproc-enricher/transport"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/metadata"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration written as a Go duration string ("5s", "250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	// Endpoints maps the logical endpoint names to gRPC dial targets.
	Endpoints map[string]string `json:"endpoints"`
	Enrich    Enrich            `json:"enrich"`
	Server    Server            `json:"server"`
	Workers   int               `json:"workers"`
	// MaxInFlight caps the calls outstanding across all workers.
	MaxInFlight int       `json:"maxInFlight"`
	RateLimit   RateLimit `json:"rateLimit"`
	Tracing     Tracing   `json:"tracing"`
	LogLevel    string    `json:"logLevel"`
}

// RateLimit bounds the calls started per second. Zero disables it.
type RateLimit struct {
	CallsPerSecond float64 `json:"callsPerSecond"`
	Burst          int     `json:"burst"`
}

type Tracing struct {
	Enabled       bool    `json:"enabled"`
	Exporter      string  `json:"exporter"`
	Endpoint      string  `json:"endpoint"`
	SamplingRatio float64 `json:"samplingRatio"`
	Environment   string  `json:"environment"`
}

type Enrich struct {
	Endpoint       string            `json:"endpoint"`
	Service        string            `json:"service"`
	Method         string            `json:"method"`
	Timeout        Duration          `json:"timeout"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RequestHeader  string            `json:"requestHeader"`
	ResponseHeader string            `json:"responseHeader"`
}

type Server struct {
	GrpcNetwork string `json:"grpcNetwork"`
	GrpcAddress string `json:"grpcAddress"`
	HTTPAddress string `json:"httpAddress"`
	Echo        bool   `json:"echo"`
	AccessLog   bool   `json:"accessLog"`
}

func Default() Config {
	return Config{
		Endpoints: map[string]string{
			enrich.DefaultEndpoint: "localhost:50051",
		},
		Enrich: Enrich{
			Endpoint:       enrich.DefaultEndpoint,
			Service:        enrich.DefaultService,
			Method:         enrich.DefaultMethod,
			Timeout:        Duration(enrich.DefaultTimeout),
			RequestHeader:  enrich.DefaultRequestHeader,
			ResponseHeader: enrich.DefaultResponseHeader,
		},
		Server: Server{
			GrpcNetwork: "tcp",
			GrpcAddress: ":8081",
			HTTPAddress: ":8080",
		},
		Workers:     1,
		MaxInFlight: transport.DefaultMaxInFlight,
		Tracing: Tracing{
			Exporter:      "grpc",
			Endpoint:      "localhost:4317",
			SamplingRatio: 1,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	return Parse(b)
}

// Parse reads YAML over the defaults. Maps given in the YAML replace the
// default ones instead of being merged into them.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	cfg.Endpoints = nil
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = Default().Endpoints
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Enrich.Endpoint == "" {
		errs = append(errs, errors.New("enrich.endpoint is required"))
	} else if _, ok := c.Endpoints[c.Enrich.Endpoint]; !ok {
		errs = append(errs, fmt.Errorf("enrich.endpoint %q has no entry in endpoints", c.Enrich.Endpoint))
	}
	if c.Enrich.Service == "" || c.Enrich.Method == "" {
		errs = append(errs, errors.New("enrich.service and enrich.method are required"))
	}
	if c.Enrich.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("enrich.timeout must be positive, got %s", time.Duration(c.Enrich.Timeout)))
	}
	if c.Enrich.RequestHeader == "" || c.Enrich.ResponseHeader == "" {
		errs = append(errs, errors.New("enrich.requestHeader and enrich.responseHeader are required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("maxInFlight must be at least 1, got %d", c.MaxInFlight))
	}
	switch c.Server.GrpcNetwork {
	case "tcp", "unix":
	default:
		errs = append(errs, fmt.Errorf("server.grpcNetwork must be tcp or unix, got %q", c.Server.GrpcNetwork))
	}
	if c.RateLimit.CallsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.callsPerSecond must not be negative, got %g", c.RateLimit.CallsPerSecond))
	}
	if c.RateLimit.CallsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("rateLimit.burst must be at least 1, got %d", c.RateLimit.Burst))
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("tracing.exporter must be grpc or http, got %q", c.Tracing.Exporter))
		}
		if c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required"))
		}
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.samplingRatio must be between 0 and 1, got %g", c.Tracing.SamplingRatio))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.GrpcAddress == "" {
		errs = append(errs, errors.New("server.grpcAddress is required"))
	}
	return errors.Join(errs...)
}

// TransportOptions returns the transport options described by c.
func (c Config) TransportOptions() []transport.Option {
	opts := []transport.Option{transport.WithMaxInFlight(c.MaxInFlight)}
	if c.RateLimit.CallsPerSecond > 0 {
		opts = append(opts, transport.WithRateLimit(rate.Limit(c.RateLimit.CallsPerSecond), c.RateLimit.Burst))
	}
	return opts
}

// Telemetry returns the tracing setup of service.
func (c Config) Telemetry(service string) telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Tracing.Enabled,
		ServiceName:   service,
		Environment:   c.Tracing.Environment,
		Exporter:      c.Tracing.Exporter,
		Endpoint:      c.Tracing.Endpoint,
		SamplingRatio: c.Tracing.SamplingRatio,
	}
}

// Level parses LogLevel (debug, info, warn, error).
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("logLevel: %w", err)
	}
	return level, nil
}

// EnrichOptions returns the machine options described by c.
func (c Config) EnrichOptions() []enrich.Option {
	opts := []enrich.Option{
		enrich.WithEndpoint(c.Enrich.Endpoint),
		enrich.WithMethod(c.Enrich.Service, c.Enrich.Method),
		enrich.WithTimeout(time.Duration(c.Enrich.Timeout)),
		enrich.WithHeaderNames(c.Enrich.RequestHeader, c.Enrich.ResponseHeader),
	}
	if len(c.Enrich.Metadata) > 0 {
		opts = append(opts, enrich.WithMetadata(metadata.New(c.Enrich.Metadata)))
	}
	return opts
}
