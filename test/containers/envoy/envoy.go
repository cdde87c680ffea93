// Package envoy runs an Envoy proxy in a container with the ext_proc filter
// pointed at servers listening on the test host.
package envoy

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"text/template"
	"time"

	_ "embed"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	DefaultImage        = "istio/proxyv2:1.24.2"
	DefaultUpstreamPort = 8080
	DefaultExtProcPort  = 8081
	listenerPort        = 10000
)

//go:embed envoy.yml
var configTemplate string

var configTmpl = template.Must(template.New("envoy.yml").Parse(configTemplate))

// Config is rendered into the bootstrap of the proxy.
type Config struct {
	Host           string
	ListenerPort   int
	UpstreamPort   int
	ExtProcPort    int
	MessageTimeout string
}

// Render returns the Envoy bootstrap for c.
func (c Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, c); err != nil {
		return nil, fmt.Errorf("rendering envoy config: %w", err)
	}
	return buf.Bytes(), nil
}

// Port is the container port of the Envoy listener.
func (c Config) Port() nat.Port {
	return nat.Port(strconv.Itoa(c.ListenerPort) + "/tcp")
}

type TestContainer struct {
	testcontainers.Container
	config       Config
	overrides    testcontainers.GenericContainerRequest
	waitStrategy wait.Strategy
}

type TestContainerOption func(*TestContainer)

// WithHostPorts sets the host ports of the upstream and of the ext_proc server.
func WithHostPorts(upstream, extproc int) TestContainerOption {
	return func(c *TestContainer) {
		c.config.UpstreamPort = upstream
		c.config.ExtProcPort = extproc
	}
}

// WithMessageTimeout bounds how long Envoy waits for each ext_proc answer.
func WithMessageTimeout(d time.Duration) TestContainerOption {
	return func(c *TestContainer) {
		c.config.MessageTimeout = strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
	}
}

func WithWaitStrategy(strategy wait.Strategy) TestContainerOption {
	return func(c *TestContainer) {
		c.waitStrategy = strategy
	}
}

func NewTestContainer(opts ...TestContainerOption) *TestContainer {
	c := &TestContainer{
		config: Config{
			Host:           testcontainers.HostInternal,
			ListenerPort:   listenerPort,
			UpstreamPort:   DefaultUpstreamPort,
			ExtProcPort:    DefaultExtProcPort,
			MessageTimeout: "10s",
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.waitStrategy == nil {
		c.waitStrategy = wait.ForListeningPort(c.config.Port())
	}
	return c
}

// Run starts the proxy and returns the URL of its listener.
func (c *TestContainer) Run(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*url.URL, error) {
	bootstrap, err := c.config.Render()
	if err != nil {
		return nil, err
	}
	port := c.config.Port()
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:           img,
			Entrypoint:      []string{"/usr/local/bin/envoy", "--log-level", "warn", "-c", "/etc/envoy/envoy.yml"},
			ExposedPorts:    []string{string(port)},
			HostAccessPorts: []int{c.config.UpstreamPort, c.config.ExtProcPort},
			Files: []testcontainers.ContainerFile{{
				ContainerFilePath: "/etc/envoy/envoy.yml",
				Reader:            bytes.NewReader(bootstrap),
				FileMode:          0o644,
			}},
			WaitingFor: c.waitStrategy,
		},
		Started: true,
	}
	for _, opt := range opts {
		if err := opt.Customize(&req); err != nil {
			return nil, fmt.Errorf("customize: %w", err)
		}
	}

	ctr, err := testcontainers.GenericContainer(ctx, req)
	c.Container = ctr
	if err != nil {
		return nil, fmt.Errorf("could not run container: %w", err)
	}

	hostIP, err := ctr.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get host ip: %w", err)
	}
	mappedPort, err := ctr.MappedPort(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("could not get mapped port: %w", err)
	}
	u, err := url.Parse(fmt.Sprintf("http://%s:%s", hostIP, mappedPort.Port()))
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	return u, nil
}
