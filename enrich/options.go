package enrich

import (
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/metadata"
)

const (
	DefaultRequestHeader  = "x-request-header"
	DefaultResponseHeader = "x-response-header"
)

type config struct {
	endpoint       string
	service        string
	method         string
	timeout        time.Duration
	metadata       metadata.MD
	requestHeader  string
	responseHeader string
	store          *Store
	observer       Observer
	log            logr.Logger
	now            func() time.Time
}

type Option interface {
	apply(c *config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

func newConfig(opts ...Option) *config {
	c := &config{
		endpoint:       DefaultEndpoint,
		service:        DefaultService,
		method:         DefaultMethod,
		timeout:        DefaultTimeout,
		requestHeader:  DefaultRequestHeader,
		responseHeader: DefaultResponseHeader,
		log:            logr.Discard(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	if c.store == nil {
		c.store = NewStore()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c
}

func (c *config) dispatcher(host Host) *Dispatcher {
	return &Dispatcher{
		host:     host,
		endpoint: c.endpoint,
		service:  c.service,
		method:   c.method,
		timeout:  c.timeout,
		metadata: c.metadata,
	}
}

// WithEndpoint sets the logical endpoint (cluster) the calls are sent to.
func WithEndpoint(endpoint string) Option {
	return optionFunc(func(c *config) {
		c.endpoint = endpoint
	})
}

// WithMethod sets the fully qualified service name and the method name.
func WithMethod(service, method string) Option {
	return optionFunc(func(c *config) {
		c.service = service
		c.method = method
	})
}

func WithTimeout(timeout time.Duration) Option {
	return optionFunc(func(c *config) {
		c.timeout = timeout
	})
}

// WithMetadata sets static metadata sent along with every call.
func WithMetadata(md metadata.MD) Option {
	return optionFunc(func(c *config) {
		c.metadata = md
	})
}

// WithHeaderNames sets the headers injected on the request and response.
func WithHeaderNames(request, response string) Option {
	return optionFunc(func(c *config) {
		c.requestHeader = request
		c.responseHeader = response
	})
}

// WithStore shares a store between machines. Each machine tracks its
// handles in its own space of the store.
func WithStore(s *Store) Option {
	return optionFunc(func(c *config) {
		c.store = s
	})
}

func WithObserver(o Observer) Option {
	return optionFunc(func(c *config) {
		c.observer = o
	})
}

// WithLogger configures the machine with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(c *config) {
		c.log = log
	})
}

func withClock(now func() time.Time) Option {
	return optionFunc(func(c *config) {
		c.now = now
	})
}
