package enrich

import (
	"fmt"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"google.golang.org/grpc/metadata"
)

const (
	DefaultEndpoint = "grpc_service"
	DefaultService  = api.ServiceName
	DefaultMethod   = api.GenerateHeaderMethod
	DefaultTimeout  = 5 * time.Second
)

// Dispatcher turns a direction into an outbound GenerateHeader call.
type Dispatcher struct {
	host     Host
	endpoint string
	service  string
	method   string
	timeout  time.Duration
	metadata metadata.MD
}

func NewDispatcher(host Host, opts ...Option) *Dispatcher {
	return newConfig(opts...).dispatcher(host)
}

// Dispatch encodes HeaderRequest{dir, txID} and hands it to the host.
// Every error wraps ErrDispatch.
func (d *Dispatcher) Dispatch(dir api.Direction, txID string) (Handle, error) {
	payload, err := api.EncodeRequest(&api.HeaderRequest{
		Direction:     dir,
		TransactionID: txID,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	h, err := d.host.DispatchCall(d.endpoint, d.service, d.method, d.metadata.Copy(), payload, d.timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s on %s: %w", ErrDispatch, d.service, d.method, d.endpoint, err)
	}
	return h, nil
}
