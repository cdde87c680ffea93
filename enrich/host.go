package enrich

import (
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// Handle correlates a dispatched call with its completion. It is valid until
// exactly one completion has been delivered for it.
type Handle uint32

// Action tells the host whether the transaction may continue after a header event.
type Action int

const (
	ActionContinue Action = iota
	ActionPause
)

func (a Action) String() string {
	if a == ActionPause {
		return "Pause"
	}
	return "Continue"
}

// Host is the set of capabilities the state machine needs from the proxy
// runtime. Every method is called from the worker that owns the machine.
type Host interface {
	// DispatchCall starts a unary call without blocking. On success exactly one
	// completion is delivered for the returned handle, after DispatchCall returns.
	DispatchCall(endpoint, service, method string, md metadata.MD, payload []byte, timeout time.Duration) (Handle, error)
	// CallResponseBody returns the reply payload of a completed call. It is only
	// valid while the completion is being handled.
	CallResponseBody(h Handle, size int) ([]byte, error)
	// SetHeader sets a header on the given direction of a transaction.
	SetHeader(txID string, dir api.Direction, name, value string) error
	// Resume lets a paused direction of a transaction continue.
	Resume(txID string, dir api.Direction) error
}

// CompletionFunc receives the completion of a dispatched call.
type CompletionFunc func(h Handle, code codes.Code, size int)
