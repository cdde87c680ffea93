package enrich

import (
	"time"

	"github.com/getyourguide/extproc-enricher/api"
)

// Outcome labels how an enrichment attempt ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeDispatchError    Outcome = "dispatch_error"
	OutcomeTransportError   Outcome = "transport_error"
	OutcomeDecodeError      Outcome = "decode_error"
	OutcomeProtocolMismatch Outcome = "protocol_mismatch"
	OutcomeHeaderError      Outcome = "header_error"
	OutcomeUnknownHandle    Outcome = "unknown_handle"
	OutcomeSlotBusy         Outcome = "slot_busy"
	OutcomeTornDown         Outcome = "torn_down"
)

// Observer is notified of every state transition. Implementations must not block.
type Observer interface {
	// Dispatched is called after every dispatch attempt; err is nil on success.
	Dispatched(dir api.Direction, err error)
	// Resolved is called when an awaited call leaves AwaitingReply.
	Resolved(dir api.Direction, outcome Outcome, elapsed time.Duration)
	// Ignored is called for events that did not change any state.
	Ignored(outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) Dispatched(api.Direction, error) {}

func (nopObserver) Resolved(api.Direction, Outcome, time.Duration) {}

func (nopObserver) Ignored(Outcome) {}
