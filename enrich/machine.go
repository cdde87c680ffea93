package enrich

import (
	"errors"
	"fmt"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
)

// State of one direction of one transaction.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type slot struct {
	txID string
	dir  api.Direction
}

// Machine pauses a transaction direction while its header is being generated
// and resumes it exactly once when the matching completion arrives.
//
// A Machine belongs to a single worker and is not safe for concurrent use.
// Every failure is handled fail-open: traffic continues without the header.
type Machine struct {
	host       Host
	dispatcher *Dispatcher
	store      *Store
	owner      Owner
	slots      map[slot]State
	headers    map[api.Direction]string
	observer   Observer
	log        logr.Logger
	now        func() time.Time
}

// New creates the machine of one worker.
func New(host Host, opts ...Option) *Machine {
	c := newConfig(opts...)
	return &Machine{
		host:       host,
		dispatcher: c.dispatcher(host),
		store:      c.store,
		owner:      c.store.NewOwner(),
		slots:      make(map[slot]State),
		headers: map[api.Direction]string{
			api.RequestPath:  c.requestHeader,
			api.ResponsePath: c.responseHeader,
		},
		observer: c.observer,
		log:      c.log,
		now:      c.now,
	}
}

func (m *Machine) OnRequestHeaders(txID string) Action {
	return m.OnHeaders(txID, api.RequestPath)
}

func (m *Machine) OnResponseHeaders(txID string) Action {
	return m.OnHeaders(txID, api.ResponsePath)
}

// OnHeaders dispatches the header call of a direction and tells the host to
// pause it. Events for a direction that already left Idle are rejected so a
// direction never has more than one call in flight.
func (m *Machine) OnHeaders(txID string, dir api.Direction) Action {
	log := m.log.WithValues("transaction", txID, "direction", dir.String())
	key := slot{txID: txID, dir: dir}
	if state := m.slots[key]; state != StateIdle {
		log.Error(ErrSlotBusy, "rejecting header event", "state", state.String())
		m.observer.Ignored(OutcomeSlotBusy)
		return ActionContinue
	}

	h, err := m.dispatcher.Dispatch(dir, txID)
	m.observer.Dispatched(dir, err)
	if err != nil {
		m.slots[key] = StateFailed
		log.Error(err, "continuing without header")
		return ActionContinue
	}
	err = m.store.Put(m.owner, h, TransactionContext{
		TransactionID: txID,
		Direction:     dir,
		DispatchedAt:  m.now(),
	})
	if err != nil {
		m.slots[key] = StateFailed
		log.Error(err, "continuing without header", "handle", h)
		return ActionContinue
	}
	m.slots[key] = StateAwaitingReply
	log.V(1).Info("awaiting header", "handle", h)
	return ActionPause
}

// OnCallCompleted resolves the call behind h. The stored direction is resumed
// whatever the outcome; the returned error only reports why no header was set.
// A handle that was already resolved or torn down is ignored.
func (m *Machine) OnCallCompleted(h Handle, code codes.Code, size int) error {
	tc, ok := m.store.Take(m.owner, h)
	if !ok {
		err := fmt.Errorf("%w: %d", ErrUnknownHandle, h)
		m.log.Info("ignoring completion", "handle", h, "code", code.String(), "err", err.Error())
		m.observer.Ignored(OutcomeUnknownHandle)
		return err
	}
	log := m.log.WithValues("transaction", tc.TransactionID, "direction", tc.Direction.String(), "handle", h)
	key := slot{txID: tc.TransactionID, dir: tc.Direction}
	elapsed := m.now().Sub(tc.DispatchedAt)

	value, err := m.reply(h, tc.Direction, code, size)
	if err == nil {
		name := m.headers[tc.Direction]
		if err = m.host.SetHeader(tc.TransactionID, tc.Direction, name, value); err != nil {
			err = fmt.Errorf("setting %s: %w", name, err)
		}
	}
	if err != nil {
		m.slots[key] = StateFailed
		log.Error(err, "resuming without header", "code", code.String(), "size", size)
		m.observer.Resolved(tc.Direction, outcomeOf(err), elapsed)
		m.resume(log, tc)
		return err
	}

	m.slots[key] = StateCompleted
	log.V(1).Info("header injected", "elapsed", elapsed)
	m.observer.Resolved(tc.Direction, OutcomeCompleted, elapsed)
	m.resume(log, tc)
	return nil
}

// OnTransactionDone forgets a transaction torn down by the host. Completions
// still in flight for it will be ignored.
func (m *Machine) OnTransactionDone(txID string) {
	for h, tc := range m.store.Release(m.owner, txID) {
		m.log.V(1).Info("transaction torn down while awaiting header", "transaction", txID, "direction", tc.Direction.String(), "handle", h)
		m.observer.Resolved(tc.Direction, OutcomeTornDown, m.now().Sub(tc.DispatchedAt))
	}
	delete(m.slots, slot{txID: txID, dir: api.RequestPath})
	delete(m.slots, slot{txID: txID, dir: api.ResponsePath})
}

// State returns the state of one direction of a transaction.
func (m *Machine) State(txID string, dir api.Direction) State {
	return m.slots[slot{txID: txID, dir: dir}]
}

func (m *Machine) reply(h Handle, dir api.Direction, code codes.Code, size int) (string, error) {
	if code != codes.OK {
		return "", fmt.Errorf("%w: status %s", ErrTransport, code)
	}
	if size <= 0 {
		return "", fmt.Errorf("%w: empty reply", ErrTransport)
	}
	body, err := m.host.CallResponseBody(h, size)
	if err != nil {
		return "", fmt.Errorf("%w: reading reply: %w", ErrTransport, err)
	}
	resp, err := api.DecodeResponse(body)
	if err != nil {
		return "", err
	}
	if resp.Direction != dir {
		return "", fmt.Errorf("%w: dispatched %s, got %s", ErrProtocolMismatch, dir, resp.Direction)
	}
	return resp.Header, nil
}

func (m *Machine) resume(log logr.Logger, tc TransactionContext) {
	if err := m.host.Resume(tc.TransactionID, tc.Direction); err != nil {
		log.Error(err, "resume failed")
	}
}

func outcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, ErrTransport):
		return OutcomeTransportError
	case errors.Is(err, ErrDecode):
		return OutcomeDecodeError
	case errors.Is(err, ErrProtocolMismatch):
		return OutcomeProtocolMismatch
	}
	return OutcomeHeaderError
}
