package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

var (
	ErrStopped   = errors.New("worker stopped")
	ErrNotPaused = errors.New("direction is not paused")
)

const DefaultMailboxSize = 256

// Transport starts remote calls on behalf of the workers. It is shared by all
// workers so handles are unique across the process.
type Transport interface {
	Dispatch(endpoint, service, method string, md metadata.MD, payload []byte, timeout time.Duration, done enrich.CompletionFunc) (enrich.Handle, error)
	CallResponseBody(h enrich.Handle, size int) ([]byte, error)
	Release(h enrich.Handle)
}

// Mutation is a header set on a paused direction before it was resumed.
type Mutation struct {
	Name  string
	Value string
}

type binding struct {
	txID string
	dir  api.Direction
}

type paused struct {
	mutations []Mutation
	resume    chan []Mutation
}

// Worker owns one enrich.Machine. Header events, completions and teardowns
// of the transactions pinned to it run one at a time on the goroutine of Run.
type Worker struct {
	machine   *enrich.Machine
	transport Transport
	mailbox   chan func()
	done      chan struct{}
	paused    map[binding]*paused
	log       logr.Logger
}

var _ enrich.Host = &Worker{}

func NewWorker(transport Transport, opts ...WorkerOption) *Worker {
	c := &workerConfig{
		mailboxSize: DefaultMailboxSize,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	w := &Worker{
		transport: transport,
		mailbox:   make(chan func(), c.mailboxSize),
		done:      make(chan struct{}),
		paused:    make(map[binding]*paused),
		log:       c.log,
	}
	w.machine = enrich.New(w, append([]enrich.Option{enrich.WithLogger(c.log)}, c.machineOpts...)...)
	return w
}

// Run processes the mailbox until ctx is done. It must be called once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-w.mailbox:
			fn()
		}
	}
}

func (w *Worker) submit(ctx context.Context, fn func()) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.mailbox <- fn:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Headers hands the header event of a direction to the machine and waits
// until the direction may continue. The returned mutations are empty when the
// machine did not pause or resumed without a header.
func (w *Worker) Headers(ctx context.Context, txID string, dir api.Direction) ([]Mutation, error) {
	resume := make(chan []Mutation, 1)
	err := w.submit(ctx, func() {
		if w.machine.OnHeaders(txID, dir) != enrich.ActionPause {
			resume <- nil
			return
		}
		w.paused[binding{txID: txID, dir: dir}] = &paused{resume: resume}
	})
	if err != nil {
		return nil, err
	}
	select {
	case mutations := <-resume:
		return mutations, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrStopped
	}
}

// Done tears a transaction down. Calls still in flight for it are ignored
// when they complete.
func (w *Worker) Done(txID string) {
	err := w.submit(context.Background(), func() {
		w.machine.OnTransactionDone(txID)
		delete(w.paused, binding{txID: txID, dir: api.RequestPath})
		delete(w.paused, binding{txID: txID, dir: api.ResponsePath})
	})
	if err != nil {
		w.log.V(1).Info("dropping teardown", "transaction", txID, "err", err.Error())
	}
}

func (w *Worker) complete(h enrich.Handle, code codes.Code, size int) {
	err := w.submit(context.Background(), func() {
		defer w.transport.Release(h)
		_ = w.machine.OnCallCompleted(h, code, size)
	})
	if err != nil {
		w.log.V(1).Info("dropping completion", "handle", h, "code", code.String(), "err", err.Error())
		w.transport.Release(h)
	}
}

// State reports the machine state of a direction. It is answered on the
// worker goroutine.
func (w *Worker) State(ctx context.Context, txID string, dir api.Direction) (enrich.State, error) {
	state := make(chan enrich.State, 1)
	if err := w.submit(ctx, func() { state <- w.machine.State(txID, dir) }); err != nil {
		return enrich.StateIdle, err
	}
	select {
	case s := <-state:
		return s, nil
	case <-ctx.Done():
		return enrich.StateIdle, ctx.Err()
	case <-w.done:
		return enrich.StateIdle, ErrStopped
	}
}

func (w *Worker) DispatchCall(endpoint, service, method string, md metadata.MD, payload []byte, timeout time.Duration) (enrich.Handle, error) {
	return w.transport.Dispatch(endpoint, service, method, md, payload, timeout, w.complete)
}

func (w *Worker) CallResponseBody(h enrich.Handle, size int) ([]byte, error) {
	return w.transport.CallResponseBody(h, size)
}

func (w *Worker) SetHeader(txID string, dir api.Direction, name, value string) error {
	p, ok := w.paused[binding{txID: txID, dir: dir}]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotPaused, txID, dir)
	}
	p.mutations = append(p.mutations, Mutation{Name: name, Value: value})
	return nil
}

func (w *Worker) Resume(txID string, dir api.Direction) error {
	key := binding{txID: txID, dir: dir}
	p, ok := w.paused[key]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotPaused, txID, dir)
	}
	delete(w.paused, key)
	p.resume <- p.mutations
	return nil
}
