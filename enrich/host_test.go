package enrich_test

import (
	"fmt"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"google.golang.org/grpc/metadata"
)

type dispatchedCall struct {
	endpoint string
	service  string
	method   string
	md       metadata.MD
	request  *api.HeaderRequest
	timeout  time.Duration
}

type resumeKey struct {
	txID string
	dir  api.Direction
}

// fakeHost records every capability the machine uses.
type fakeHost struct {
	next        enrich.Handle
	dispatchErr error
	calls       []dispatchedCall
	handles     []enrich.Handle
	bodies      map[enrich.Handle][]byte
	headers     map[resumeKey]map[string]string
	resumes     map[resumeKey]int
}

var _ enrich.Host = &fakeHost{}

func newFakeHost() *fakeHost {
	return &fakeHost{
		next:    100,
		bodies:  make(map[enrich.Handle][]byte),
		headers: make(map[resumeKey]map[string]string),
		resumes: make(map[resumeKey]int),
	}
}

func (h *fakeHost) DispatchCall(endpoint, service, method string, md metadata.MD, payload []byte, timeout time.Duration) (enrich.Handle, error) {
	if h.dispatchErr != nil {
		return 0, h.dispatchErr
	}
	req, err := api.DecodeRequest(payload)
	if err != nil {
		return 0, err
	}
	h.calls = append(h.calls, dispatchedCall{
		endpoint: endpoint,
		service:  service,
		method:   method,
		md:       md,
		request:  req,
		timeout:  timeout,
	})
	h.next++
	h.handles = append(h.handles, h.next)
	return h.next, nil
}

func (h *fakeHost) CallResponseBody(handle enrich.Handle, size int) ([]byte, error) {
	body, ok := h.bodies[handle]
	if !ok {
		return nil, fmt.Errorf("no body for handle %d", handle)
	}
	return body[:size], nil
}

func (h *fakeHost) SetHeader(txID string, dir api.Direction, name, value string) error {
	key := resumeKey{txID: txID, dir: dir}
	if h.headers[key] == nil {
		h.headers[key] = make(map[string]string)
	}
	h.headers[key][name] = value
	return nil
}

func (h *fakeHost) Resume(txID string, dir api.Direction) error {
	h.resumes[resumeKey{txID: txID, dir: dir}]++
	return nil
}

// reply stages a HeaderResponse body for handle and returns its size.
func (h *fakeHost) reply(handle enrich.Handle, dir api.Direction, header string) int {
	b, err := api.EncodeResponse(&api.HeaderResponse{Direction: dir, Header: header})
	if err != nil {
		panic(err)
	}
	h.bodies[handle] = b
	return len(b)
}

func (h *fakeHost) lastHandle() enrich.Handle {
	return h.handles[len(h.handles)-1]
}

func (h *fakeHost) resumed(txID string, dir api.Direction) int {
	return h.resumes[resumeKey{txID: txID, dir: dir}]
}

func (h *fakeHost) header(txID string, dir api.Direction, name string) (string, bool) {
	v, ok := h.headers[resumeKey{txID: txID, dir: dir}][name]
	return v, ok
}

type observation struct {
	dir     api.Direction
	outcome enrich.Outcome
}

type recordingObserver struct {
	dispatched []error
	resolved   []observation
	ignored    []enrich.Outcome
}

func (o *recordingObserver) Dispatched(_ api.Direction, err error) {
	o.dispatched = append(o.dispatched, err)
}

func (o *recordingObserver) Resolved(dir api.Direction, outcome enrich.Outcome, _ time.Duration) {
	o.resolved = append(o.resolved, observation{dir: dir, outcome: outcome})
}

func (o *recordingObserver) Ignored(outcome enrich.Outcome) {
	o.ignored = append(o.ignored, outcome)
}
