package filter

// Stream is implemented by filters that hold per-transaction state.
type Stream interface {
	// OnStreamComplete runs when a Stream ends, which can happen at any point in the protocol lifecycle (e.g due to an
	// ImmediateResponse being returned or Envoy cancelling the stream).
	OnStreamComplete(req *RequestContext)
}
