package enrich

import (
	"errors"

	"github.com/getyourguide/extproc-enricher/api"
)

var (
	// ErrDispatch means the call was never sent; the transaction is not paused.
	ErrDispatch = errors.New("dispatch failed")
	// ErrTransport covers failed, timed out and empty replies.
	ErrTransport = errors.New("call failed")
	// ErrDecode is returned for malformed replies.
	ErrDecode = api.ErrDecode
	// ErrProtocolMismatch means the reply direction differs from the dispatched one.
	ErrProtocolMismatch = errors.New("reply direction mismatch")
	// ErrUnknownHandle means the completion belongs to no tracked call.
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrSlotBusy means a header event arrived for a direction that already left Idle.
	ErrSlotBusy = errors.New("slot not idle")
	// ErrHandleInUse means the store already tracks the handle.
	ErrHandleInUse = errors.New("handle already in use")
)
