package mcp

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CorrelationTable tracks the requests that were sent and still wait for their
// response. Every registered request leaves the table exactly once: resolved by its
// response, removed by Cancel, or failed by AbandonAll.
type CorrelationTable struct {
	mu        sync.Mutex
	pending   map[MustString]*PendingRequest
	abandoned error
}

// PendingRequest is an outstanding request in a CorrelationTable.
type PendingRequest struct {
	ID     MustString
	Method string

	complete func(JSONRPCMessage, error)
}

// NewCorrelationTable creates an empty CorrelationTable.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		pending: make(map[MustString]*PendingRequest),
	}
}

// NextID returns a fresh request id that is not currently outstanding.
func (t *CorrelationTable) NextID() MustString {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id := MustString(uuid.New().String())
		if _, ok := t.pending[id]; !ok {
			return id
		}
	}
}

// Register records an outstanding request. complete is called exactly once, outside
// of the table's lock, with either the response message or the error that ended the
// request. Register fails with ErrDuplicateID if id is already outstanding, and with
// the abandonment reason once AbandonAll was called.
func (t *CorrelationTable) Register(id MustString, method string, complete func(JSONRPCMessage, error)) (
	*PendingRequest, error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.abandoned != nil {
		return nil, t.abandoned
	}
	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	p := &PendingRequest{
		ID:       id,
		Method:   method,
		complete: complete,
	}
	t.pending[id] = p
	return p, nil
}

// Resolve completes the request identified by id with msg. It fails with
// ErrUnknownID when nothing is outstanding under that id, which happens for late
// responses to cancelled or timed out requests.
func (t *CorrelationTable) Resolve(id MustString, msg JSONRPCMessage) error {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	p.complete(msg, nil)
	return nil
}

// Cancel removes the request identified by id without calling its completion. It
// reports whether the request was still outstanding.
func (t *CorrelationTable) Cancel(id MustString) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.pending[id]
	delete(t.pending, id)
	return ok
}

// AbandonAll completes every outstanding request with reason and makes every later
// Register fail with it. It returns the number of requests it completed.
func (t *CorrelationTable) AbandonAll(reason error) int {
	t.mu.Lock()
	if t.abandoned == nil {
		t.abandoned = reason
	}
	pending := t.pending
	t.pending = make(map[MustString]*PendingRequest)
	t.mu.Unlock()

	for _, p := range pending {
		p.complete(JSONRPCMessage{}, reason)
	}
	return len(pending)
}

// Len returns the number of outstanding requests.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}
