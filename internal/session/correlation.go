package session

import (
	"sync"

	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// Callback receives either the remote responseData or a local error.
// Remote error records arrive inside data with a nil err.
type Callback func(data protocol.ResponseData, err error)

// Table allocates request ids and routes each response to its caller.
type Table struct {
	mu      sync.Mutex
	last    uint64
	pending map[uint64]Callback
}

func NewTable() *Table {
	return &Table{pending: make(map[uint64]Callback)}
}

// Allocate stores cb under a fresh id. Ids start at 1 and are never reused.
func (t *Table) Allocate(cb Callback) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	id := t.last
	t.pending[id] = cb
	observability.SetPendingRequests(len(t.pending))
	return id
}

// Dispatch delivers resp to its pending callback and removes the entry.
// Responses with a missing or unknown requestId are logged and dropped.
func (t *Table) Dispatch(resp protocol.ResponseEnvelope) bool {
	cb, ok := t.take(resp.RequestID)
	if !ok {
		log.Error().
			Uint64("request_id", resp.RequestID).
			Str("type", string(resp.Type)).
			Msg("unknown or missing requestId in response")
		observability.RecordResponse("dropped")
		return false
	}
	observability.RecordResponse("delivered")
	cb(resp.ResponseData, nil)
	return true
}

// HandleMessage is the inbound subscription installed on the session transport.
func (t *Table) HandleMessage(ev transport.MessageEvent) {
	resp, err := protocol.DecodeResponse(ev.Data)
	if err != nil {
		log.Error().Err(err).Msg("undecodable response dropped")
		observability.RecordResponse("dropped")
		return
	}
	t.Dispatch(resp)
}

// Fail resolves one pending entry with a local error.
func (t *Table) Fail(id uint64, err error) bool {
	cb, ok := t.take(id)
	if !ok {
		return false
	}
	observability.RecordResponse("failed")
	cb(nil, err)
	return true
}

// FailAll resolves every pending entry with err and returns how many there were.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]Callback)
	observability.SetPendingRequests(0)
	t.mu.Unlock()

	for id, cb := range pending {
		log.Debug().Uint64("request_id", id).Err(err).Msg("pending request failed")
		observability.RecordResponse("failed")
		cb(nil, err)
	}
	return len(pending)
}

func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// LastID returns the most recently allocated id, 0 before the first.
func (t *Table) LastID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Table) take(id uint64) (Callback, bool) {
	if id == 0 {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	observability.SetPendingRequests(len(t.pending))
	return cb, true
}
