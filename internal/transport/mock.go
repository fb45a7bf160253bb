package transport

import (
	"encoding/json"
	"sync"
)

// MockTransport provides an in-memory Transport for tests. It records sent
// messages and lets the test inject inbound payloads.
type MockTransport struct {
	mu      sync.Mutex
	kind    Kind
	sendErr error
	closed  bool
	sent    []json.RawMessage
	onSend  func(json.RawMessage)

	handler  handlerSlot
	deliverM sync.Mutex

	lost     bool
	lostErr  error
	onRemote []func(error)
}

var (
	_ Transport    = (*MockTransport)(nil)
	_ RemoteCloser = (*MockTransport)(nil)
)

// MockTransportOption configures a MockTransport.
type MockTransportOption func(*MockTransport)

// WithKind overrides the kind reported by the mock.
func WithKind(k Kind) MockTransportOption {
	return func(m *MockTransport) {
		m.kind = k
	}
}

// WithSendError injects an error that will be returned by Send.
func WithSendError(err error) MockTransportOption {
	return func(m *MockTransport) {
		m.sendErr = err
	}
}

// WithSendHook runs fn after each successful Send.
func WithSendHook(fn func(json.RawMessage)) MockTransportOption {
	return func(m *MockTransport) {
		m.onSend = fn
	}
}

func NewMockTransport(opts ...MockTransportOption) *MockTransport {
	m := &MockTransport{kind: KindMock}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockTransport) Kind() Kind {
	return m.kind
}

func (m *MockTransport) Send(msg any) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, data)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (m *MockTransport) OnMessage(h Handler) {
	m.handler.set(h)
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockTransport) OnRemoteClose(fn func(error)) {
	m.mu.Lock()
	if m.lost {
		err := m.lostErr
		m.mu.Unlock()
		fn(err)
		return
	}
	m.onRemote = append(m.onRemote, fn)
	m.mu.Unlock()
}

// --- Test helper methods ---

// DropRemote simulates the far end going away: the mock closes and every
// OnRemoteClose listener runs once with err.
func (m *MockTransport) DropRemote(err error) {
	m.mu.Lock()
	if m.lost {
		m.mu.Unlock()
		return
	}
	m.lost = true
	m.lostErr = err
	m.closed = true
	fns := m.onRemote
	m.onRemote = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Deliver simulates one inbound payload. It reports whether a handler was
// subscribed. Deliveries are serialized like a real reader loop.
func (m *MockTransport) Deliver(msg any) (bool, error) {
	data, err := encode(msg)
	if err != nil {
		return false, err
	}
	m.deliverM.Lock()
	defer m.deliverM.Unlock()
	return m.handler.dispatch(MessageEvent{Data: data}), nil
}

// Sent returns a copy of every message sent so far.
func (m *MockTransport) Sent() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]json.RawMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SetSendError updates the error returned by Send. Pass nil to clear it.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
