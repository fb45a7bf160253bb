package transport

import (
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrClosed           = errors.New("transport: closed")
	ErrUnsupportedEvent = errors.New("transport: only message events are supported")
)

// Kind identifies the transport variant chosen by discovery.
type Kind string

const (
	KindNative  Kind = "native"
	KindChannel Kind = "channel"
	KindMock    Kind = "mock"
)

// MessageEvent is the common inbound shape for every transport.
type MessageEvent struct {
	Data json.RawMessage
}

// Handler receives inbound messages. A transport never calls its handler
// concurrently with itself.
type Handler func(MessageEvent)

// Transport is the capability set shared by the native and fallback variants.
type Transport interface {
	Kind() Kind
	Send(msg any) error
	// OnMessage installs the single inbound subscription, replacing any
	// previous handler.
	OnMessage(h Handler)
	Close() error
}

// RemoteCloser is implemented by transports whose far end can go away on its
// own. fn runs at most once; it runs immediately if the loss already happened.
// A local Close does not trigger it.
type RemoteCloser interface {
	OnRemoteClose(fn func(error))
}

// handlerSlot holds one replaceable handler.
type handlerSlot struct {
	mu sync.RWMutex
	h  Handler
}

func (s *handlerSlot) set(h Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *handlerSlot) dispatch(ev MessageEvent) bool {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h == nil {
		return false
	}
	h(ev)
	return true
}

func encode(msg any) (json.RawMessage, error) {
	switch v := msg.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(msg)
	}
}
