package transport

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// RuntimePort is a persistent native bridge connection.
type RuntimePort interface {
	PostMessage(msg any) error
	// AddMessageListener registers fn for raw inbound payloads.
	AddMessageListener(fn func(raw json.RawMessage))
	// AddDisconnectListener registers fn for a connection lost without a
	// local Disconnect.
	AddDisconnectListener(fn func(error))
	Disconnect() error
}

// NativeTransport adapts a RuntimePort to the common Transport shape by
// wrapping each raw payload as MessageEvent{Data: payload}.
type NativeTransport struct {
	port    RuntimePort
	handler handlerSlot
}

var (
	_ Transport    = (*NativeTransport)(nil)
	_ RemoteCloser = (*NativeTransport)(nil)
)

func NewNativeTransport(port RuntimePort) *NativeTransport {
	t := &NativeTransport{port: port}
	port.AddMessageListener(func(raw json.RawMessage) {
		if !t.handler.dispatch(MessageEvent{Data: raw}) {
			log.Warn().Str("transport", string(KindNative)).Msg("inbound message before subscription")
		}
	})
	return t
}

func (t *NativeTransport) Kind() Kind {
	return KindNative
}

func (t *NativeTransport) Send(msg any) error {
	return t.port.PostMessage(msg)
}

func (t *NativeTransport) OnMessage(h Handler) {
	t.handler.set(h)
}

// AddEventListener accepts "message" and "onmessage" (any case). Other
// event names are logged and rejected.
func (t *NativeTransport) AddEventListener(name string, h Handler) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "message", "onmessage":
		t.OnMessage(h)
		return nil
	default:
		log.Error().Str("event", name).Msg("native transport only supports onMessage")
		return ErrUnsupportedEvent
	}
}

func (t *NativeTransport) Close() error {
	return t.port.Disconnect()
}

func (t *NativeTransport) OnRemoteClose(fn func(error)) {
	t.port.AddDisconnectListener(fn)
}
