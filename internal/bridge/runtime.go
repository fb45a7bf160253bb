// Package bridge reaches the key handler's native bridge.
//
// The bridge is addressed by extension id. A one-shot SendMessage is used as
// an availability probe; Connect opens the persistent port that becomes the
// native transport.
package bridge

import (
	"context"
	"errors"

	"github.com/danmuck/u2fbridge/internal/transport"
)

var (
	ErrUnavailable       = errors.New("bridge: native runtime unavailable")
	ErrProbeRejected     = errors.New("bridge: message rejected by host")
	ErrExtensionRequired = errors.New("bridge: extension id required")
	ErrPortClosed        = errors.New("bridge: port disconnected")
)

// DefaultExtensionID addresses the U2F key handler.
const DefaultExtensionID = "kmendfapggjehodndflmmgagdbamhnfd"

// ConnectInfo is passed when opening a persistent port.
type ConnectInfo struct {
	IncludeTLSChannelID bool `json:"includeTlsChannelId"`
}

// Runtime is the native bridge host environment.
type Runtime interface {
	// Available reports whether the bridge exists in this environment at all.
	Available() bool
	// SendMessage delivers one message and waits for the host's reply. A
	// non-nil error plays the role of the host's lastError.
	SendMessage(ctx context.Context, extensionID string, msg any) error
	Connect(ctx context.Context, extensionID string, info ConnectInfo) (transport.RuntimePort, error)
}
