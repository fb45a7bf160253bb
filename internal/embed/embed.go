// Package embed hosts the fallback handler context.
//
// The fallback handler lives in a hidden, zero-size frame loaded from the
// key handler's origin. Once the frame has loaded, the page posts the literal
// "init" to it and transfers one end of a MessageChannel; all later traffic
// flows over that channel.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/u2fbridge/internal/transport"
)

const (
	// InitSignal is posted to the loaded frame together with the channel end.
	InitSignal = "init"
	// ReadySignal is the only acceptable first message from the frame.
	ReadySignal = "ready"
	// CommsPath is the handler page served from the extension origin.
	CommsPath = "/u2f-comms.html"
	// HiddenStyle keeps the frame out of the layout.
	HiddenStyle = "display:none"
)

var (
	ErrInvalidFrameSource = errors.New("embed: invalid frame source")
	ErrOriginMismatch     = errors.New("embed: target origin mismatch")
	ErrFrameRemoved       = errors.New("embed: frame removed")
)

// Frame describes the hidden embedding element.
type Frame struct {
	Src   string
	Style string
}

// HiddenFrame returns a display:none frame for src.
func HiddenFrame(src string) Frame {
	return Frame{Src: src, Style: HiddenStyle}
}

// Origin returns scheme://host of the frame source.
func (f Frame) Origin() (string, error) {
	u, err := url.Parse(strings.TrimSpace(f.Src))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrameSource, f.Src)
	}
	return u.Scheme + "://" + u.Host, nil
}

// ExtensionOrigin is the fallback origin for an extension id.
func ExtensionOrigin(extensionID string) string {
	return "chrome-extension://" + extensionID
}

// CommsFrameSource is the full source of the fallback handler page.
func CommsFrameSource(extensionID string) string {
	return ExtensionOrigin(extensionID) + CommsPath
}

// Window is the loaded frame as seen by the page.
type Window interface {
	// PostMessage delivers msg to the frame if targetOrigin matches its
	// origin ("*" matches any), transferring port when non-nil.
	PostMessage(msg string, targetOrigin string, port *transport.Port) error
}

// Handle refers to an embedded frame.
type Handle interface {
	// Remove detaches the frame and releases anything it holds.
	Remove() error
}

// Embedder attaches frames to the host environment. Embed returns once the
// frame is attached; onLoad runs later, at most once, when it has loaded.
type Embedder interface {
	Embed(ctx context.Context, f Frame, onLoad func(Window)) (Handle, error)
}

func originMatches(target, origin string) bool {
	target = strings.TrimSpace(target)
	return target == "*" || strings.EqualFold(strings.TrimRight(target, "/"), origin)
}
