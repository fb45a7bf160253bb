package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// NegotiationState tracks one fallback handshake.
type NegotiationState string

const (
	StateCreated       NegotiationState = "created"
	StateAwaitingReady NegotiationState = "awaiting_ready"
	StateResolved      NegotiationState = "resolved"
	StateTimedOut      NegotiationState = "timed_out"
)

// Negotiator builds the fallback transport: it embeds the handler frame,
// hands it one channel end, and waits for the ready signal.
type Negotiator struct {
	cfg      Config
	embedder embed.Embedder
}

func NewNegotiator(cfg Config, embedder embed.Embedder) *Negotiator {
	return &Negotiator{cfg: cfg.WithDefaults(), embedder: embedder}
}

// Negotiate runs one handshake and invokes cb exactly once: with the
// channel transport on ready, or with IFRAME_NOT_SUPPORTED on timeout.
func (n *Negotiator) Negotiate(cb func(transport.Transport, error)) {
	h := &handshake{
		started: time.Now(),
		cb:      cb,
		state:   StateCreated,
	}
	h.page, h.remote = transport.NewMessageChannel()
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.mu.Lock()
	h.timer = time.AfterFunc(n.cfg.ReadyTimeout, h.timeout)
	h.mu.Unlock()

	h.removeReady = h.page.AddListener(h.onMessage)
	h.page.Start()
	h.setState(StateAwaitingReady)

	origin := embed.ExtensionOrigin(n.cfg.ExtensionID)
	frame := embed.HiddenFrame(embed.CommsFrameSource(n.cfg.ExtensionID))
	if n.embedder == nil {
		log.Warn().Msg("no fallback embedder configured")
		return
	}
	handle, err := n.embedder.Embed(h.ctx, frame, func(w embed.Window) {
		if err := w.PostMessage(embed.InitSignal, origin, h.remote); err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("fallback init post failed")
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("src", frame.Src).Msg("fallback frame embed failed")
		return
	}
	h.setHandle(handle)
}

type handshake struct {
	started time.Time
	cb      func(transport.Transport, error)

	page   *transport.Port
	remote *transport.Port
	ctx    context.Context
	cancel context.CancelFunc

	removeReady func()

	mu     sync.Mutex
	state  NegotiationState
	called bool
	timer  *time.Timer
	handle embed.Handle
}

func (h *handshake) onMessage(ev transport.MessageEvent) {
	var signal string
	if err := json.Unmarshal(ev.Data, &signal); err != nil || signal != embed.ReadySignal {
		log.Error().RawJSON("data", ev.Data).Msg("first event on fallback port was not ready")
		return
	}
	h.removeReady()
	if !h.claim(StateResolved) {
		return
	}
	h.mu.Lock()
	timer := h.timer
	h.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	t := &framedTransport{
		ChannelTransport: transport.NewChannelTransport(h.page),
		h:                h,
	}
	observability.RecordNegotiation("resolved", time.Since(h.started))
	log.Debug().Dur("elapsed", time.Since(h.started)).Msg("fallback channel ready")
	h.cb(t, nil)
}

func (h *handshake) timeout() {
	if !h.claim(StateTimedOut) {
		return
	}
	h.release()
	observability.RecordNegotiation("timed_out", time.Since(h.started))
	log.Warn().Dur("elapsed", time.Since(h.started)).Msg("fallback channel not ready before timeout")
	h.cb(nil, protocol.NewErrorRecord(protocol.IframeNotSupported, "Iframe not supported"))
}

// claim is the one-shot guard shared by ready and timeout.
func (h *handshake) claim(next NegotiationState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.called {
		return false
	}
	h.called = true
	h.state = next
	return true
}

func (h *handshake) setState(s NegotiationState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.called {
		h.state = s
	}
}

func (h *handshake) setHandle(handle embed.Handle) {
	h.mu.Lock()
	released := h.called && h.state == StateTimedOut
	h.handle = handle
	h.mu.Unlock()
	if released && handle != nil {
		_ = handle.Remove()
	}
}

// release tears down the frame and both channel ends.
func (h *handshake) release() {
	h.cancel()
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle != nil {
		_ = handle.Remove()
	}
	_ = h.page.Close()
}

// framedTransport closes the embedded frame together with the channel.
type framedTransport struct {
	*transport.ChannelTransport
	h *handshake
}

func (t *framedTransport) Close() error {
	err := t.ChannelTransport.Close()
	t.h.release()
	return err
}
