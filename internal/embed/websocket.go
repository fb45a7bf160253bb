package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebsocketConfig maps frame sources onto a websocket endpoint.
type WebsocketConfig struct {
	// BaseURL replaces the frame origin, e.g. ws://127.0.0.1:7400.
	BaseURL string
	// PageOrigin is sent as the Origin header on the upgrade request.
	PageOrigin       string
	HandshakeTimeout time.Duration
}

func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		PageOrigin:       "http://localhost",
		HandshakeTimeout: 2 * time.Second,
	}
}

// WebsocketEmbedder loads frames by dialing a websocket; a completed
// upgrade is the load event.
type WebsocketEmbedder struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
}

var _ Embedder = (*WebsocketEmbedder)(nil)

func NewWebsocketEmbedder(cfg WebsocketConfig) *WebsocketEmbedder {
	def := DefaultWebsocketConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if strings.TrimSpace(cfg.PageOrigin) == "" {
		cfg.PageOrigin = def.PageOrigin
	}
	return &WebsocketEmbedder{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// EndpointFor rewrites a frame source onto the configured websocket base.
func (e *WebsocketEmbedder) EndpointFor(f Frame) (string, error) {
	src, err := url.Parse(strings.TrimSpace(f.Src))
	if err != nil || src.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrameSource, f.Src)
	}
	base, err := url.Parse(strings.TrimSpace(e.cfg.BaseURL))
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("%w: websocket base %q", ErrInvalidFrameSource, e.cfg.BaseURL)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + src.Path
	base.RawQuery = src.RawQuery
	return base.String(), nil
}

func (e *WebsocketEmbedder) Embed(ctx context.Context, f Frame, onLoad func(Window)) (Handle, error) {
	origin, err := f.Origin()
	if err != nil {
		return nil, err
	}
	endpoint, err := e.EndpointFor(f)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithCancel(ctx)
	h := &wsFrame{origin: origin, cancel: cancel}
	go func() {
		header := http.Header{}
		header.Set("Origin", e.cfg.PageOrigin)
		conn, _, err := e.dialer.DialContext(dialCtx, endpoint, header)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("fallback frame failed to load")
			return
		}
		if !h.attach(conn) {
			_ = conn.Close()
			return
		}
		log.Debug().Str("endpoint", endpoint).Str("origin", origin).Msg("fallback frame loaded")
		onLoad(h)
	}()
	return h, nil
}

type wsFrame struct {
	origin string
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	removed bool
	piped   bool

	writeMu sync.Mutex
}

func (w *wsFrame) attach(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed {
		return false
	}
	w.conn = conn
	return true
}

func (w *wsFrame) PostMessage(msg string, targetOrigin string, port *transport.Port) error {
	if !originMatches(targetOrigin, w.origin) {
		return fmt.Errorf("%w: target=%q frame=%q", ErrOriginMismatch, targetOrigin, w.origin)
	}
	w.mu.Lock()
	conn := w.conn
	removed := w.removed
	startPipe := port != nil && !w.piped
	if startPipe {
		w.piped = true
	}
	w.mu.Unlock()
	if removed || conn == nil {
		return ErrFrameRemoved
	}

	if err := w.write(conn, []byte(msg)); err != nil {
		return err
	}
	if startPipe {
		w.pipe(conn, port)
	}
	return nil
}

// pipe forwards every message on port to the socket and every socket
// message back to port.
func (w *wsFrame) pipe(conn *websocket.Conn, port *transport.Port) {
	port.AddListener(func(ev transport.MessageEvent) {
		if err := w.write(conn, ev.Data); err != nil {
			log.Debug().Err(err).Msg("fallback frame write failed")
		}
	})
	port.Start()
	go func() {
		defer port.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Msg("fallback frame closed")
				return
			}
			if err := port.PostMessage(normalize(data)); err != nil {
				_ = w.Remove()
				return
			}
		}
	}()
}

func (w *wsFrame) write(conn *websocket.Conn, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsFrame) Remove() error {
	w.mu.Lock()
	if w.removed {
		w.mu.Unlock()
		return nil
	}
	w.removed = true
	conn := w.conn
	w.mu.Unlock()
	w.cancel()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// normalize keeps port payloads valid JSON; bare text becomes a JSON string.
func normalize(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return json.RawMessage(quoted)
}
