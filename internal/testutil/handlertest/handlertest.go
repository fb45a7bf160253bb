// Package handlertest provides a scripted U2F key handler for tests. The same
// handler can be served in-process, over a native messaging socket, or as a
// websocket comms page.
package handlertest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/protocol/frame"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Responder builds the reply for one request. Returning ok=false sends nothing.
type Responder func(req protocol.RequestEnvelope) (resp any, ok bool)

// Handler is a fake key handler.
type Handler struct {
	// Preamble is posted on the channel before the ready signal.
	Preamble []any
	// ReadyDelay postpones the ready signal.
	ReadyDelay time.Duration
	// SkipReady suppresses the ready signal entirely.
	SkipReady bool
	// RejectProbe makes the native host answer probes with an error.
	RejectProbe bool

	mu       sync.Mutex
	respond  Responder
	requests []protocol.RequestEnvelope
	probes   int
	hellos   []bridge.Hello
}

func New() *Handler {
	return &Handler{respond: Echo}
}

// Respond replaces the responder.
func (h *Handler) Respond(fn Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respond = fn
}

// Requests returns every request received so far.
func (h *Handler) Requests() []protocol.RequestEnvelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.RequestEnvelope, len(h.requests))
	copy(out, h.requests)
	return out
}

func (h *Handler) Probes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probes
}

// Hellos returns the bridge hellos seen by the native host.
func (h *Handler) Hellos() []bridge.Hello {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bridge.Hello, len(h.hellos))
	copy(out, h.hellos)
	return out
}

// Echo answers every request with a success payload carrying its id.
func Echo(req protocol.RequestEnvelope) (any, bool) {
	resp := protocol.ResponseEnvelope{
		Type:      req.Type.ResponseType(),
		RequestID: req.RequestID,
	}
	switch req.Type {
	case protocol.MessageRegisterRequest:
		data, _ := json.Marshal(protocol.RegisterResponse{
			RegistrationData: "reg-data",
			ClientData:       "client-data",
		})
		resp.ResponseData = protocol.ResponseData(data)
	default:
		var keyHandle string
		if len(req.SignRequests) > 0 {
			keyHandle = req.SignRequests[0].KeyHandle
		}
		data, _ := json.Marshal(protocol.SignResponse{
			KeyHandle:     keyHandle,
			SignatureData: "sig-data",
			ClientData:    "client-data",
		})
		resp.ResponseData = protocol.ResponseData(data)
	}
	return resp, true
}

// Fail answers every request with the given error code.
func Fail(code protocol.ErrorCode, message string) Responder {
	return func(req protocol.RequestEnvelope) (any, bool) {
		data, _ := json.Marshal(protocol.NewErrorRecord(code, message))
		return protocol.ResponseEnvelope{
			Type:         req.Type.ResponseType(),
			RequestID:    req.RequestID,
			ResponseData: protocol.ResponseData(data),
		}, true
	}
}

// Silent never answers.
func Silent(protocol.RequestEnvelope) (any, bool) {
	return nil, false
}

func (h *Handler) handle(raw json.RawMessage) (any, bool) {
	var req protocol.RequestEnvelope
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Warn().Err(err).Msg("handlertest: undecodable request")
		return nil, false
	}
	h.mu.Lock()
	h.requests = append(h.requests, req)
	respond := h.respond
	h.mu.Unlock()
	return respond(req)
}

// Page returns the in-process comms page for embed.LocalEmbedder.
func (h *Handler) Page() embed.PageFunc {
	return func(port *transport.Port) {
		port.AddListener(func(ev transport.MessageEvent) {
			if resp, ok := h.handle(ev.Data); ok {
				_ = port.PostMessage(resp)
			}
		})
		port.Start()
		for _, msg := range h.Preamble {
			_ = port.PostMessage(msg)
		}
		if h.SkipReady {
			return
		}
		if h.ReadyDelay > 0 {
			time.Sleep(h.ReadyDelay)
		}
		_ = port.PostMessage(embed.ReadySignal)
	}
}

// ServeLocal installs the page on e for the comms frame of extensionID.
func (h *Handler) ServeLocal(e *embed.LocalEmbedder, extensionID string) {
	e.Serve(embed.CommsFrameSource(extensionID), h.Page())
}

// ServeNative listens on a unix socket under t.TempDir and speaks the
// native messaging host side of the bridge protocol.
func (h *Handler) ServeNative(t *testing.T) bridge.SocketConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "u2f.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen native socket: %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
		_ = os.Remove(path)
	})
	go h.acceptNative(ln)

	cfg := bridge.DefaultSocketConfig()
	cfg.Network = "unix"
	cfg.Addr = path
	return cfg
}

func (h *Handler) acceptNative(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("handlertest: native accept stopped")
			}
			return
		}
		go h.serveNative(conn)
	}
}

func (h *Handler) serveNative(conn net.Conn) {
	defer conn.Close()
	limits := frame.DefaultLimits()
	var hello bridge.Hello
	if err := frame.ReadJSON(conn, &hello, limits); err != nil {
		return
	}
	h.mu.Lock()
	h.hellos = append(h.hellos, hello)
	h.mu.Unlock()

	switch hello.Type {
	case bridge.HelloMessage:
		if _, err := frame.ReadFrame(conn, limits); err != nil {
			return
		}
		h.mu.Lock()
		h.probes++
		h.mu.Unlock()
		reply := map[string]string{}
		if h.RejectProbe {
			reply["error"] = "Specified native messaging host not found."
		}
		_ = frame.WriteJSON(conn, reply, limits)
	case bridge.HelloConnect:
		var writeMu sync.Mutex
		for {
			payload, err := frame.ReadFrame(conn, limits)
			if err != nil {
				return
			}
			resp, ok := h.handle(payload)
			if !ok {
				continue
			}
			writeMu.Lock()
			err = frame.WriteJSON(conn, resp, limits)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWebsocket starts an httptest server exposing the comms page as a
// websocket at embed.CommsPath.
func (h *Handler) ServeWebsocket(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(embed.CommsPath, h.serveWebsocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (h *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, first, err := conn.ReadMessage()
	if err != nil || string(first) != embed.InitSignal {
		return
	}
	var writeMu sync.Mutex
	write := func(msg any) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	for _, msg := range h.Preamble {
		write(msg)
	}
	if !h.SkipReady {
		go func() {
			if h.ReadyDelay > 0 {
				time.Sleep(h.ReadyDelay)
			}
			write(embed.ReadySignal)
		}()
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if resp, ok := h.handle(data); ok {
			write(resp)
		}
	}
}
