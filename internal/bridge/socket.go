package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/u2fbridge/internal/protocol/frame"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	HelloMessage = "message"
	HelloConnect = "connect"
)

// Hello is the first frame on every bridge connection.
type Hello struct {
	Type                string `json:"type"`
	ExtensionID         string `json:"extensionId"`
	IncludeTLSChannelID bool   `json:"includeTlsChannelId,omitempty"`
}

// SocketConfig locates the native messaging host.
type SocketConfig struct {
	Network      string
	Addr         string
	DialTimeout  time.Duration
	ReplyTimeout time.Duration
	Limits       frame.Limits
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Network:      "unix",
		DialTimeout:  2 * time.Second,
		ReplyTimeout: 5 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

func (c SocketConfig) WithDefaults() SocketConfig {
	def := DefaultSocketConfig()
	if strings.TrimSpace(c.Network) == "" {
		c.Network = def.Network
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.Limits.MaxReadBytes == 0 && c.Limits.MaxWriteBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

// SocketRuntime speaks native-messaging frames to a local socket.
type SocketRuntime struct {
	cfg SocketConfig
}

var _ Runtime = (*SocketRuntime)(nil)

func NewSocketRuntime(cfg SocketConfig) *SocketRuntime {
	return &SocketRuntime{cfg: cfg.WithDefaults()}
}

func (r *SocketRuntime) Available() bool {
	addr := strings.TrimSpace(r.cfg.Addr)
	if addr == "" {
		return false
	}
	if r.cfg.Network == "unix" {
		if _, err := os.Stat(addr); err != nil {
			return false
		}
	}
	return true
}

func (r *SocketRuntime) SendMessage(ctx context.Context, extensionID string, msg any) error {
	conn, err := r.dial(ctx, Hello{Type: HelloMessage, ExtensionID: extensionID})
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(r.cfg.ReplyTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	if err := frame.WriteJSON(conn, msg, r.cfg.Limits); err != nil {
		return fmt.Errorf("bridge: write message: %w", err)
	}
	reply, err := frame.ReadFrame(conn, r.cfg.Limits)
	if err != nil {
		return fmt.Errorf("bridge: read reply: %w", err)
	}
	var status struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(reply, &status); err == nil && strings.TrimSpace(status.Error) != "" {
		return fmt.Errorf("%w: %s", ErrProbeRejected, status.Error)
	}
	return nil
}

func (r *SocketRuntime) Connect(ctx context.Context, extensionID string, info ConnectInfo) (transport.RuntimePort, error) {
	conn, err := r.dial(ctx, Hello{
		Type:                HelloConnect,
		ExtensionID:         extensionID,
		IncludeTLSChannelID: info.IncludeTLSChannelID,
	})
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	p := &socketPort{
		conn:   conn,
		limits: r.cfg.Limits,
		extID:  extensionID,
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (r *SocketRuntime) dial(ctx context.Context, hello Hello) (net.Conn, error) {
	if strings.TrimSpace(hello.ExtensionID) == "" {
		return nil, ErrExtensionRequired
	}
	if !r.Available() {
		return nil, ErrUnavailable
	}
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, r.cfg.Network, r.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.DialTimeout))
	if err := frame.WriteJSON(conn, hello, r.cfg.Limits); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: write hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

type socketPort struct {
	conn   net.Conn
	limits frame.Limits
	extID  string

	writeMu sync.Mutex

	mu        sync.RWMutex
	listeners []func(json.RawMessage)

	closeOnce sync.Once
	done      chan struct{}

	lostMu  sync.Mutex
	lost    bool
	lostErr error
	onLost  []func(error)
}

func (p *socketPort) PostMessage(msg any) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return frame.WriteJSON(p.conn, msg, p.limits)
}

func (p *socketPort) AddMessageListener(fn func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *socketPort) AddDisconnectListener(fn func(error)) {
	p.lostMu.Lock()
	if p.lost {
		err := p.lostErr
		p.lostMu.Unlock()
		fn(err)
		return
	}
	p.onLost = append(p.onLost, fn)
	p.lostMu.Unlock()
}

// markLost runs the disconnect listeners once.
func (p *socketPort) markLost(err error) {
	p.lostMu.Lock()
	if p.lost {
		p.lostMu.Unlock()
		return
	}
	p.lost = true
	p.lostErr = err
	fns := p.onLost
	p.onLost = nil
	p.lostMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (p *socketPort) Disconnect() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func (p *socketPort) readLoop() {
	defer p.Disconnect()
	for {
		payload, err := frame.ReadFrame(p.conn, p.limits)
		if err != nil {
			select {
			case <-p.done:
			default:
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Str("extension_id", p.extID).Msg("native port read failed")
				} else {
					log.Debug().Str("extension_id", p.extID).Msg("native port closed by host")
				}
				_ = p.Disconnect()
				p.markLost(err)
			}
			return
		}
		p.mu.RLock()
		ls := make([]func(json.RawMessage), len(p.listeners))
		copy(ls, p.listeners)
		p.mu.RUnlock()
		for _, fn := range ls {
			fn(json.RawMessage(payload))
		}
	}
}
