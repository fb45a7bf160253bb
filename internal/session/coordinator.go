package session

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// TransportCallback receives the discovery outcome.
type TransportCallback func(transport.Transport, error)

// Fallback negotiates the secondary transport when the native bridge is absent.
type Fallback interface {
	Negotiate(cb func(transport.Transport, error))
}

var _ Fallback = (*Negotiator)(nil)

// Coordinator discovers the session transport once and shares it with every
// caller. A failed discovery is not cached; the next caller starts a new one.
type Coordinator struct {
	cfg      Config
	runtime  bridge.Runtime
	fallback Fallback
	table    *Table

	mu          sync.Mutex
	current     transport.Transport
	waiters     []TransportCallback
	discovering bool
	attempts    int
	// handing is the transport being drained to waiters; dropped marks it
	// disconnected before it could be cached.
	handing transport.Transport
	dropped bool
}

// NewCoordinator wires discovery to table. rt may be nil when no native
// bridge exists in this environment.
func NewCoordinator(cfg Config, rt bridge.Runtime, fallback Fallback, table *Table) *Coordinator {
	if table == nil {
		table = NewTable()
	}
	return &Coordinator{
		cfg:      cfg.WithDefaults(),
		runtime:  rt,
		fallback: fallback,
		table:    table,
	}
}

// GetTransport invokes cb with the session transport. With a cached transport
// cb runs synchronously; otherwise it is queued behind the running discovery.
func (c *Coordinator) GetTransport(cb TransportCallback) {
	c.mu.Lock()
	if c.current != nil {
		t := c.current
		c.mu.Unlock()
		cb(t, nil)
		return
	}
	c.waiters = append(c.waiters, cb)
	if c.discovering {
		c.mu.Unlock()
		return
	}
	c.discovering = true
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	go c.discover(attempt)
}

// Transport blocks until discovery completes or ctx ends.
func (c *Coordinator) Transport(ctx context.Context) (transport.Transport, error) {
	type result struct {
		t   transport.Transport
		err error
	}
	done := make(chan result, 1)
	c.GetTransport(func(t transport.Transport, err error) {
		done <- result{t: t, err: err}
	})
	select {
	case r := <-done:
		return r.t, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the cached transport, if any.
func (c *Coordinator) Current() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Discoveries returns how many discoveries have been started.
func (c *Coordinator) Discoveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Disconnect drops the cached transport, or the one still being handed to
// waiters, and fails every pending request. The next GetTransport starts a
// fresh discovery.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	t := c.current
	c.current = nil
	if t == nil && c.handing != nil {
		t = c.handing
		c.dropped = true
	}
	c.mu.Unlock()

	n := c.table.FailAll(errDisconnected())
	if t == nil {
		log.Debug().Int("failed", n).Msg("disconnect without transport")
		return nil
	}
	log.Info().Str("transport", string(t.Kind())).Int("failed", n).Msg("session transport disconnected")
	return t.Close()
}

// lost handles a transport whose far end went away.
func (c *Coordinator) lost(t transport.Transport, cause error) {
	c.mu.Lock()
	switch {
	case c.current == t:
		c.current = nil
	case c.handing == t:
		c.dropped = true
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	n := c.table.FailAll(errDisconnected())
	observability.RecordDiscovery(string(t.Kind()), "lost")
	log.Warn().Err(cause).Str("transport", string(t.Kind())).Int("failed", n).Msg("session transport lost")
}

func errDisconnected() *protocol.ErrorRecord {
	return protocol.NewErrorRecord(protocol.OtherError, "transport disconnected")
}

func (c *Coordinator) discover(attempt int) {
	log.Debug().Int("attempt", attempt).Msg("transport discovery started")
	t, err := c.connectNative()
	if err == nil {
		c.resolve(t, nil)
		return
	}
	log.Debug().Err(err).Msg("native bridge unavailable, negotiating fallback")
	if c.fallback == nil {
		c.resolve(nil, protocol.NewErrorRecord(protocol.IframeNotSupported, "Iframe not supported"))
		return
	}
	c.fallback.Negotiate(c.resolve)
}

func (c *Coordinator) connectNative() (transport.Transport, error) {
	if c.runtime == nil || !c.runtime.Available() {
		return nil, bridge.ErrUnavailable
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	err := c.runtime.SendMessage(probeCtx, c.cfg.ExtensionID, protocol.NewProbeMessage())
	cancel()
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	port, err := c.runtime.Connect(connCtx, c.cfg.ExtensionID, bridge.ConnectInfo{
		IncludeTLSChannelID: c.cfg.IncludeTLSChannelID,
	})
	if err != nil {
		return nil, err
	}
	return transport.NewNativeTransport(port), nil
}

// resolve subscribes t to the table, then hands the outcome to every waiter
// in arrival order. Callers arriving during the drain join the same outcome,
// unless the transport was disconnected or lost meanwhile.
func (c *Coordinator) resolve(t transport.Transport, err error) {
	if t != nil {
		c.mu.Lock()
		t.OnMessage(c.table.HandleMessage)
		c.handing = t
		c.dropped = false
		c.mu.Unlock()
		if rc, ok := t.(transport.RemoteCloser); ok {
			rc.OnRemoteClose(func(cause error) { c.lost(t, cause) })
		}
		observability.RecordDiscovery(string(t.Kind()), "ok")
		log.Info().Str("transport", string(t.Kind())).Msg("session transport ready")
	} else {
		if err == nil {
			err = errors.New("session: discovery produced no transport")
		}
		observability.RecordDiscovery("none", "failed")
		log.Warn().Err(err).Msg("transport discovery failed")
	}

	for {
		c.mu.Lock()
		if len(c.waiters) == 0 {
			if t != nil && !c.dropped {
				c.current = t
			}
			c.handing = nil
			c.dropped = false
			c.discovering = false
			c.mu.Unlock()
			return
		}
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()

		for _, cb := range waiters {
			if t != nil && c.isDropped() {
				cb(nil, errDisconnected())
				continue
			}
			cb(t, err)
		}
	}
}

func (c *Coordinator) isDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
