package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Port is one end of an in-process MessageChannel. Messages posted on a port
// are queued on its peer and dispatched, in order, once the peer is started.
type Port struct {
	mu        sync.Mutex
	cond      *sync.Cond
	peer      *Port
	name      string
	listeners []*listener
	queue     []json.RawMessage
	started   bool
	closed    bool
}

type listener struct {
	h       Handler
	removed atomic.Bool
}

// NewMessageChannel returns two entangled ports.
func NewMessageChannel() (*Port, *Port) {
	a := newPort("port1")
	b := newPort("port2")
	a.peer = b
	b.peer = a
	return a, b
}

func newPort(name string) *Port {
	p := &Port{name: name}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PostMessage encodes msg as JSON and queues it on the peer port.
func (p *Port) PostMessage(msg any) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed || peer == nil {
		return ErrClosed
	}
	return peer.enqueue(data)
}

func (p *Port) enqueue(data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, data)
	p.cond.Signal()
	return nil
}

// AddListener registers h for message events. The returned func removes it;
// once it returns, h is not invoked for later messages.
func (p *Port) AddListener(h Handler) (remove func()) {
	l := &listener{h: h}
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
	return func() {
		l.removed.Store(true)
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, cur := range p.listeners {
			if cur == l {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start begins dispatching queued messages. Calling it more than once is a no-op.
func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.run()
}

// Close disentangles both ends. Queued messages are discarded.
func (p *Port) Close() error {
	p.closeLocal()
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer != nil {
		peer.closeLocal()
	}
	return nil
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) closeLocal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
}

func (p *Port) run() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		data := p.queue[0]
		p.queue = p.queue[1:]
		ls := make([]*listener, len(p.listeners))
		copy(ls, p.listeners)
		p.mu.Unlock()

		if len(ls) == 0 {
			log.Debug().Str("port", p.name).Msg("message dropped: no listener")
			continue
		}
		ev := MessageEvent{Data: data}
		for _, l := range ls {
			if l.removed.Load() {
				continue
			}
			l.h(ev)
		}
	}
}

// ChannelTransport is the fallback transport backed by a started Port.
type ChannelTransport struct {
	port    *Port
	handler handlerSlot
	remove  func()
}

var _ Transport = (*ChannelTransport)(nil)

func NewChannelTransport(port *Port) *ChannelTransport {
	t := &ChannelTransport{port: port}
	t.remove = port.AddListener(func(ev MessageEvent) {
		if !t.handler.dispatch(ev) {
			log.Warn().Str("transport", string(KindChannel)).Msg("inbound message before subscription")
		}
	})
	port.Start()
	return t
}

func (t *ChannelTransport) Kind() Kind {
	return KindChannel
}

func (t *ChannelTransport) Send(msg any) error {
	return t.port.PostMessage(msg)
}

func (t *ChannelTransport) OnMessage(h Handler) {
	t.handler.set(h)
}

func (t *ChannelTransport) Close() error {
	t.remove()
	return t.port.Close()
}
