package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/u2fbridge/internal/transport"
)

// PageFunc runs an in-process handler page. It receives the transferred
// channel end after the init signal and owns it from then on.
type PageFunc func(port *transport.Port)

// LocalEmbedder hosts handler pages in-process, keyed by frame source. A
// frame whose source has no page attaches but never loads.
type LocalEmbedder struct {
	LoadDelay time.Duration

	mu     sync.Mutex
	pages  map[string]PageFunc
	frames []Frame
}

var _ Embedder = (*LocalEmbedder)(nil)

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{pages: make(map[string]PageFunc)}
}

// Serve installs page for frames loaded from src.
func (e *LocalEmbedder) Serve(src string, page PageFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pages[src] = page
}

// Frames returns every frame embedded so far.
func (e *LocalEmbedder) Frames() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Frame, len(e.frames))
	copy(out, e.frames)
	return out
}

func (e *LocalEmbedder) Embed(ctx context.Context, f Frame, onLoad func(Window)) (Handle, error) {
	origin, err := f.Origin()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.frames = append(e.frames, f)
	page := e.pages[f.Src]
	e.mu.Unlock()

	w := &localWindow{origin: origin, page: page, done: make(chan struct{})}
	if page == nil {
		return w, nil
	}
	go func() {
		if e.LoadDelay > 0 {
			timer := time.NewTimer(e.LoadDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
		select {
		case <-w.done:
			return
		default:
		}
		onLoad(w)
	}()
	return w, nil
}

type localWindow struct {
	origin string
	page   PageFunc

	once sync.Once
	done chan struct{}
}

func (w *localWindow) PostMessage(msg string, targetOrigin string, port *transport.Port) error {
	if !originMatches(targetOrigin, w.origin) {
		return fmt.Errorf("%w: target=%q frame=%q", ErrOriginMismatch, targetOrigin, w.origin)
	}
	select {
	case <-w.done:
		return ErrFrameRemoved
	default:
	}
	if msg == InitSignal && port != nil {
		go w.page(port)
	}
	return nil
}

func (w *localWindow) Remove() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
