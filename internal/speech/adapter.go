package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Adapter runs at most one capture at a time and forwards its events to the
// registered Listener.
type Adapter struct {
	src  Source
	opts Options

	mu        sync.Mutex
	listener  Listener
	active    bool
	capture   Capture
	gen       uint64
	interim   string
	lastFinal string
}

func NewAdapter(src Source, opts Options) *Adapter {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	opts.Continuous = true
	opts.Interim = true
	return &Adapter{src: src, opts: opts, listener: nopListener{}}
}

func (a *Adapter) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

func (a *Adapter) IsSupported() bool {
	return a.src != nil && a.src.Supported()
}

// Start begins a capture. It never layers a second capture over a running
// one.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.IsSupported() {
		a.currentListener().OnError(KindCaptureUnavailable)
		return ErrUnsupported
	}

	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.gen++
	gen := a.gen
	a.active = true
	a.interim = ""
	a.lastFinal = ""
	a.mu.Unlock()

	capture, err := a.src.Begin(ctx, a.opts, &sessionSink{adapter: a, gen: gen})
	if err != nil {
		a.mu.Lock()
		if a.gen == gen {
			a.active = false
			a.capture = nil
		}
		l := a.listener
		a.mu.Unlock()

		kind := KindOf(err)
		slog.Warn("speech capture failed to start", "kind", kind, "error", err)
		l.OnError(kind)
		return fmt.Errorf("begin speech capture: %w", err)
	}

	a.mu.Lock()
	if a.gen != gen {
		// Stopped while Begin was running.
		a.mu.Unlock()
		endCapture(capture)
		return nil
	}
	a.capture = capture
	a.mu.Unlock()
	return nil
}

// Stop ends the active capture. No final or interim events for it are
// delivered after Stop returns. Calling Stop while idle does nothing.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	capture := a.capture
	l := a.endLocked()
	a.mu.Unlock()

	if capture != nil {
		endCapture(capture)
	}
	l.OnEnd()
}

// Interim returns the current interim preview.
func (a *Adapter) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Adapter) currentListener() Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

// endLocked invalidates the current generation and resets per-capture state.
func (a *Adapter) endLocked() Listener {
	a.gen++
	a.active = false
	a.capture = nil
	a.interim = ""
	a.lastFinal = ""
	return a.listener
}

func endCapture(c Capture) {
	if err := c.End(); err != nil {
		slog.Warn("end speech capture", "error", err)
	}
}

// sessionSink binds source events to the capture generation that created it.
type sessionSink struct {
	adapter *Adapter
	gen     uint64
}

// lockCurrent locks the adapter and reports whether the sink's capture is
// still the live one. The caller unlocks.
func (s *sessionSink) lockCurrent() bool {
	s.adapter.mu.Lock()
	return s.adapter.active && s.adapter.gen == s.gen
}

func (s *sessionSink) Opened() {
	a := s.adapter
	if !s.lockCurrent() {
		a.mu.Unlock()
		return
	}
	a.lastFinal = ""
	l := a.listener
	a.mu.Unlock()
	l.OnStart()
}

func (s *sessionSink) Result(text string, final bool) {
	a := s.adapter
	if !s.lockCurrent() {
		a.mu.Unlock()
		return
	}

	if !final {
		a.interim = text
		l := a.listener
		a.mu.Unlock()
		l.OnInterim(text)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" || text == a.lastFinal {
		a.mu.Unlock()
		return
	}
	a.lastFinal = text
	a.interim = ""
	l := a.listener
	a.mu.Unlock()
	l.OnFinal(text)
}

func (s *sessionSink) Failed(code, detail string) {
	a := s.adapter
	if !s.lockCurrent() {
		a.mu.Unlock()
		return
	}
	l := a.listener
	a.mu.Unlock()

	kind := KindFor(code)
	slog.Warn("speech capture error", "code", code, "kind", kind, "detail", detail)
	l.OnError(kind)
}

func (s *sessionSink) Closed() {
	a := s.adapter
	if !s.lockCurrent() {
		a.mu.Unlock()
		return
	}
	capture := a.capture
	l := a.endLocked()
	a.mu.Unlock()

	if capture != nil {
		// Closed may arrive on the source's own event goroutine, which End
		// can wait on.
		go endCapture(capture)
	}
	l.OnEnd()
}
