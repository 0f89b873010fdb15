// Package speech turns a continuous recognition capability into two
// channels of text: finalized utterances and a live interim preview.
//
// A Source produces raw events through a Sink. The Adapter normalizes them
// (dedup, preview bookkeeping, error taxonomy, late-event suppression) and
// hands the result to a single Listener.
package speech

import "context"

// DefaultLanguage is used when Options.Language is empty.
const DefaultLanguage = "pt-BR"

type Options struct {
	Language   string
	Continuous bool
	Interim    bool
}

// Source is the underlying recognition capability.
type Source interface {
	Supported() bool
	// Begin starts a capture that reports to sink until End is called or
	// the source reports Closed. ctx bounds the capture lifetime.
	Begin(ctx context.Context, opts Options, sink Sink) (Capture, error)
}

// Capture is one running recognition session. End must be safe to call
// more than once.
type Capture interface {
	End() error
}

// Sink receives raw source events.
type Sink interface {
	Opened()
	Result(text string, final bool)
	Failed(code, detail string)
	Closed()
}

// Listener receives normalized events. Methods are called without adapter
// locks held and may call back into the Adapter.
type Listener interface {
	OnStart()
	OnFinal(text string)
	OnInterim(text string)
	OnError(kind ErrorKind)
	OnEnd()
}

type nopListener struct{}

func (nopListener) OnStart()          {}
func (nopListener) OnFinal(string)    {}
func (nopListener) OnInterim(string)  {}
func (nopListener) OnError(ErrorKind) {}
func (nopListener) OnEnd()            {}
