// Package draft holds a consultation draft for one workstation session: the
// lifecycle controller, the message log, the cached analysis, and the
// finalizer that hands everything to the backend.
//
// All components share a Store namespaced by a session key, so several
// workstations (or test cases) can keep independent drafts in one database.
package draft

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer receives lifecycle measurements. Implementations must not block.
type Observer interface {
	DraftStarted()
	DraftCancelled()
	MessageAppended(voice bool)
	AnalysisFinished(elapsed time.Duration, err error)
	FinalizeFinished(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) DraftStarted()                         {}
func (nopObserver) DraftCancelled()                       {}
func (nopObserver) MessageAppended(bool)                  {}
func (nopObserver) AnalysisFinished(time.Duration, error) {}
func (nopObserver) FinalizeFinished(time.Duration, error) {}

type Options struct {
	SessionKey   string
	Operator     string
	Analyzer     Analyzer
	Backend      Backend
	AudioBaseURL string
	Observer     Observer

	Now   func() time.Time
	NewID func() string
	Sleep func(time.Duration)
}

// Draft wires the components that share one session key.
type Draft struct {
	Controller *Controller
	Messages   *MessageStore
	Analysis   *AnalysisHolder
	Finalizer  *Finalizer

	changed *notifier
}

// Open builds a Draft over store and restores any persisted draft for the
// session key.
func Open(store Store, opts Options) (*Draft, error) {
	if store == nil {
		return nil, errors.New("open draft: store is required")
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "local-" + uuid.NewString() }
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	m := mirror{store: store, key: opts.SessionKey}
	n := &notifier{}

	ctrl := newController(m, opts.Operator, opts.Now, opts.Sleep, opts.Observer, n)
	messages := newMessageStore(ctrl, m, opts.Now, opts.NewID, opts.Observer, n)
	analysis := newAnalysisHolder(ctrl, messages, opts.Analyzer, m, opts.Now, opts.Observer, n)
	finalizer := &Finalizer{
		ctrl:         ctrl,
		messages:     messages,
		analysis:     analysis,
		backend:      opts.Backend,
		audioBaseURL: opts.AudioBaseURL,
		now:          opts.Now,
		observer:     opts.Observer,
	}

	active, err := ctrl.restore()
	if err != nil {
		return nil, fmt.Errorf("restore draft consultation: %w", err)
	}
	if err := messages.restore(active); err != nil {
		return nil, fmt.Errorf("restore draft messages: %w", err)
	}
	if err := analysis.restore(active); err != nil {
		return nil, fmt.Errorf("restore draft analysis: %w", err)
	}

	return &Draft{
		Controller: ctrl,
		Messages:   messages,
		Analysis:   analysis,
		Finalizer:  finalizer,
		changed:    n,
	}, nil
}

// OnChange registers fn to run after any draft mutation. fn runs without
// draft locks held and may read the draft.
func (d *Draft) OnChange(fn func()) {
	d.changed.add(fn)
}

func (d *Draft) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:           PhaseNotStarted,
		Operator:        d.Controller.Operator(),
		SelectedPatient: d.Controller.SelectedPatient(),
		Messages:        d.Messages.List(),
	}
	if s, ok := d.Controller.State().(InProgress); ok {
		snap.Phase = PhaseInProgress
		c := s.Consultation
		snap.Consultation = &c
	}
	if a, ok := d.Analysis.Current(); ok {
		snap.Analysis = &a
	}
	if snap.Messages == nil {
		snap.Messages = []Message{}
	}
	return snap
}

func (d *Draft) Start(patientID, chiefComplaint string) (Consultation, error) {
	return d.Controller.Start(patientID, chiefComplaint)
}

func (d *Draft) Cancel() {
	d.Controller.Cancel()
}

func (d *Draft) SelectPatient(patientID string) bool {
	return d.Controller.SelectPatient(patientID)
}

func (d *Draft) SetOperator(id string) {
	d.Controller.SetOperator(id)
}

func (d *Draft) AppendText(content string) (Message, error) {
	return d.Messages.Append(content, false)
}

// AppendVoice appends dictated text recorded to audioFile.
func (d *Draft) AppendVoice(content, audioFile string) (Message, error) {
	return d.Messages.AppendVoice(content, audioFile)
}

func (d *Draft) Active() bool {
	return d.Controller.Active()
}

func (d *Draft) EditMessage(id, content string) (Message, error) {
	return d.Messages.Edit(id, content)
}

func (d *Draft) DeleteMessage(id string) error {
	return d.Messages.Delete(id)
}

func (d *Draft) Analyze(ctx context.Context) (Analysis, error) {
	return d.Analysis.Analyze(ctx)
}

func (d *Draft) ClearAnalysis() {
	d.Analysis.Clear()
}

func (d *Draft) Finalize(ctx context.Context) (Result, error) {
	return d.Finalizer.Finalize(ctx)
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	mu  sync.Mutex
	fns []func()
}

func (n *notifier) add(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *notifier) fire() {
	n.mu.Lock()
	fns := slices.Clone(n.fns)
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
