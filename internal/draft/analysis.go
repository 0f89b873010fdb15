package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Analyzer produces an analysis from a draft snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, in AnalysisInput) (Analysis, error)
}

// AnalysisHolder keeps at most one analysis for the active draft. It does not
// ask before replacing an existing result; callers confirm that with the user.
type AnalysisHolder struct {
	ctrl     *Controller
	messages *MessageStore
	analyzer Analyzer
	mirror   mirror
	now      func() time.Time
	observer Observer
	changed  *notifier

	mu      sync.Mutex
	current *Analysis
}

func newAnalysisHolder(ctrl *Controller, messages *MessageStore, analyzer Analyzer, m mirror, now func() time.Time, obs Observer, n *notifier) *AnalysisHolder {
	h := &AnalysisHolder{
		ctrl:     ctrl,
		messages: messages,
		analyzer: analyzer,
		mirror:   m,
		now:      now,
		observer: obs,
		changed:  n,
	}
	ctrl.onReset(h.reset)
	return h
}

// Analyze runs the analyzer over the current messages and stores the result.
// The analyzer is called without holding any lock; if the draft was cancelled
// or replaced meanwhile, the result is dropped with ErrDraftChanged. While
// the draft is being submitted it is dropped with ErrFinalizeInProgress.
func (h *AnalysisHolder) Analyze(ctx context.Context) (Analysis, error) {
	var (
		in  AnalysisInput
		gen uint64
	)
	err := h.ctrl.guard(func(s InProgress) error {
		if s.Consultation.PatientID == "" {
			return ErrInsufficientData
		}
		msgs := h.messages.List()
		if len(msgs) == 0 {
			return ErrInsufficientData
		}
		in = AnalysisInput{
			PatientID: s.Consultation.PatientID,
			StartedAt: s.Consultation.StartedAt,
			Messages:  msgs,
		}
		gen = s.Generation
		return nil
	})
	if err != nil {
		return Analysis{}, err
	}

	started := h.now()
	result, err := h.analyzer.Analyze(ctx, in)
	h.observer.AnalysisFinished(h.now().Sub(started), err)
	if err != nil {
		return Analysis{}, fmt.Errorf("analyze consultation: %w", err)
	}

	err = h.ctrl.guardGeneration(gen, func(InProgress) error {
		h.mu.Lock()
		h.current = &result
		h.mirror.put(SlotAnalysis, result)
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		slog.Warn("discarding analysis for a draft that changed or is being submitted", "patient_id", in.PatientID)
		return Analysis{}, err
	}

	h.changed.fire()
	return result, nil
}

func (h *AnalysisHolder) Current() (Analysis, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return Analysis{}, false
	}
	return *h.current, true
}

// Clear removes the held analysis and its persisted copy.
func (h *AnalysisHolder) Clear() {
	h.mu.Lock()
	h.current = nil
	h.mirror.del(SlotAnalysis)
	h.mu.Unlock()
	h.changed.fire()
}

func (h *AnalysisHolder) reset() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *AnalysisHolder) restore(active bool) error {
	if !active {
		h.mirror.del(SlotAnalysis)
		return nil
	}

	var a Analysis
	found, err := h.mirror.get(SlotAnalysis, &a)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if found {
		h.current = &a
	}
	h.mu.Unlock()
	return nil
}
