package draft

import (
	"errors"
	"testing"
)

func TestAnalyzeRequiresActiveDraftAndMessages(t *testing.T) {
	h := newHarness(t)

	if _, err := h.draft.Analyze(t.Context()); !errors.Is(err, ErrNoActiveDraft) {
		t.Fatalf("expected ErrNoActiveDraft, got %v", err)
	}

	h.start(t, "pat-A")
	if _, err := h.draft.Analyze(t.Context()); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData with zero messages, got %v", err)
	}
	if h.analyzer.calls != 0 {
		t.Fatalf("analyzer must not run without data, got %d calls", h.analyzer.calls)
	}
}

func TestAnalyzeStoresAndReplacesResult(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "chest pain when climbing stairs")

	h.analyzer.result = Analysis{Diagnosis: "stable angina", Confidence: 0.7}
	got, err := h.draft.Analyze(t.Context())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if got.Diagnosis != "stable angina" {
		t.Fatalf("unexpected analysis: %+v", got)
	}
	if in := h.analyzer.inputs[0]; in.PatientID != "pat-A" || len(in.Messages) != 1 {
		t.Fatalf("unexpected analyzer input: %+v", in)
	}
	if !h.store.has("ws-1", SlotAnalysis) {
		t.Fatal("expected analysis slot persisted")
	}

	h.analyzer.result = Analysis{Diagnosis: "unstable angina", Confidence: 0.85}
	if _, err := h.draft.Analyze(t.Context()); err != nil {
		t.Fatalf("second Analyze failed: %v", err)
	}
	current, ok := h.draft.Analysis.Current()
	if !ok || current.Diagnosis != "unstable angina" {
		t.Fatalf("expected replaced analysis, got %+v", current)
	}
}

func TestAnalyzeErrorKeepsPreviousResult(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")

	h.analyzer.result = Analysis{Diagnosis: "first"}
	if _, err := h.draft.Analyze(t.Context()); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	h.analyzer.err = errors.New("provider down")
	if _, err := h.draft.Analyze(t.Context()); err == nil {
		t.Fatal("expected analyzer error")
	}
	if current, _ := h.draft.Analysis.Current(); current.Diagnosis != "first" {
		t.Fatalf("expected previous analysis kept, got %+v", current)
	}
}

func TestAnalysisArrivingAfterCancelIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")

	h.analyzer.result = Analysis{Diagnosis: "late"}
	h.analyzer.hook = func() { h.draft.Cancel() }

	if _, err := h.draft.Analyze(t.Context()); !errors.Is(err, ErrDraftChanged) {
		t.Fatalf("expected ErrDraftChanged, got %v", err)
	}
	if _, ok := h.draft.Analysis.Current(); ok {
		t.Fatal("late analysis must not resurrect state")
	}
	if h.store.has("ws-1", SlotAnalysis) {
		t.Fatal("late analysis must not be persisted")
	}
}

func TestAnalysisFromPreviousDraftIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")

	h.analyzer.hook = func() {
		h.draft.Cancel()
		h.start(t, "pat-A")
	}
	h.analyzer.result = Analysis{Diagnosis: "for the old draft"}

	if _, err := h.draft.Analyze(t.Context()); !errors.Is(err, ErrDraftChanged) {
		t.Fatalf("expected ErrDraftChanged, got %v", err)
	}
	if _, ok := h.draft.Analysis.Current(); ok {
		t.Fatal("analysis from an earlier draft must not attach to the new one")
	}
}

func TestClearRemovesAnalysis(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")
	h.analyzer.result = Analysis{Diagnosis: "x"}
	if _, err := h.draft.Analyze(t.Context()); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	h.draft.ClearAnalysis()

	if _, ok := h.draft.Analysis.Current(); ok {
		t.Fatal("expected no analysis after clear")
	}
	if h.store.has("ws-1", SlotAnalysis) {
		t.Fatal("expected analysis slot removed")
	}
}
