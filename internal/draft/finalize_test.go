package draft

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type apiErr struct{ msg string }

func (e apiErr) Error() string       { return "backend status 422: " + e.msg }
func (e apiErr) UserMessage() string { return e.msg }

func TestFinalizeRequiresActiveDraft(t *testing.T) {
	h := newHarness(t)

	if _, err := h.draft.Finalize(t.Context()); !errors.Is(err, ErrNoActiveDraft) {
		t.Fatalf("expected ErrNoActiveDraft, got %v", err)
	}
	if len(h.backend.payloads) != 0 {
		t.Fatal("backend must not be called without a draft")
	}
}

func TestFinalizeClearsStateAtomically(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			h := newHarness(t)
			h.start(t, "pat-A")
			for i := 0; i < n; i++ {
				h.appendText(t, fmt.Sprintf("message %d", i))
			}
			if n > 0 {
				h.analyzer.result = Analysis{Diagnosis: "dx", Confidence: 0.9}
				if _, err := h.draft.Analyze(t.Context()); err != nil {
					t.Fatalf("Analyze failed: %v", err)
				}
			}

			var hooked []Result
			h.draft.Finalizer.OnFinalized(func(r Result) { hooked = append(hooked, r) })

			h.clock.Advance(10 * time.Minute)
			res, err := h.draft.Finalize(t.Context())
			if err != nil {
				t.Fatalf("Finalize failed: %v", err)
			}

			if h.draft.Controller.Active() {
				t.Fatal("expected NotStarted after finalize")
			}
			if h.draft.Messages.Len() != 0 {
				t.Fatal("expected empty message sequence after finalize")
			}
			if _, ok := h.draft.Analysis.Current(); ok {
				t.Fatal("expected empty analysis after finalize")
			}
			for _, slot := range []string{SlotConsultation, SlotMessages, SlotAnalysis} {
				if h.store.has("ws-1", slot) {
					t.Fatalf("expected slot %s cleared", slot)
				}
			}

			if res.Consultation.ID != "cons-1" || res.Record.MessageCount != n || res.Record.DurationMinutes != 10 {
				t.Fatalf("unexpected result: %+v", res)
			}
			if len(h.store.records) != 1 || h.store.records[0].ConsultationID != "cons-1" {
				t.Fatalf("expected audit record, got %+v", h.store.records)
			}
			if len(hooked) != 1 {
				t.Fatalf("expected finalized hook once, got %d", len(hooked))
			}
			if got := len(h.backend.payloads[0].Messages); got != n {
				t.Fatalf("expected %d payload messages, got %d", n, got)
			}
		})
	}
}

func TestFinalizeFailurePreservesState(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "one")
	h.appendText(t, "two")
	h.analyzer.result = Analysis{Diagnosis: "dx", Confidence: 0.4}
	if _, err := h.draft.Analyze(t.Context()); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	before := h.draft.Snapshot()
	h.backend.err = errors.New("connection refused")

	_, err := h.draft.Finalize(t.Context())
	var fe *FinalizeError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FinalizeError, got %v", err)
	}
	if fe.Message != "failed to save consultation" {
		t.Fatalf("expected generic message, got %q", fe.Message)
	}

	after := h.draft.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("expected state unchanged\nbefore=%+v\nafter=%+v", before, after)
	}
	if !h.store.has("ws-1", SlotConsultation) || !h.store.has("ws-1", SlotMessages) || !h.store.has("ws-1", SlotAnalysis) {
		t.Fatal("expected persisted draft untouched")
	}

	h.backend.err = nil
	if _, err := h.draft.Finalize(t.Context()); err != nil {
		t.Fatalf("retry Finalize failed: %v", err)
	}
	if len(h.backend.payloads) != 2 {
		t.Fatalf("expected two submissions, got %d", len(h.backend.payloads))
	}
	if !reflect.DeepEqual(h.backend.payloads[0].Messages, h.backend.payloads[1].Messages) {
		t.Fatal("retry must resubmit the same draft")
	}
}

func TestFinalizeSurfacesBackendMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.backend.err = apiErr{msg: "paciente não encontrado"}

	_, err := h.draft.Finalize(t.Context())
	if got := UserMessage(err); got != "paciente não encontrado" {
		t.Fatalf("expected backend message, got %q", got)
	}
}

func TestFinalizeResponseAfterCancelIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")

	var hooked int
	h.draft.Finalizer.OnFinalized(func(Result) { hooked++ })
	h.backend.hook = func() {
		h.draft.Cancel()
		h.start(t, "pat-B")
		h.appendText(t, "new draft")
	}

	res, err := h.draft.Finalize(t.Context())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !res.Discarded {
		t.Fatal("expected late response to be discarded")
	}
	if hooked != 0 {
		t.Fatal("discarded finalize must not run hooks")
	}

	state, ok := h.draft.Controller.State().(InProgress)
	if !ok || state.Consultation.PatientID != "pat-B" {
		t.Fatalf("new draft must survive late finalize response, got %+v", h.draft.Controller.State())
	}
	if h.draft.Messages.Len() != 1 {
		t.Fatal("new draft messages must survive late finalize response")
	}
	if len(h.store.records) != 0 {
		t.Fatal("discarded finalize must not write an audit record")
	}
}

func TestConcurrentFinalizeIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")

	var inner error
	h.backend.hook = func() {
		h.backend.hook = nil
		_, inner = h.draft.Finalize(t.Context())
	}

	if _, err := h.draft.Finalize(t.Context()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !errors.Is(inner, ErrFinalizeInProgress) {
		t.Fatalf("expected ErrFinalizeInProgress, got %v", inner)
	}
}

func TestWritesDuringFinalizeAreRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	first := h.appendText(t, "queixa inicial")

	var appendErr, editErr, voiceErr, analyzeErr error
	h.backend.hook = func() {
		_, appendErr = h.draft.AppendText("late note")
		_, editErr = h.draft.EditMessage(first.ID, "edited while sending")
		_, voiceErr = h.draft.AppendVoice("late dictation", "")
		_, analyzeErr = h.draft.Analyze(t.Context())
	}

	res, err := h.draft.Finalize(t.Context())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	for name, err := range map[string]error{
		"append":  appendErr,
		"edit":    editErr,
		"voice":   voiceErr,
		"analyze": analyzeErr,
	} {
		if !errors.Is(err, ErrFinalizeInProgress) {
			t.Fatalf("expected %s during finalize to fail with ErrFinalizeInProgress, got %v", name, err)
		}
	}

	sent := h.backend.payloads[0].Messages
	if len(sent) != 1 || res.Record.MessageCount != len(sent) {
		t.Fatalf("expected record to match the one sent message, got %d sent and %+v", len(sent), res.Record)
	}
	if sent[0].Content != "queixa inicial" {
		t.Fatalf("expected unedited content to be sent, got %q", sent[0].Content)
	}
}

func TestWritesResumeAfterFailedFinalize(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.appendText(t, "note")
	h.backend.err = errors.New("backend down")

	if _, err := h.draft.Finalize(t.Context()); err == nil {
		t.Fatal("expected finalize error")
	}
	h.appendText(t, "after failure")
	if h.draft.Messages.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", h.draft.Messages.Len())
	}
}

func TestFinalizeRetriesLocalClear(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	h.store.completeErrs = []error{errors.New("database is locked"), errors.New("database is locked")}

	res, err := h.draft.Finalize(t.Context())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Warning != "" {
		t.Fatalf("expected no warning after successful retry, got %q", res.Warning)
	}
	if h.store.completes != 3 {
		t.Fatalf("expected 3 clear attempts, got %d", h.store.completes)
	}
	if !reflect.DeepEqual(h.sleeps, defaultClearBackoff[:2]) {
		t.Fatalf("unexpected backoff sleeps: %v", h.sleeps)
	}
	if h.store.has("ws-1", SlotConsultation) {
		t.Fatal("expected consultation slot cleared")
	}
}

func TestFinalizeReportsPersistentClearFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t, "pat-A")
	boom := errors.New("disk full")
	h.store.completeErrs = []error{boom, boom, boom, boom}

	res, err := h.draft.Finalize(t.Context())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Warning == "" {
		t.Fatal("expected warning when local clear keeps failing")
	}
	if h.draft.Controller.Active() {
		t.Fatal("in-memory draft must be cleared after backend acceptance")
	}
	if h.store.completes != 1+len(defaultClearBackoff) {
		t.Fatalf("expected %d attempts, got %d", 1+len(defaultClearBackoff), h.store.completes)
	}
}

func TestDurationMinutes(t *testing.T) {
	start := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{125 * time.Second, 2},
		{29 * time.Second, 0},
		{90 * time.Second, 2},
		{45 * time.Minute, 45},
	}
	for _, tc := range cases {
		if got := DurationMinutes(start, start.Add(tc.elapsed)); got != tc.want {
			t.Fatalf("DurationMinutes(%v) = %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestConfidenceLevel(t *testing.T) {
	cases := map[float64]string{
		0.85: "High",
		0.8:  "Medium",
		0.6:  "Medium",
		0.5:  "Low",
		0.3:  "Low",
	}
	for confidence, want := range cases {
		if got := ConfidenceLevel(confidence); got != want {
			t.Fatalf("ConfidenceLevel(%v) = %q, want %q", confidence, got, want)
		}
	}
}

func TestBuildPayloadMapsMessagesAndAnalysis(t *testing.T) {
	started := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	c := Consultation{PatientID: "pat-A", PractitionerID: "prof-1", ChiefComplaint: "cough", StartedAt: started}
	messages := []Message{
		{ID: "local-1", Content: "typed", IsVoice: false},
		{ID: "local-2", Content: "spoken", IsVoice: true, AudioFile: "rec 1.mp3"},
		{ID: "local-3", Content: "spoken, no file", IsVoice: true},
	}
	analysis := &Analysis{
		Symptoms:             []string{"cough"},
		Diagnosis:            "bronchitis",
		CID10:                "J20",
		SuggestedExams:       []SuggestedExam{{Name: "chest x-ray", Reason: "rule out pneumonia", Priority: "alta"}},
		SuggestedMedications: []SuggestedMedication{{Name: "amoxicillin", Dosage: "500mg", Route: "oral", Frequency: "8/8h"}},
		Confidence:           0.6,
		Notes:                "follow up in 7 days",
	}

	p := BuildPayload(c, messages, analysis, started.Add(125*time.Second), "http://scribe.local:8080/")

	if p.DurationMinutes != 2 {
		t.Fatalf("expected 2 minutes, got %d", p.DurationMinutes)
	}
	want := []PayloadMessage{
		{Content: "typed", Kind: "texto"},
		{Content: "spoken", Kind: "audio", AudioURL: "http://scribe.local:8080/api/recordings/rec%201.mp3"},
		{Content: "spoken, no file", Kind: "audio"},
	}
	if !reflect.DeepEqual(p.Messages, want) {
		t.Fatalf("unexpected messages:\n got=%+v\nwant=%+v", p.Messages, want)
	}
	if p.Analysis == nil {
		t.Fatal("expected analysis in payload")
	}
	if p.Analysis.ConfidenceLevel != "Medium" || p.Analysis.CID10 != "J20" || p.Analysis.ClinicalNotes != "follow up in 7 days" {
		t.Fatalf("unexpected analysis mapping: %+v", p.Analysis)
	}
	if p.Analysis.Exams[0] != (PayloadExam{Name: "chest x-ray", Justification: "rule out pneumonia"}) {
		t.Fatalf("unexpected exam mapping: %+v", p.Analysis.Exams)
	}
	if p.Analysis.Medications[0] != (PayloadMedication{Name: "amoxicillin", Dosage: "500mg", Frequency: "8/8h"}) {
		t.Fatalf("unexpected medication mapping: %+v", p.Analysis.Medications)
	}

	if noAnalysis := BuildPayload(c, nil, nil, started, ""); noAnalysis.Analysis != nil || noAnalysis.Messages == nil {
		t.Fatalf("expected empty messages and no analysis, got %+v", noAnalysis)
	}
}
