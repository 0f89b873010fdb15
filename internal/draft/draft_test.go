package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu           sync.Mutex
	values       map[string][]byte
	records      []FinalizedRecord
	completeErrs []error
	completes    int
}

func newMemStore() *memStore {
	return &memStore{values: map[string][]byte{}}
}

func slotKey(sessionKey, slot string) string {
	return sessionKey + "/" + slot
}

func (s *memStore) PutDraftValue(sessionKey, slot string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[slotKey(sessionKey, slot)] = append([]byte(nil), payload...)
	return nil
}

func (s *memStore) GetDraftValue(sessionKey, slot string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[slotKey(sessionKey, slot)], nil
}

func (s *memStore) DeleteDraftValue(sessionKey, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, slotKey(sessionKey, slot))
	return nil
}

func (s *memStore) ClearDraft(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range []string{SlotConsultation, SlotMessages, SlotAnalysis} {
		delete(s.values, slotKey(sessionKey, slot))
	}
	return nil
}

func (s *memStore) CompleteDraft(sessionKey string, rec FinalizedRecord) error {
	s.mu.Lock()
	s.completes++
	if len(s.completeErrs) > 0 {
		err := s.completeErrs[0]
		s.completeErrs = s.completeErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return s.ClearDraft(sessionKey)
}

func (s *memStore) has(sessionKey, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[slotKey(sessionKey, slot)]
	return ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubAnalyzer struct {
	result Analysis
	err    error
	calls  int
	inputs []AnalysisInput
	hook   func()
}

func (a *stubAnalyzer) Analyze(_ context.Context, in AnalysisInput) (Analysis, error) {
	a.calls++
	a.inputs = append(a.inputs, in)
	if a.hook != nil {
		a.hook()
	}
	return a.result, a.err
}

type stubBackend struct {
	completed Completed
	err       error
	payloads  []CompletionPayload
	hook      func()
}

func (b *stubBackend) CompleteConsultation(_ context.Context, p CompletionPayload) (Completed, error) {
	b.payloads = append(b.payloads, p)
	if b.hook != nil {
		b.hook()
	}
	return b.completed, b.err
}

type countingObserver struct {
	mu        sync.Mutex
	started   int
	cancelled int
	voice     int
	typed     int
	finalized int
}

func (o *countingObserver) DraftStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) DraftCancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled++
}

func (o *countingObserver) MessageAppended(voice bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if voice {
		o.voice++
	} else {
		o.typed++
	}
}

func (o *countingObserver) AnalysisFinished(time.Duration, error) {}

func (o *countingObserver) FinalizeFinished(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finalized++
}

type harness struct {
	store    *memStore
	clock    *fakeClock
	analyzer *stubAnalyzer
	backend  *stubBackend
	observer *countingObserver
	sleeps   []time.Duration
	draft    *Draft
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return openHarness(t, newMemStore(), "prof-1")
}

func openHarness(t *testing.T, store *memStore, operator string) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		clock:    newFakeClock(),
		analyzer: &stubAnalyzer{},
		backend:  &stubBackend{completed: Completed{ID: "cons-1"}},
		observer: &countingObserver{},
	}
	ids := 0
	d, err := Open(store, Options{
		SessionKey: "ws-1",
		Operator:   operator,
		Analyzer:   h.analyzer,
		Backend:    h.backend,
		Observer:   h.observer,
		Now:        h.clock.Now,
		NewID: func() string {
			ids++
			return fmt.Sprintf("local-%d", ids)
		},
		Sleep: func(d time.Duration) { h.sleeps = append(h.sleeps, d) },
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h.draft = d
	return h
}

func (h *harness) start(t *testing.T, patientID string) Consultation {
	t.Helper()
	c, err := h.draft.Start(patientID, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

func (h *harness) appendText(t *testing.T, content string) Message {
	t.Helper()
	m, err := h.draft.AppendText(content)
	if err != nil {
		t.Fatalf("AppendText failed: %v", err)
	}
	return m
}

func TestOpenRequiresStore(t *testing.T) {
	if _, err := Open(nil, Options{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestSnapshotReflectsDraft(t *testing.T) {
	h := newHarness(t)

	snap := h.draft.Snapshot()
	if snap.Phase != PhaseNotStarted || snap.Consultation != nil {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
	if snap.Messages == nil {
		t.Fatal("expected non-nil empty messages")
	}

	h.start(t, "pat-A")
	h.appendText(t, "headache since monday")

	snap = h.draft.Snapshot()
	if snap.Phase != PhaseInProgress {
		t.Fatalf("expected in progress, got %q", snap.Phase)
	}
	if snap.Consultation == nil || snap.Consultation.PatientID != "pat-A" {
		t.Fatalf("expected consultation for pat-A, got %+v", snap.Consultation)
	}
	if len(snap.Messages) != 1 || snap.Operator != "prof-1" || snap.SelectedPatient != "pat-A" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestOnChangeFiresAfterMutations(t *testing.T) {
	h := newHarness(t)

	var count int
	h.draft.OnChange(func() {
		// Reading inside the callback must not deadlock.
		_ = h.draft.Snapshot()
		count++
	})

	h.start(t, "pat-A")
	m := h.appendText(t, "one")
	if _, err := h.draft.EditMessage(m.ID, "two"); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	h.draft.Cancel()

	if count != 4 {
		t.Fatalf("expected 4 change notifications, got %d", count)
	}
}

func TestUserMessageAndCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrNoActiveDraft, "no-active-draft"},
		{ErrNoOperatorIdentity, "no-operator-identity"},
		{ErrInsufficientData, "insufficient-data"},
		{fmt.Errorf("edit x: %w", ErrMessageNotFound), "message-not-found"},
		{&FinalizeError{Message: "duplicate"}, "backend-rejected"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.code)
		}
		if UserMessage(tc.err) == "" {
			t.Fatalf("expected user message for %v", tc.err)
		}
	}
	if UserMessage(ErrNoActiveDraft) != "Start the consultation first." {
		t.Fatalf("unexpected no-active-draft message %q", UserMessage(ErrNoActiveDraft))
	}
	if got := UserMessage(&FinalizeError{Message: "duplicate", Err: errors.New("409")}); got != "duplicate" {
		t.Fatalf("expected finalize message passthrough, got %q", got)
	}
}
