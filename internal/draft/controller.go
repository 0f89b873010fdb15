package draft

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var defaultClearBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Controller owns the draft lifecycle. Writes to the message store and the
// analysis holder run through guard so they only land while InProgress.
type Controller struct {
	mu              sync.Mutex
	mirror          mirror
	state           State
	generation      uint64
	finalizing      uint64
	operator        string
	selectedPatient string
	resets          []func()

	now          func() time.Time
	sleep        func(time.Duration)
	clearBackoff []time.Duration
	observer     Observer
	changed      *notifier
}

func newController(m mirror, operator string, now func() time.Time, sleep func(time.Duration), obs Observer, n *notifier) *Controller {
	return &Controller{
		mirror:       m,
		state:        NotStarted{},
		operator:     strings.TrimSpace(operator),
		now:          now,
		sleep:        sleep,
		clearBackoff: defaultClearBackoff,
		observer:     obs,
		changed:      n,
	}
}

// Start binds a new draft to patientID. An empty chiefComplaint gets the
// default placeholder.
func (c *Controller) Start(patientID, chiefComplaint string) (Consultation, error) {
	patientID = strings.TrimSpace(patientID)
	chiefComplaint = strings.TrimSpace(chiefComplaint)
	if chiefComplaint == "" {
		chiefComplaint = DefaultChiefComplaint
	}

	c.mu.Lock()
	if c.operator == "" {
		c.mu.Unlock()
		return Consultation{}, ErrNoOperatorIdentity
	}
	if patientID == "" {
		c.mu.Unlock()
		return Consultation{}, ErrNoPatientSelected
	}
	if _, ok := c.state.(InProgress); ok {
		c.mu.Unlock()
		return Consultation{}, ErrDraftInProgress
	}

	consultation := Consultation{
		PatientID:      patientID,
		PractitionerID: c.operator,
		ChiefComplaint: chiefComplaint,
		StartedAt:      c.now().UTC(),
	}
	c.generation++
	c.state = InProgress{Consultation: consultation, Generation: c.generation}
	c.selectedPatient = patientID
	c.mirror.put(SlotConsultation, consultation)
	c.mu.Unlock()

	c.observer.DraftStarted()
	c.changed.fire()
	return consultation, nil
}

// Cancel discards the draft without contacting the backend. In-flight
// analyze and finalize calls are not waited for; their results are dropped.
func (c *Controller) Cancel() {
	c.mu.Lock()
	_, active := c.state.(InProgress)
	c.discardLocked()
	c.mu.Unlock()

	if active {
		c.observer.DraftCancelled()
	}
	c.changed.fire()
}

// SelectPatient records the patient the operator is looking at. A draft bound
// to a different patient is discarded. It reports whether that happened.
func (c *Controller) SelectPatient(patientID string) bool {
	patientID = strings.TrimSpace(patientID)

	c.mu.Lock()
	c.selectedPatient = patientID
	discarded := false
	if s, ok := c.state.(InProgress); ok && patientID != "" && s.Consultation.PatientID != patientID {
		slog.Info("patient changed, discarding draft",
			"draft_patient", s.Consultation.PatientID,
			"selected_patient", patientID,
		)
		c.discardLocked()
		discarded = true
	}
	c.mu.Unlock()

	if discarded {
		c.observer.DraftCancelled()
	}
	c.changed.fire()
	return discarded
}

func (c *Controller) SetOperator(id string) {
	c.mu.Lock()
	c.operator = strings.TrimSpace(id)
	c.mu.Unlock()
	c.changed.fire()
}

func (c *Controller) Operator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operator
}

func (c *Controller) SelectedPatient() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedPatient
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Active() bool {
	_, ok := c.State().(InProgress)
	return ok
}

// guard runs fn with the controller locked, only while a draft is active
// and not being submitted.
func (c *Controller) guard(fn func(InProgress) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.(InProgress)
	if !ok {
		return ErrNoActiveDraft
	}
	if c.finalizing == s.Generation {
		return ErrFinalizeInProgress
	}
	return fn(s)
}

// guardGeneration is guard for callers holding a generation token from an
// earlier read.
func (c *Controller) guardGeneration(gen uint64, fn func(InProgress) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.(InProgress)
	if !ok || s.Generation != gen {
		return ErrDraftChanged
	}
	if c.finalizing == gen {
		return ErrFinalizeInProgress
	}
	return fn(s)
}

// beginFinalize freezes the active draft for submission and hands fn its
// state. Guarded writes to that draft fail with ErrFinalizeInProgress until
// endFinalize, so an accepted submission clears exactly what was sent.
func (c *Controller) beginFinalize(fn func(InProgress)) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.(InProgress)
	if !ok {
		return 0, ErrNoActiveDraft
	}
	if c.finalizing == s.Generation {
		return 0, ErrFinalizeInProgress
	}
	c.finalizing = s.Generation
	fn(s)
	return s.Generation, nil
}

func (c *Controller) endFinalize(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalizing == gen {
		c.finalizing = 0
	}
}

// onReset registers an in-memory reset hook, called with the controller
// locked whenever the draft is discarded or finalized.
func (c *Controller) onReset(fn func()) {
	c.resets = append(c.resets, fn)
}

func (c *Controller) discardLocked() {
	c.state = NotStarted{}
	for _, reset := range c.resets {
		reset()
	}
	if err := c.mirror.store.ClearDraft(c.mirror.key); err != nil {
		slog.Warn("clear draft failed", "session_key", c.mirror.key, "error", err)
	}
}

// completeIf clears a finalized draft if it is still the draft identified by
// gen. The store clear is retried; if it keeps failing the in-memory draft is
// still reset and the returned warning describes the leftover local state.
func (c *Controller) completeIf(gen uint64, rec FinalizedRecord) (string, error) {
	c.mu.Lock()
	s, ok := c.state.(InProgress)
	if !ok || s.Generation != gen {
		c.mu.Unlock()
		return "", ErrDraftChanged
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = c.mirror.store.CompleteDraft(c.mirror.key, rec)
		if err == nil || attempt >= len(c.clearBackoff) {
			break
		}
		slog.Warn("clear finalized draft failed, retrying",
			"session_key", c.mirror.key,
			"attempt", attempt+1,
			"error", err,
		)
		c.sleep(c.clearBackoff[attempt])
	}

	c.state = NotStarted{}
	for _, reset := range c.resets {
		reset()
	}
	c.mu.Unlock()
	c.changed.fire()

	if err != nil {
		slog.Error("consultation saved but local draft could not be cleared",
			"session_key", c.mirror.key,
			"consultation_id", rec.ConsultationID,
			"error", err,
		)
		return fmt.Sprintf("consultation saved but local draft could not be cleared: %v", err), nil
	}
	return "", nil
}

// restore reloads a persisted consultation. It reports whether a draft is
// active afterwards.
func (c *Controller) restore() (bool, error) {
	var consultation Consultation
	found, err := c.mirror.get(SlotConsultation, &consultation)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !found || consultation.PatientID == "" {
		c.state = NotStarted{}
		return false, nil
	}

	c.generation++
	c.state = InProgress{Consultation: consultation, Generation: c.generation}
	c.selectedPatient = consultation.PatientID
	if c.operator == "" {
		c.operator = consultation.PractitionerID
	}
	return true, nil
}
