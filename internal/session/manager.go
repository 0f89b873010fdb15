// Package session orchestrates dictation: it drives the speech adapter,
// accumulates finalized text in a transcript buffer, records the audio, and
// turns each recording into one voice message on the draft.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/speech"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

const tickInterval = time.Second

// Manager implements speech.Listener.
type Manager struct {
	capture  Capture
	drafts   Drafts
	recorder Recorder
	hub      EventBroadcaster
	buffer   *transcribe.Buffer

	now          func() time.Time
	tickInterval time.Duration
	onError      func(speech.ErrorKind)

	mu              sync.Mutex
	state           State
	live            bool
	starting        bool
	endedEarly      bool
	recordingID     string
	lastRecordingID string
	startedAt       time.Time
	lastErr         *CaptureFailure
	stopTick        chan struct{}
}

func NewManager(capture Capture, drafts Drafts, recorder Recorder, hub EventBroadcaster) *Manager {
	return &Manager{
		capture:      capture,
		drafts:       drafts,
		recorder:     recorder,
		hub:          hub,
		buffer:       transcribe.NewBuffer(),
		now:          time.Now,
		tickInterval: tickInterval,
		state:        StateIdle,
	}
}

// OnCaptureError registers fn to observe capture error kinds.
func (m *Manager) OnCaptureError(fn func(speech.ErrorKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

func (m *Manager) CaptureSupported() bool {
	return m.capture.IsSupported()
}

func (m *Manager) StartRecording(ctx context.Context) error {
	if !m.capture.IsSupported() {
		return ErrCaptureUnsupported
	}
	if !m.drafts.Active() {
		return draft.ErrNoActiveDraft
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}
	m.state = StateRecording
	m.lastErr = nil
	id := m.nextRecordingIDLocked(m.now())
	m.mu.Unlock()

	m.buffer.Reset()

	if m.recorder != nil {
		if err := m.recorder.Start(id); err != nil {
			m.resetIdle()
			return fmt.Errorf("start audio recording: %w", err)
		}
	}

	m.mu.Lock()
	m.starting = true
	m.endedEarly = false
	m.mu.Unlock()

	// The capture outlives the request that started it.
	err := m.capture.Start(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.starting = false
	endedEarly := m.endedEarly
	m.mu.Unlock()

	if err != nil {
		if m.recorder != nil {
			if abortErr := m.recorder.Abort(); abortErr != nil {
				slog.Warn("abort audio recording", "recording_id", id, "error", abortErr)
			}
		}
		m.resetIdle()
		return fmt.Errorf("start speech capture: %w", err)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.live = true
	m.recordingID = id
	m.startedAt = m.now()
	m.stopTick = stop
	m.mu.Unlock()

	go m.tick(stop)

	slog.Info("recording started", "recording_id", id)
	m.broadcastState()
	if endedEarly {
		go m.stopAfterCapture("ended during start")
	}
	return nil
}

// StopRecording ends the active recording and appends the accumulated text
// as one voice message. It returns nil when there was nothing to append.
func (m *Manager) StopRecording() (*draft.Message, error) {
	return m.stop(true)
}

// Discard ends the active recording and drops its text and audio.
func (m *Manager) Discard() {
	if _, err := m.stop(false); err != nil {
		slog.Warn("discard recording", "error", err)
	}
}

func (m *Manager) stop(keep bool) (*draft.Message, error) {
	m.mu.Lock()
	if !m.live {
		m.mu.Unlock()
		return nil, nil
	}
	m.live = false
	m.state = StateProcessing
	id := m.recordingID
	close(m.stopTick)
	m.stopTick = nil
	m.mu.Unlock()

	m.broadcastState()
	m.capture.Stop()

	audioFile := m.finishAudio(id, keep)

	var msg *draft.Message
	var err error
	if text, ok := m.buffer.FlushAndClear(); ok && keep {
		created, appendErr := m.drafts.AppendVoice(text, audioFile)
		if appendErr != nil {
			err = fmt.Errorf("append voice message: %w", appendErr)
		} else {
			msg = &created
		}
	}

	m.resetIdle()
	if m.hub != nil {
		m.hub.BroadcastTranscriptBuffer("")
	}
	slog.Info("recording stopped", "recording_id", id, "message", msg != nil)
	m.broadcastState()
	return msg, err
}

func (m *Manager) finishAudio(id string, keep bool) string {
	if m.recorder == nil {
		return ""
	}
	if !keep {
		if err := m.recorder.Abort(); err != nil {
			slog.Warn("abort audio recording", "recording_id", id, "error", err)
		}
		return ""
	}

	path, err := m.recorder.Finish()
	if err != nil {
		slog.Warn("finish audio recording", "recording_id", id, "error", err)
		return ""
	}
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		State:       m.state,
		RecordingID: m.recordingID,
	}
	if m.live {
		snap.ElapsedSeconds = m.elapsedLocked()
	}
	if m.lastErr != nil {
		e := *m.lastErr
		snap.Error = &e
	}
	m.mu.Unlock()

	snap.AccumulatedTranscript = m.buffer.Text()
	snap.InterimPreview = m.capture.Interim()
	return snap
}

func (m *Manager) OnStart() {
	m.broadcastState()
}

func (m *Manager) OnFinal(text string) {
	m.buffer.Append(text)
	if m.hub != nil {
		m.hub.BroadcastInterimTranscript("")
		m.hub.BroadcastTranscriptBuffer(m.buffer.Text())
	}
}

func (m *Manager) OnInterim(text string) {
	if m.hub != nil {
		m.hub.BroadcastInterimTranscript(text)
	}
}

func (m *Manager) OnError(kind speech.ErrorKind) {
	failure := &CaptureFailure{Kind: kind, Message: kind.Message()}

	m.mu.Lock()
	m.lastErr = failure
	live := m.live
	if m.starting {
		m.endedEarly = true
	}
	hook := m.onError
	m.mu.Unlock()

	if hook != nil {
		hook(kind)
	}
	if m.hub != nil {
		m.hub.BroadcastCaptureError(kind, failure.Message)
	}
	if live {
		go m.stopAfterCapture("error")
	}
}

func (m *Manager) OnEnd() {
	m.mu.Lock()
	live := m.live
	if m.starting {
		m.endedEarly = true
	}
	m.mu.Unlock()

	if live {
		go m.stopAfterCapture("end")
	}
}

func (m *Manager) stopAfterCapture(reason string) {
	if _, err := m.StopRecording(); err != nil {
		slog.Error("stop recording after capture "+reason, "error", err)
	}
}

func (m *Manager) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.live {
				m.mu.Unlock()
				return
			}
			elapsed := m.elapsedLocked()
			m.mu.Unlock()

			if m.hub != nil {
				m.hub.BroadcastRecordingTick(elapsed)
			}
		}
	}
}

func (m *Manager) elapsedLocked() int {
	return int(m.now().Sub(m.startedAt) / time.Second)
}

func (m *Manager) resetIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.live = false
	m.recordingID = ""
	m.startedAt = time.Time{}
}

// nextRecordingIDLocked derives a timestamp id that never repeats the
// previous one.
func (m *Manager) nextRecordingIDLocked(now time.Time) string {
	id := now.UTC().Format("20060102150405")
	if id <= m.lastRecordingID {
		last, err := time.Parse("20060102150405", m.lastRecordingID)
		if err == nil {
			id = last.Add(time.Second).Format("20060102150405")
		}
	}
	m.lastRecordingID = id
	return id
}

func (m *Manager) broadcastState() {
	if m.hub != nil {
		m.hub.BroadcastRecordingState(m.Snapshot())
	}
}
