package server

import (
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/session"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type DraftChangedEvent struct {
	Event
	Draft draft.Snapshot `json:"draft"`
}

type RecordingStateEvent struct {
	Event
	Recording session.Snapshot `json:"recording"`
}

type RecordingTickEvent struct {
	Event
	ElapsedSeconds int `json:"elapsed_seconds"`
}

// TranscriptEvent carries interim_transcript and transcript_buffer updates.
type TranscriptEvent struct {
	Event
	Text string `json:"text"`
}

type CaptureErrorEvent struct {
	Event
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type AnalysisReadyEvent struct {
	Event
	Analysis draft.Analysis `json:"analysis"`
}

type ConsultationFinalizedEvent struct {
	Event
	ConsultationID  string `json:"consultation_id"`
	PatientID       string `json:"patient_id"`
	DurationMinutes int    `json:"duration_minutes"`
	MessageCount    int    `json:"message_count"`
	Warning         string `json:"warning,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
