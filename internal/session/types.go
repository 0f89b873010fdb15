package session

import (
	"context"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/speech"
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
)

// CaptureFailure is the last capture error of a recording.
type CaptureFailure struct {
	Kind    speech.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// Snapshot is the transient recording session.
type Snapshot struct {
	State                 State           `json:"state"`
	RecordingID           string          `json:"recording_id,omitempty"`
	AccumulatedTranscript string          `json:"accumulated_transcript"`
	InterimPreview        string          `json:"interim_preview"`
	ElapsedSeconds        int             `json:"elapsed_seconds"`
	Error                 *CaptureFailure `json:"error,omitempty"`
}

// Capture is the speech adapter driven by the Manager.
type Capture interface {
	IsSupported() bool
	Start(ctx context.Context) error
	Stop()
	Interim() string
}

// Drafts receives dictated messages.
type Drafts interface {
	Active() bool
	AppendVoice(content, audioFile string) (draft.Message, error)
}

type Recorder interface {
	Start(recordingID string) error
	Finish() (string, error)
	Abort() error
}

type EventBroadcaster interface {
	BroadcastRecordingState(snap Snapshot)
	BroadcastRecordingTick(elapsedSeconds int)
	BroadcastInterimTranscript(text string)
	BroadcastTranscriptBuffer(text string)
	BroadcastCaptureError(kind speech.ErrorKind, message string)
}
