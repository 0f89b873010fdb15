package speech

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported    = errors.New("speech capture is not supported")
	ErrAlreadyStarted = errors.New("speech capture already started")
)

// Raw error codes reported by a Source through Sink.Failed or CaptureError.
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
)

// ErrorKind is the normalized capture error category shown to users.
type ErrorKind string

const (
	KindNoSpeech           ErrorKind = "no-speech-detected"
	KindMicUnavailable     ErrorKind = "microphone-unavailable"
	KindPermissionDenied   ErrorKind = "permission-denied"
	KindNetwork            ErrorKind = "network-error"
	KindCaptureFailed      ErrorKind = "capture-failed"
	KindCaptureUnavailable ErrorKind = "capture-unavailable"
)

// KindFor maps a raw source error code onto an ErrorKind.
func KindFor(code string) ErrorKind {
	switch code {
	case CodeNoSpeech:
		return KindNoSpeech
	case CodeAudioCapture:
		return KindMicUnavailable
	case CodeNotAllowed:
		return KindPermissionDenied
	case CodeNetwork:
		return KindNetwork
	default:
		return KindCaptureFailed
	}
}

func (k ErrorKind) Message() string {
	switch k {
	case KindNoSpeech:
		return "No speech detected. Try again."
	case KindMicUnavailable:
		return "Microphone not available."
	case KindPermissionDenied:
		return "Microphone permission denied."
	case KindNetwork:
		return "Network error during speech recognition."
	case KindCaptureUnavailable:
		return "Speech recognition is not available on this workstation."
	default:
		return "Speech recognition failed."
	}
}

// CaptureError is returned by Source.Begin when a capture cannot start.
type CaptureError struct {
	Code string
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("speech capture: %s", e.Code)
	}
	return fmt.Sprintf("speech capture: %s: %v", e.Code, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func (e *CaptureError) Kind() ErrorKind {
	return KindFor(e.Code)
}

// KindOf extracts the ErrorKind carried by err, defaulting to capture-failed.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrUnsupported) {
		return KindCaptureUnavailable
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return KindCaptureFailed
}
