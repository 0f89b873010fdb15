package session

import "errors"

var (
	// ErrCaptureUnsupported is returned by StartRecording when speech
	// capture is unavailable on this workstation.
	ErrCaptureUnsupported = errors.New("speech capture unsupported")
	ErrAlreadyRecording   = errors.New("recording already in progress")
)
