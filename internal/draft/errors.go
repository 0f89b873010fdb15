package draft

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveDraft      = errors.New("no active draft consultation")
	ErrNoOperatorIdentity = errors.New("no operator identity")
	ErrNoPatientSelected  = errors.New("no patient selected")
	ErrDraftInProgress    = errors.New("draft consultation already in progress")
	ErrInsufficientData   = errors.New("insufficient data for analysis")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrMessageNotFound    = errors.New("message not found")
	ErrDraftChanged       = errors.New("draft changed while request was in flight")
	ErrFinalizeInProgress = errors.New("finalize already in progress")
)

const genericFinalizeMessage = "failed to save consultation"

// FinalizeError is returned when the backend rejects a consultation. Message
// is safe to show to the user.
type FinalizeError struct {
	Message string
	Err     error
}

func (e *FinalizeError) Error() string {
	return e.Message
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

func newFinalizeError(err error) *FinalizeError {
	var carrier interface{ UserMessage() string }
	if errors.As(err, &carrier) {
		if msg := carrier.UserMessage(); msg != "" {
			return &FinalizeError{Message: msg, Err: err}
		}
	}
	return &FinalizeError{Message: genericFinalizeMessage, Err: err}
}

// UserMessage returns the message to show for an error raised by this package.
func UserMessage(err error) string {
	var fe *FinalizeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return fe.Message
	case errors.Is(err, ErrNoActiveDraft):
		return "Start the consultation first."
	case errors.Is(err, ErrNoOperatorIdentity):
		return "User not identified."
	case errors.Is(err, ErrNoPatientSelected):
		return "Select a patient first."
	case errors.Is(err, ErrDraftInProgress):
		return "A consultation is already in progress."
	case errors.Is(err, ErrInsufficientData):
		return "Insufficient data for analysis."
	case errors.Is(err, ErrEmptyContent):
		return "Message cannot be empty."
	case errors.Is(err, ErrMessageNotFound):
		return "Message not found."
	case errors.Is(err, ErrDraftChanged):
		return "The consultation changed before the request finished."
	case errors.Is(err, ErrFinalizeInProgress):
		return "The consultation is already being saved."
	default:
		return fmt.Sprintf("Unexpected error: %v", err)
	}
}

// Code is a stable machine-readable name for an error raised by this package.
func Code(err error) string {
	var fe *FinalizeError
	switch {
	case errors.As(err, &fe):
		return "backend-rejected"
	case errors.Is(err, ErrNoActiveDraft):
		return "no-active-draft"
	case errors.Is(err, ErrNoOperatorIdentity):
		return "no-operator-identity"
	case errors.Is(err, ErrNoPatientSelected):
		return "no-patient-selected"
	case errors.Is(err, ErrDraftInProgress):
		return "draft-in-progress"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient-data"
	case errors.Is(err, ErrEmptyContent):
		return "empty-content"
	case errors.Is(err, ErrMessageNotFound):
		return "message-not-found"
	case errors.Is(err, ErrDraftChanged):
		return "draft-changed"
	case errors.Is(err, ErrFinalizeInProgress):
		return "finalize-in-progress"
	default:
		return "internal"
	}
}
