package draft

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Slots under which a draft is persisted, namespaced by session key.
const (
	SlotConsultation = "active_consultation"
	SlotMessages     = "active_consultation_messages"
	SlotAnalysis     = "active_consultation_analysis"
)

// Store persists draft slots as JSON documents keyed by (session key, slot).
// GetDraftValue returns nil, nil when the slot is absent.
type Store interface {
	PutDraftValue(sessionKey, slot string, payload []byte) error
	GetDraftValue(sessionKey, slot string) ([]byte, error)
	DeleteDraftValue(sessionKey, slot string) error
	ClearDraft(sessionKey string) error
	CompleteDraft(sessionKey string, rec FinalizedRecord) error
}

// mirror binds a Store to one draft session key.
type mirror struct {
	store Store
	key   string
}

func (m mirror) put(slot string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode draft slot failed", "slot", slot, "error", err)
		return
	}
	if err := m.store.PutDraftValue(m.key, slot, payload); err != nil {
		slog.Warn("mirror draft slot failed", "session_key", m.key, "slot", slot, "error", err)
	}
}

func (m mirror) get(slot string, v any) (bool, error) {
	payload, err := m.store.GetDraftValue(m.key, slot)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", slot, err)
	}
	if payload == nil {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", slot, err)
	}
	return true, nil
}

func (m mirror) del(slot string) {
	if err := m.store.DeleteDraftValue(m.key, slot); err != nil {
		slog.Warn("remove draft slot failed", "session_key", m.key, "slot", slot, "error", err)
	}
}
