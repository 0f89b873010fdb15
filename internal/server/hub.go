package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/session"
	"github.com/sjawhar/ghost-scribe/internal/speech"
)

// Hub fans events out to websocket subscribers. Slow subscribers miss
// events rather than block the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastDraftChanged(snap draft.Snapshot) {
	h.broadcastEvent(DraftChangedEvent{
		Event: newEvent("draft_changed", time.Now().UTC()),
		Draft: snap,
	})
}

func (h *Hub) BroadcastRecordingState(snap session.Snapshot) {
	h.broadcastEvent(RecordingStateEvent{
		Event:     newEvent("recording_state", time.Now().UTC()),
		Recording: snap,
	})
}

func (h *Hub) BroadcastRecordingTick(elapsedSeconds int) {
	h.broadcastEvent(RecordingTickEvent{
		Event:          newEvent("recording_tick", time.Now().UTC()),
		ElapsedSeconds: elapsedSeconds,
	})
}

func (h *Hub) BroadcastInterimTranscript(text string) {
	h.broadcastEvent(TranscriptEvent{Event: newEvent("interim_transcript", time.Now().UTC()), Text: text})
}

func (h *Hub) BroadcastTranscriptBuffer(text string) {
	h.broadcastEvent(TranscriptEvent{Event: newEvent("transcript_buffer", time.Now().UTC()), Text: text})
}

func (h *Hub) BroadcastCaptureError(kind speech.ErrorKind, message string) {
	h.broadcastEvent(CaptureErrorEvent{
		Event:   newEvent("capture_error", time.Now().UTC()),
		Kind:    string(kind),
		Message: message,
	})
}

func (h *Hub) BroadcastAnalysisReady(a draft.Analysis) {
	h.broadcastEvent(AnalysisReadyEvent{
		Event:    newEvent("analysis_ready", time.Now().UTC()),
		Analysis: a,
	})
}

func (h *Hub) BroadcastConsultationFinalized(res draft.Result) {
	h.broadcastEvent(ConsultationFinalizedEvent{
		Event:           newEvent("consultation_finalized", res.Record.CompletedAt),
		ConsultationID:  res.Consultation.ID,
		PatientID:       res.Record.PatientID,
		DurationMinutes: res.Record.DurationMinutes,
		MessageCount:    res.Record.MessageCount,
		Warning:         res.Warning,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
