package draft

import (
	"encoding/json"
	"time"
)

// DefaultChiefComplaint is used when a consultation starts without one.
const DefaultChiefComplaint = "Consultation started"

// Consultation is the provisional encounter a draft is bound to. The JSON
// shape is the persisted layout of the active_consultation slot.
type Consultation struct {
	PatientID      string    `json:"paciente_id"`
	PractitionerID string    `json:"profissional_id"`
	ChiefComplaint string    `json:"queixa_principal"`
	StartedAt      time.Time `json:"iniciada_em"`
}

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Message is one entry of the draft log. Only MessageUser entries are created
// locally; the other types exist so persisted logs round-trip.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	IsVoice   bool        `json:"isVoice"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`
	EditCount int         `json:"editCount,omitempty"`
	AudioFile string      `json:"audioFile,omitempty"`
}

type SuggestedExam struct {
	Name     string `json:"nome"`
	Reason   string `json:"motivo"`
	Priority string `json:"prioridade,omitempty"`
}

type SuggestedMedication struct {
	Name      string `json:"nome"`
	Dosage    string `json:"dosagem"`
	Route     string `json:"via,omitempty"`
	Frequency string `json:"frequencia"`
	Duration  string `json:"duracao,omitempty"`
	Notes     string `json:"observacoes,omitempty"`
}

// Analysis is the AI-assisted reading of a draft. Confidence is in [0, 1].
type Analysis struct {
	Symptoms             []string              `json:"symptoms"`
	Diagnosis            string                `json:"diagnosis"`
	CID10                string                `json:"cid10,omitempty"`
	SuggestedExams       []SuggestedExam       `json:"suggestedExams"`
	SuggestedMedications []SuggestedMedication `json:"suggestedMedications"`
	Confidence           float64               `json:"confidence"`
	Notes                string                `json:"notes"`
}

// AnalysisInput is the draft snapshot handed to an Analyzer.
type AnalysisInput struct {
	PatientID string
	StartedAt time.Time
	Messages  []Message
}

// FinalizedRecord is the local audit row written when a finalized draft is
// cleared. It carries no clinical content.
type FinalizedRecord struct {
	SessionKey      string    `json:"session_key"`
	ConsultationID  string    `json:"consultation_id"`
	PatientID       string    `json:"patient_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationMinutes int       `json:"duration_minutes"`
	MessageCount    int       `json:"message_count"`
}

// Completed is the backend's view of an accepted consultation.
type Completed struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"data,omitempty"`
}

// Phase names a lifecycle state for display and transport.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
)

// State is the draft lifecycle: either NotStarted or InProgress.
type State interface {
	Phase() Phase
	sealed()
}

type NotStarted struct{}

func (NotStarted) Phase() Phase { return PhaseNotStarted }
func (NotStarted) sealed()      {}

// InProgress carries the bound consultation. Generation identifies this draft
// lifetime; results computed against an older generation are discarded.
type InProgress struct {
	Consultation Consultation
	Generation   uint64
}

func (InProgress) Phase() Phase { return PhaseInProgress }
func (InProgress) sealed()      {}

// Snapshot is a read of the whole draft, safe to serialize.
type Snapshot struct {
	Phase           Phase         `json:"phase"`
	Consultation    *Consultation `json:"consultation,omitempty"`
	Operator        string        `json:"operator"`
	SelectedPatient string        `json:"selected_patient"`
	Messages        []Message     `json:"messages"`
	Analysis        *Analysis     `json:"analysis,omitempty"`
}
