package draft

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"slices"
	"sync"
	"time"
)

// Confidence label thresholds. A confidence strictly above the threshold
// earns the label.
const (
	HighConfidenceThreshold   = 0.8
	MediumConfidenceThreshold = 0.5
)

const (
	MessageKindAudio = "audio"
	MessageKindText  = "texto"
)

// Backend accepts a finalized consultation.
type Backend interface {
	CompleteConsultation(ctx context.Context, payload CompletionPayload) (Completed, error)
}

// CompletionPayload is the body of POST /{workspace}/consultations/complete.
type CompletionPayload struct {
	PatientID       string           `json:"paciente_id"`
	PractitionerID  string           `json:"profissional_id"`
	ChiefComplaint  string           `json:"queixa_principal"`
	StartedAt       time.Time        `json:"iniciada_em"`
	CompletedAt     time.Time        `json:"concluida_em"`
	DurationMinutes int              `json:"duracao_minutos"`
	Messages        []PayloadMessage `json:"messages"`
	Analysis        *PayloadAnalysis `json:"analysis,omitempty"`
}

type PayloadMessage struct {
	Content  string `json:"conteudo"`
	Kind     string `json:"tipo_mensagem"`
	AudioURL string `json:"audio_url,omitempty"`
}

type PayloadAnalysis struct {
	Diagnosis       string              `json:"diagnostico"`
	CID10           string              `json:"cid10,omitempty"`
	Symptoms        []string            `json:"sintomas"`
	Exams           []PayloadExam       `json:"exames_sugeridos"`
	Medications     []PayloadMedication `json:"medicamentos_sugeridos"`
	ClinicalNotes   string              `json:"notas_clinicas"`
	ConfidenceLevel string              `json:"nivel_confianca"`
}

type PayloadExam struct {
	Name          string `json:"nome"`
	Justification string `json:"justificativa"`
}

type PayloadMedication struct {
	Name      string `json:"nome"`
	Dosage    string `json:"dosagem"`
	Frequency string `json:"frequencia"`
}

// Result describes an accepted finalize. Discarded is set when the draft was
// cancelled or replaced while the request was in flight, in which case no
// local state was touched.
type Result struct {
	Consultation Completed       `json:"consultation"`
	Record       FinalizedRecord `json:"record"`
	Discarded    bool            `json:"discarded,omitempty"`
	Warning      string          `json:"warning,omitempty"`
}

// Finalizer sends the active draft to the backend and clears it on success.
type Finalizer struct {
	ctrl         *Controller
	messages     *MessageStore
	analysis     *AnalysisHolder
	backend      Backend
	audioBaseURL string
	now          func() time.Time
	observer     Observer

	mu    sync.Mutex
	hooks []func(Result)
}

// OnFinalized registers fn to run after a draft is accepted and cleared.
func (f *Finalizer) OnFinalized(fn func(Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

// Finalize submits the active draft. On rejection the draft is left as it was
// and a *FinalizeError is returned. Writes to the draft are rejected until the
// backend answers.
func (f *Finalizer) Finalize(ctx context.Context) (Result, error) {
	var (
		consultation Consultation
		messages     []Message
		analysis     *Analysis
	)
	gen, err := f.ctrl.beginFinalize(func(s InProgress) {
		consultation = s.Consultation
		messages = f.messages.List()
		if a, ok := f.analysis.Current(); ok {
			analysis = &a
		}
	})
	if err != nil {
		return Result{}, err
	}
	defer f.ctrl.endFinalize(gen)

	completedAt := f.now().UTC()
	payload := BuildPayload(consultation, messages, analysis, completedAt, f.audioBaseURL)

	completed, err := f.backend.CompleteConsultation(ctx, payload)
	f.observer.FinalizeFinished(f.now().Sub(completedAt), err)
	if err != nil {
		slog.Warn("finalize consultation rejected", "patient_id", consultation.PatientID, "error", err)
		return Result{}, newFinalizeError(err)
	}

	result := Result{
		Consultation: completed,
		Record: FinalizedRecord{
			SessionKey:      f.ctrl.mirror.key,
			ConsultationID:  completed.ID,
			PatientID:       consultation.PatientID,
			StartedAt:       consultation.StartedAt,
			CompletedAt:     completedAt,
			DurationMinutes: payload.DurationMinutes,
			MessageCount:    len(messages),
		},
	}

	warning, err := f.ctrl.completeIf(gen, result.Record)
	if errors.Is(err, ErrDraftChanged) {
		slog.Warn("discarding finalize response for a draft that is no longer active",
			"consultation_id", completed.ID,
			"patient_id", consultation.PatientID,
		)
		result.Discarded = true
		return result, nil
	}
	result.Warning = warning

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(result)
	}

	return result, nil
}

// BuildPayload maps a draft onto the backend's completion shape.
func BuildPayload(c Consultation, messages []Message, analysis *Analysis, completedAt time.Time, audioBaseURL string) CompletionPayload {
	payload := CompletionPayload{
		PatientID:       c.PatientID,
		PractitionerID:  c.PractitionerID,
		ChiefComplaint:  c.ChiefComplaint,
		StartedAt:       c.StartedAt,
		CompletedAt:     completedAt,
		DurationMinutes: DurationMinutes(c.StartedAt, completedAt),
		Messages:        make([]PayloadMessage, 0, len(messages)),
	}

	for _, m := range messages {
		pm := PayloadMessage{Content: m.Content, Kind: MessageKindText}
		if m.IsVoice {
			pm.Kind = MessageKindAudio
			pm.AudioURL = audioURL(audioBaseURL, m.AudioFile)
		}
		payload.Messages = append(payload.Messages, pm)
	}

	if analysis != nil {
		pa := &PayloadAnalysis{
			Diagnosis:       analysis.Diagnosis,
			CID10:           analysis.CID10,
			Symptoms:        append([]string{}, analysis.Symptoms...),
			Exams:           make([]PayloadExam, 0, len(analysis.SuggestedExams)),
			Medications:     make([]PayloadMedication, 0, len(analysis.SuggestedMedications)),
			ClinicalNotes:   analysis.Notes,
			ConfidenceLevel: ConfidenceLevel(analysis.Confidence),
		}
		for _, e := range analysis.SuggestedExams {
			pa.Exams = append(pa.Exams, PayloadExam{Name: e.Name, Justification: e.Reason})
		}
		for _, med := range analysis.SuggestedMedications {
			pa.Medications = append(pa.Medications, PayloadMedication{Name: med.Name, Dosage: med.Dosage, Frequency: med.Frequency})
		}
		payload.Analysis = pa
	}

	return payload
}

// DurationMinutes rounds the elapsed time to whole minutes.
func DurationMinutes(startedAt, completedAt time.Time) int {
	return int(math.Round(float64(completedAt.Sub(startedAt).Milliseconds()) / 60000))
}

func ConfidenceLevel(confidence float64) string {
	switch {
	case confidence > HighConfidenceThreshold:
		return "High"
	case confidence > MediumConfidenceThreshold:
		return "Medium"
	default:
		return "Low"
	}
}

func audioURL(base, file string) string {
	if base == "" || file == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/api/recordings/" + url.PathEscape(file)
}
