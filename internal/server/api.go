package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/session"
	"github.com/sjawhar/ghost-scribe/internal/speech"
)

type Drafts interface {
	Snapshot() draft.Snapshot
	Start(patientID, chiefComplaint string) (draft.Consultation, error)
	Cancel()
	SelectPatient(patientID string) bool
	SetOperator(id string)
	AppendText(content string) (draft.Message, error)
	EditMessage(id, content string) (draft.Message, error)
	DeleteMessage(id string) error
	Analyze(ctx context.Context) (draft.Analysis, error)
	ClearAnalysis()
	Finalize(ctx context.Context) (draft.Result, error)
}

type Recording interface {
	CaptureSupported() bool
	StartRecording(ctx context.Context) error
	StopRecording() (*draft.Message, error)
	Snapshot() session.Snapshot
}

type History interface {
	GetFinalizedByDate(date string) ([]draft.FinalizedRecord, error)
	GetDates() ([]string, error)
}

type Recordings interface {
	Resolve(name string) (path, contentType string, err error)
}

// Services are the components behind the API. History and Recordings may be
// nil; their routes then answer 503.
type Services struct {
	Drafts     Drafts
	Recording  Recording
	History    History
	Recordings Recordings
}

const maxBodyBytes = 1 << 20

func registerAPIRoutes(mux *http.ServeMux, hub *Hub, svc Services, controls ControlHooks) {
	drafts := svc.Drafts

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"phase":             drafts.Snapshot().Phase,
			"capture_supported": svc.Recording.CaptureSupported(),
			"recording":         svc.Recording.Snapshot(),
			"warnings":          warnings,
		})
	})

	mux.HandleFunc("GET /api/draft", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, drafts.Snapshot())
	})

	mux.HandleFunc("POST /api/draft/start", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PatientID      string `json:"patient_id"`
			ChiefComplaint string `json:"chief_complaint"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.PatientID == "" {
			body.PatientID = drafts.Snapshot().SelectedPatient
		}

		consultation, err := drafts.Start(body.PatientID, body.ChiefComplaint)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, consultation)
	})

	mux.HandleFunc("POST /api/draft/cancel", func(w http.ResponseWriter, r *http.Request) {
		drafts.Cancel()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PUT /api/patient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PatientID string `json:"patient_id"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		discarded := drafts.SelectPatient(body.PatientID)
		writeJSON(w, http.StatusOK, map[string]any{"discarded": discarded, "draft": drafts.Snapshot()})
	})

	mux.HandleFunc("PUT /api/operator", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OperatorID string `json:"operator_id"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		drafts.SetOperator(body.OperatorID)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/draft/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, drafts.Snapshot().Messages)
	})

	mux.HandleFunc("POST /api/draft/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		msg, err := drafts.AppendText(body.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	})

	mux.HandleFunc("PATCH /api/draft/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		msg, err := drafts.EditMessage(r.PathValue("id"), body.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	})

	mux.HandleFunc("DELETE /api/draft/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := drafts.DeleteMessage(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/recording/start", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Recording.StartRecording(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, svc.Recording.Snapshot())
	})

	mux.HandleFunc("POST /api/recording/stop", func(w http.ResponseWriter, r *http.Request) {
		msg, err := svc.Recording.StopRecording()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": msg, "recording": svc.Recording.Snapshot()})
	})

	mux.HandleFunc("GET /api/recordings/{name}", func(w http.ResponseWriter, r *http.Request) {
		if svc.Recordings == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "recordings are not available", "unavailable")
			return
		}
		serveRecording(w, r, svc.Recordings)
	})

	mux.HandleFunc("POST /api/draft/analysis", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConfirmReplace bool `json:"confirm_replace"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if v, err := strconv.ParseBool(r.URL.Query().Get("confirm_replace")); err == nil && v {
			body.ConfirmReplace = true
		}
		if drafts.Snapshot().Analysis != nil && !body.ConfirmReplace {
			writeJSONError(w, http.StatusConflict, "analysis exists", "analysis-exists")
			return
		}

		analysis, err := drafts.Analyze(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		hub.BroadcastAnalysisReady(analysis)
		writeJSON(w, http.StatusOK, analysis)
	})

	mux.HandleFunc("DELETE /api/draft/analysis", func(w http.ResponseWriter, r *http.Request) {
		drafts.ClearAnalysis()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/draft/finalize", func(w http.ResponseWriter, r *http.Request) {
		// A closed browser tab must not abort a submission the backend may
		// already have accepted.
		res, err := drafts.Finalize(context.WithoutCancel(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("GET /api/history/dates", func(w http.ResponseWriter, r *http.Request) {
		if svc.History == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "history is not available", "unavailable")
			return
		}
		dates, err := svc.History.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err), "internal")
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		if svc.History == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "history is not available", "unavailable")
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", "invalid-date")
			return
		}

		records, err := svc.History.GetFinalizedByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list finalized consultations: %v", err), "internal")
			return
		}
		writeJSON(w, http.StatusOK, records)
	})
}

func serveRecording(w http.ResponseWriter, r *http.Request, recordings Recordings) {
	path, contentType, err := recordings.Resolve(r.PathValue("name"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid recording name", "invalid-name")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "recording not found", "not-found")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat recording: %v", err), "internal")
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid-body")
	return false
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		fe *draft.FinalizeError
		ce *speech.CaptureError
	)
	switch {
	case errors.As(err, &fe):
		writeJSONError(w, http.StatusBadGateway, fe.Message, draft.Code(err))
	case errors.Is(err, session.ErrCaptureUnsupported), errors.Is(err, speech.ErrUnsupported):
		writeJSONError(w, http.StatusServiceUnavailable, speech.KindCaptureUnavailable.Message(), string(speech.KindCaptureUnavailable))
	case errors.As(err, &ce):
		writeJSONError(w, http.StatusServiceUnavailable, ce.Kind().Message(), string(ce.Kind()))
	case errors.Is(err, session.ErrAlreadyRecording):
		writeJSONError(w, http.StatusConflict, "A recording is already in progress.", "already-recording")
	case errors.Is(err, draft.ErrEmptyContent):
		writeJSONError(w, http.StatusBadRequest, draft.UserMessage(err), draft.Code(err))
	case errors.Is(err, draft.ErrMessageNotFound):
		writeJSONError(w, http.StatusNotFound, draft.UserMessage(err), draft.Code(err))
	case draft.Code(err) != "internal":
		writeJSONError(w, http.StatusConflict, draft.UserMessage(err), draft.Code(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
