package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/storage"
)

func TestCompleteConsultationPostsPayload(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"id": "cons-9", "status": "concluida"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL+"/api/", "clinica-a", "tok-123", time.Second)
	payload := draft.CompletionPayload{
		PatientID:       "pat-A",
		PractitionerID:  "prof-1",
		DurationMinutes: 12,
		Messages:        []draft.PayloadMessage{{Content: "nota", Kind: draft.MessageKindText}},
	}

	completed, err := client.CompleteConsultation(t.Context(), payload)
	if err != nil {
		t.Fatalf("CompleteConsultation failed: %v", err)
	}

	if gotPath != "POST /api/clinica-a/consultations/complete" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotBody["paciente_id"] != "pat-A" || gotBody["duracao_minutos"] != float64(12) {
		t.Fatalf("unexpected body: %v", gotBody)
	}
	if completed.ID != "cons-9" {
		t.Fatalf("expected id cons-9, got %q", completed.ID)
	}
	if !json.Valid(completed.Raw) {
		t.Fatalf("expected raw consultation JSON, got %q", completed.Raw)
	}
}

func TestCompleteConsultationBareObjectAndNumericID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no auth header without token")
		}
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer ts.Close()

	completed, err := NewClient(ts.URL, "ws", "", time.Second).CompleteConsultation(t.Context(), draft.CompletionPayload{})
	if err != nil {
		t.Fatalf("CompleteConsultation failed: %v", err)
	}
	if completed.ID != "42" {
		t.Fatalf("expected id 42, got %q", completed.ID)
	}
}

func TestCompleteConsultationRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"error field", `{"error": "Paciente não encontrado"}`, "Paciente não encontrado"},
		{"message field", `{"message": "workspace inválido"}`, "workspace inválido"},
		{"not json", `<html>bad gateway</html>`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := NewClient(ts.URL, "ws", "tok", time.Second).CompleteConsultation(t.Context(), draft.CompletionPayload{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.UserMessage() != tc.want {
				t.Fatalf("unexpected api error: %+v", apiErr)
			}
		})
	}
}

func TestRejectedBackendMessageReachesFinalizeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "Profissional inativo"}`))
	}))
	defer ts.Close()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "draft.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	d, err := draft.Open(store, draft.Options{
		SessionKey: "ws-1",
		Operator:   "prof-1",
		Backend:    NewClient(ts.URL, "clinica-a", "", time.Second),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := d.Start("pat-A", ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = d.Finalize(t.Context())
	if got := draft.UserMessage(err); got != "Profissional inativo" {
		t.Fatalf("expected backend message, got %q (%v)", got, err)
	}
	if !d.Active() {
		t.Fatal("rejected finalize must keep the draft")
	}
}

func TestCompleteConsultationRequiresWorkspace(t *testing.T) {
	if _, err := NewClient("http://localhost", "", "", time.Second).CompleteConsultation(t.Context(), draft.CompletionPayload{}); err == nil {
		t.Fatal("expected error without workspace")
	}
}

func TestCompleteConsultationTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "ws", "", 20*time.Millisecond).CompleteConsultation(t.Context(), draft.CompletionPayload{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
