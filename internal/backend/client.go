// Package backend talks to the clinic REST API that owns finalized
// consultations.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sjawhar/ghost-scribe/internal/draft"
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Message)
}

// UserMessage is the backend's own explanation, if it sent one.
func (e *APIError) UserMessage() string {
	return e.Message
}

type Client struct {
	baseURL   string
	workspace string
	http      *http.Client
}

// NewClient builds a client for baseURL scoped to workspace. A non-empty
// token is sent as a Bearer credential on every request.
func NewClient(baseURL, workspace, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		httpClient.Timeout = timeout
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		http:      httpClient,
	}
}

// CompleteConsultation submits a finished consultation.
func (c *Client) CompleteConsultation(ctx context.Context, payload draft.CompletionPayload) (draft.Completed, error) {
	if c.workspace == "" {
		return draft.Completed{}, errors.New("complete consultation: backend workspace is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return draft.Completed{}, fmt.Errorf("encode consultation payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/consultations/complete", c.baseURL, c.workspace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return draft.Completed{}, fmt.Errorf("build complete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return draft.Completed{}, fmt.Errorf("post consultation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return draft.Completed{}, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return draft.Completed{}, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	return decodeCompleted(raw)
}

// decodeCompleted accepts either {"data": {...}} or the bare object.
func decodeCompleted(raw []byte) (draft.Completed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return draft.Completed{}, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return draft.Completed{}, fmt.Errorf("decode backend response: %w", err)
	}
	obj := raw
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		obj = envelope.Data
	}

	var fields struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(obj, &fields); err != nil {
		return draft.Completed{}, fmt.Errorf("decode consultation: %w", err)
	}

	return draft.Completed{ID: idString(fields.ID), Raw: json.RawMessage(obj)}, nil
}

// idString renders a JSON string or number id.
func idString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		return body.Message
	}
	return ""
}
