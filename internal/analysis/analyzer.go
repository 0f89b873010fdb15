// Package analysis turns a consultation draft into a structured clinical
// analysis, either through an LLM or a local placeholder.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/config"
	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/llm"
)

var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

const analysisTemperature = 0.2

const systemPrompt = "You are a clinical documentation assistant. You never invent findings that are not in the transcript."

// LLMAnalyzer implements draft.Analyzer on top of an llm.Client.
type LLMAnalyzer struct {
	cfg     config.Analysis
	factory ClientFactory
	router  *Router
	now     func() time.Time
	sleep   func(time.Duration)
}

func NewLLMAnalyzer(cfg config.Analysis, factory ClientFactory) *LLMAnalyzer {
	var router *Router
	if len(cfg.Presets) > 1 {
		router = NewRouter(cfg, factory)
	}
	return &LLMAnalyzer{
		cfg:     cfg,
		factory: factory,
		router:  router,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, in draft.AnalysisInput) (draft.Analysis, error) {
	transcript := RenderTranscript(in.Messages)
	if strings.TrimSpace(transcript) == "" {
		return draft.Analysis{}, draft.ErrInsufficientData
	}

	presetName := config.DefaultPreset
	if a.router != nil {
		presetName = a.router.SelectPreset(ctx, transcript)
	}
	preset, ok := a.cfg.Presets[presetName]
	if !ok {
		return draft.Analysis{}, fmt.Errorf("unknown preset %q", presetName)
	}

	provider, model, err := llm.ParseModel(a.cfg.Model)
	if err != nil {
		return draft.Analysis{}, err
	}
	client, err := a.factory(provider, model, llm.WithJSONOutput(), llm.WithTemperature(analysisTemperature))
	if err != nil {
		return draft.Analysis{}, fmt.Errorf("create llm client: %w", err)
	}

	date := in.StartedAt
	if date.IsZero() {
		date = a.now()
	}
	userContent := strings.ReplaceAll(preset.Prompt, "{{transcript}}", transcript)
	userContent = strings.ReplaceAll(userContent, "{{date}}", date.Local().Format("2006-01-02"))

	messages := []llm.Message{
		llm.System(systemPrompt),
		llm.User(userContent),
	}

	var lastErr error
	for attempt := range defaultBackoff {
		result, err := a.complete(ctx, client, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("analysis attempt failed", "attempt", attempt+1, "preset", presetName, "error", err)
		if attempt < len(defaultBackoff)-1 {
			a.sleep(defaultBackoff[attempt])
		}
	}
	return draft.Analysis{}, fmt.Errorf("analysis failed after retries: %w", lastErr)
}

func (a *LLMAnalyzer) complete(ctx context.Context, client llm.Client, messages []llm.Message) (draft.Analysis, error) {
	reply, err := client.Complete(ctx, messages)
	if err != nil {
		return draft.Analysis{}, err
	}
	return ParseReply(reply)
}

// RenderTranscript lays the draft messages out one per line, oldest first.
func RenderTranscript(messages []draft.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		source := "typed"
		if m.IsVoice {
			source = "dictated"
		}
		if m.Type != "" && m.Type != draft.MessageUser {
			source = string(m.Type)
		}
		fmt.Fprintf(&b, "[%s] (%s) %s\n", m.Timestamp.Local().Format("15:04"), source, content)
	}
	return b.String()
}

// ParseReply decodes a model reply into an Analysis. Code fences and text
// around the JSON object are ignored.
func ParseReply(reply string) (draft.Analysis, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return draft.Analysis{}, errors.New("analysis reply has no JSON object")
	}

	var out draft.Analysis
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return draft.Analysis{}, fmt.Errorf("decode analysis reply: %w", err)
	}
	if strings.TrimSpace(out.Diagnosis) == "" {
		return draft.Analysis{}, errors.New("analysis reply has no diagnosis")
	}

	out.Confidence = normalizeConfidence(out.Confidence)
	if out.Symptoms == nil {
		out.Symptoms = []string{}
	}
	if out.SuggestedExams == nil {
		out.SuggestedExams = []draft.SuggestedExam{}
	}
	if out.SuggestedMedications == nil {
		out.SuggestedMedications = []draft.SuggestedMedication{}
	}
	return out, nil
}

// Models sometimes answer on a 0-100 scale.
func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	return min(max(c, 0), 1)
}
