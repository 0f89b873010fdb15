package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sjawhar/ghost-scribe/internal/config"
	"github.com/sjawhar/ghost-scribe/internal/llm"
)

// ClientFactory builds an LLM client for a provider/model pair.
type ClientFactory func(provider, model string, opts ...llm.Option) (llm.Client, error)

// Router asks a small model which analysis preset fits a consultation.
type Router struct {
	cfg     config.Analysis
	factory ClientFactory
}

func NewRouter(cfg config.Analysis, factory ClientFactory) *Router {
	return &Router{cfg: cfg, factory: factory}
}

// SampleTranscript keeps the head, middle and tail of a long transcript.
func SampleTranscript(transcript string, firstN, midN, lastN int) string {
	words := strings.Fields(transcript)
	total := len(words)

	if total <= firstN+midN+lastN {
		return transcript
	}

	first := strings.Join(words[:firstN], " ")
	midStart := (total - midN) / 2
	mid := strings.Join(words[midStart:midStart+midN], " ")
	last := strings.Join(words[total-lastN:], " ")

	return first + "\n\n[...]\n\n" + mid + "\n\n[...]\n\n" + last
}

// SelectPreset never fails: any routing problem falls back to the default
// preset.
func (r *Router) SelectPreset(ctx context.Context, transcript string) string {
	modelStr := r.cfg.RouterModel
	if modelStr == "" {
		modelStr = r.cfg.Model
	}

	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "parse model failed", "error", err)
		return r.fallbackPreset()
	}

	client, err := r.factory(provider, model, llm.WithMaxTokens(32), llm.WithTemperature(0))
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "create client failed", "error", err)
		return r.fallbackPreset()
	}

	result, err := client.Complete(ctx, []llm.Message{llm.User(r.prompt(transcript))})
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "llm complete failed", "error", err)
		return r.fallbackPreset()
	}

	chosen := strings.Trim(strings.TrimSpace(result), "`\"'.")
	if _, ok := r.cfg.Presets[chosen]; ok {
		return chosen
	}

	slog.Warn("router: falling back to default preset", "reason", "chosen preset not found", "chosen", chosen)
	return r.fallbackPreset()
}

func (r *Router) prompt(transcript string) string {
	names := r.presetNames()
	var presetList strings.Builder
	for _, name := range names {
		fmt.Fprintf(&presetList, "- %s: %s\n", name, r.cfg.Presets[name].Description)
	}

	return fmt.Sprintf(`Given this consultation excerpt, choose the single best analysis preset.

Consultation excerpt:
%s

Available presets:
%s
Reply with ONLY the preset name, nothing else.`, SampleTranscript(transcript, 300, 200, 200), presetList.String())
}

func (r *Router) presetNames() []string {
	keys := make([]string, 0, len(r.cfg.Presets))
	for k := range r.cfg.Presets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Router) fallbackPreset() string {
	if _, ok := r.cfg.Presets[config.DefaultPreset]; ok {
		return config.DefaultPreset
	}
	if names := r.presetNames(); len(names) > 0 {
		return names[0]
	}
	return config.DefaultPreset
}
