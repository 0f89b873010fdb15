package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Ghost Scribe environment variables.
const EnvPrefix = "GHOST_SCRIBE_"

// Config holds all application configuration. Secrets (API keys, backend
// token) are loaded exclusively from environment variables and never appear in
// the config file.
type Config struct {
	DBPath                string   `yaml:"db_path"`
	AudioDir              string   `yaml:"audio_dir"`
	ArchiveDir            string   `yaml:"archive_dir"`
	ListenAddr            string   `yaml:"listen_addr"`
	SessionKey            string   `yaml:"session_key"`
	PractitionerID        string   `yaml:"practitioner_id"`
	Language              string   `yaml:"language"`
	NoSpeechTimeout       string   `yaml:"no_speech_timeout"`
	MicSampleRate         int      `yaml:"mic_sample_rate"`
	MicSampleRates        []int    `yaml:"mic_sample_rates"`
	DeepgramModel         string   `yaml:"deepgram_model"`
	AudioBaseURL          string   `yaml:"audio_base_url"`
	Backend               Backend  `yaml:"backend"`
	Analysis              Analysis `yaml:"analysis"`
	GDriveFolderID        string   `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string   `yaml:"google_credentials_file"`

	// Secrets: env vars only, never serialized to YAML.
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	BackendToken    string `yaml:"-"`
}

// Backend locates the clinic REST backend that accepts finalized consultations.
type Backend struct {
	BaseURL   string `yaml:"base_url"`
	Workspace string `yaml:"workspace"`
	Timeout   string `yaml:"timeout"`
}

// Analysis configures the LLM-backed clinical analysis. An empty Model selects
// the built-in placeholder analyzer.
type Analysis struct {
	Model       string            `yaml:"model"`
	RouterModel string            `yaml:"router_model"`
	Presets     map[string]Preset `yaml:"presets"`
}

// Preset is a named analysis prompt.
type Preset struct {
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

// DefaultPreset is the preset used when routing fails or is disabled.
const DefaultPreset = "general"

const defaultPrompt = `You are assisting a physician during a consultation. Read the consultation transcript below and answer with a single JSON object, no prose, using exactly these keys:
{"symptoms": [string], "diagnosis": string, "cid10": string, "suggestedExams": [{"nome": string, "motivo": string, "prioridade": "alta"|"media"|"baixa"}], "suggestedMedications": [{"nome": string, "dosagem": string, "via": string, "frequencia": string, "duracao": string, "observacoes": string}], "confidence": number between 0 and 1, "notes": string}
Write clinical text in the language of the transcript. Leave cid10 empty when unsure.

Consultation date: {{date}}

Transcript:
{{transcript}}`

func defaults() Config {
	return Config{
		DBPath:          "data/ghost-scribe.db",
		AudioDir:        "data/audio",
		ArchiveDir:      "data/archive",
		ListenAddr:      "127.0.0.1:8080",
		SessionKey:      "default",
		Language:        "pt-BR",
		NoSpeechTimeout: "8s",
		MicSampleRate:   16000,
		MicSampleRates:  []int{48000, 44100, 32000, 24000},
		DeepgramModel:   "nova-2",
		Backend: Backend{
			BaseURL: "http://localhost:3000/api",
			Timeout: "30s",
		},
		Analysis: Analysis{
			Presets: map[string]Preset{
				DefaultPreset: {
					Description: "General practice consultation",
					Prompt:      defaultPrompt,
				},
			},
		},
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedNoSpeechTimeout returns NoSpeechTimeout as a time.Duration,
// falling back to 8s if the value is invalid.
func (c *Config) ParsedNoSpeechTimeout() time.Duration {
	d, err := time.ParseDuration(c.NoSpeechTimeout)
	if err != nil || d <= 0 {
		return 8 * time.Second
	}
	return d
}

// ParsedBackendTimeout returns Backend.Timeout, falling back to 30s.
func (c *Config) ParsedBackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	return dedupeRates(combined)
}

// APIKeyFor returns the configured secret for an LLM provider name.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	stringOverrides := map[string]*string{
		"DB_PATH":                 &cfg.DBPath,
		"AUDIO_DIR":               &cfg.AudioDir,
		"ARCHIVE_DIR":             &cfg.ArchiveDir,
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"SESSION_KEY":             &cfg.SessionKey,
		"PRACTITIONER_ID":         &cfg.PractitionerID,
		"LANGUAGE":                &cfg.Language,
		"NO_SPEECH_TIMEOUT":       &cfg.NoSpeechTimeout,
		"DEEPGRAM_MODEL":          &cfg.DeepgramModel,
		"AUDIO_BASE_URL":          &cfg.AudioBaseURL,
		"BACKEND_URL":             &cfg.Backend.BaseURL,
		"BACKEND_WORKSPACE":       &cfg.Backend.Workspace,
		"BACKEND_TIMEOUT":         &cfg.Backend.Timeout,
		"ANALYSIS_MODEL":          &cfg.Analysis.Model,
		"ANALYSIS_ROUTER_MODEL":   &cfg.Analysis.RouterModel,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range stringOverrides {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.BackendToken = os.Getenv(EnvPrefix + "BACKEND_TOKEN")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured, voice capture is unavailable. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.PractitionerID == "" {
		warnings = append(warnings, "practitioner_id not configured, consultations cannot start until an operator is set.")
	}
	if cfg.Backend.Workspace == "" {
		warnings = append(warnings, "backend.workspace not configured, finalizing consultations will fail.")
	}
	if cfg.SessionKey == "" {
		warnings = append(warnings, "session_key is empty, using \"default\".")
		cfg.SessionKey = "default"
	}
	if _, err := time.ParseDuration(cfg.NoSpeechTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid no_speech_timeout %q, using default 8s.", cfg.NoSpeechTimeout))
	}
	if _, err := time.ParseDuration(cfg.Backend.Timeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid backend.timeout %q, using default 30s.", cfg.Backend.Timeout))
	}

	if cfg.Analysis.Model != "" {
		provider, _, ok := strings.Cut(cfg.Analysis.Model, "/")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("Invalid analysis.model %q (want provider/model), using placeholder analysis.", cfg.Analysis.Model))
			cfg.Analysis.Model = ""
		} else if cfg.APIKeyFor(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("No API key for analysis provider %q, using placeholder analysis. Set %s%s_API_KEY.", provider, EnvPrefix, strings.ToUpper(provider)))
			cfg.Analysis.Model = ""
		}
	}
	if _, ok := cfg.Analysis.Presets[DefaultPreset]; !ok {
		if cfg.Analysis.Presets == nil {
			cfg.Analysis.Presets = map[string]Preset{}
		}
		cfg.Analysis.Presets[DefaultPreset] = defaults().Analysis.Presets[DefaultPreset]
		warnings = append(warnings, "analysis preset \""+DefaultPreset+"\" missing, using built-in prompt.")
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	rates := make([]int, 0, len(parts))
	for _, part := range parts {
		rate, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		rates = append(rates, rate)
	}
	return dedupeRates(rates)
}

func dedupeRates(rates []int) []int {
	seen := make(map[int]struct{}, len(rates))
	result := make([]int, 0, len(rates))
	for _, rate := range rates {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}
