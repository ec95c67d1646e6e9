// Package config resolves the recognized environment variables into a
// typed Config — trimmed, defaulted, and collected in one place rather
// than sprinkled as os.Getenv calls.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds every environment-sourced setting the engine recognizes.
type Config struct {
	DataPath string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	OpenAIAPIKey    string
	GoogleAPIKey    string
	AnthropicAPIKey string
	XAIAPIKey       string

	ModelResponse   string
	ModelConcept    string
	ModelGeneration string

	LogModelUsage bool
	SkipRepoCheck bool
	Debug         bool

	CeremonyHourLocal int

	// SeedFile optionally points at a YAML persona seed file (see
	// internal/registry/seed.go) applied on every startup.
	SeedFile string
}

const defaultCeremonyHourLocal = 9

// FromEnv builds a Config from the process environment, applying defaults
// for the data path location and the daily ceremony hour.
func FromEnv() *Config {
	cfg := &Config{
		DataPath:          envOr("", os.Getenv("EI_DATA_PATH")),
		LLMBaseURL:        envOr("", os.Getenv("EI_LLM_BASE_URL")),
		LLMAPIKey:         envOr("", os.Getenv("EI_LLM_API_KEY")),
		LLMModel:          envOr("", os.Getenv("EI_LLM_MODEL")),
		OpenAIAPIKey:      envOr("", os.Getenv("EI_OPENAI_API_KEY")),
		GoogleAPIKey:      envOr("", os.Getenv("EI_GOOGLE_API_KEY")),
		AnthropicAPIKey:   envOr("", os.Getenv("EI_ANTHROPIC_API_KEY")),
		XAIAPIKey:         envOr("", os.Getenv("EI_XAI_API_KEY")),
		ModelResponse:     envOr("", os.Getenv("EI_MODEL_RESPONSE")),
		ModelConcept:      envOr("", os.Getenv("EI_MODEL_CONCEPT")),
		ModelGeneration:   envOr("", os.Getenv("EI_MODEL_GENERATION")),
		LogModelUsage:     envBool(os.Getenv("EI_LOG_MODEL_USAGE")),
		SkipRepoCheck:     envBool(os.Getenv("EI_SKIP_REPO_CHECK")),
		Debug:             envBool(os.Getenv("DEBUG")),
		CeremonyHourLocal: defaultCeremonyHourLocal,
		SeedFile:          strings.TrimSpace(os.Getenv("EI_SEED_FILE")),
	}
	if cfg.DataPath == "" {
		cfg.DataPath = defaultDataPath()
	}
	return cfg
}

// CredentialEnvVar maps a provider name to the env var a user should set,
// for the Gateway's permanent-auth-error messages.
func (c *Config) CredentialEnvVar() map[string]string {
	return map[string]string{
		"anthropic": "EI_ANTHROPIC_API_KEY",
		"openai":    "EI_OPENAI_API_KEY",
		"google":    "EI_GOOGLE_API_KEY",
		"xai":       "EI_XAI_API_KEY",
	}
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ei"
	}
	return filepath.Join(home, ".ei")
}

func envOr(existing, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return existing
	}
	return value
}

func envBool(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return b
}
