package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("EI_DATA_PATH", "")
	t.Setenv("EI_MODEL_RESPONSE", "anthropic:claude-sonnet-4-5")
	t.Setenv("EI_LOG_MODEL_USAGE", "true")
	t.Setenv("DEBUG", "")

	cfg := FromEnv()
	require.NotEmpty(t, cfg.DataPath)
	require.Equal(t, "anthropic:claude-sonnet-4-5", cfg.ModelResponse)
	require.True(t, cfg.LogModelUsage)
	require.False(t, cfg.Debug)
}

func TestCredentialEnvVarNamesAllProviders(t *testing.T) {
	cfg := FromEnv()
	m := cfg.CredentialEnvVar()
	require.Equal(t, "EI_ANTHROPIC_API_KEY", m["anthropic"])
	require.Equal(t, "EI_OPENAI_API_KEY", m["openai"])
}
