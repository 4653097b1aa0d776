package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"JWT_SECRET":            "0123456789abcdef0123",
		"STRIPE_SECRET_KEY":     "sk_test_1",
		"STRIPE_WEBHOOK_SECRET": "whsec_1",
		"BASIC_PLAN_PRICE_ID":   "price_basic",
		"PREMIUM_PLAN_PRICE_ID": "price_premium",
		"OPENAI_API_KEY":        "sk-openai",
	}
}

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(lookupFrom(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "production", cfg.AppEnv)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL)
	assert.Equal(t, LedgerSQLite, cfg.LedgerBackend)
	assert.Equal(t, "data/coloring.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.FreeTrialCredits)
	assert.Equal(t, 7, cfg.TrialLengthDays)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAIBaseURL)
	assert.Equal(t, "gpt-image-1", cfg.ImageModel)
	assert.Equal(t, 120*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, StorageLocal, cfg.StorageBackend)
	assert.Equal(t, "data/images", cfg.StorageDir)
}

func TestLoadFrom_Overrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = "9000"
	env["APP_ENV"] = "dev"
	env["LOG_LEVEL"] = "DEBUG"
	env["PUBLIC_URL"] = "https://color.example/"
	env["LEDGER_BACKEND"] = "memory"
	env["FREE_TRIAL_CREDITS"] = "0"
	env["GENERATION_TIMEOUT"] = "45s"

	cfg, err := LoadFrom(lookupFrom(env))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "https://color.example", cfg.PublicURL)
	assert.Equal(t, LedgerMemory, cfg.LedgerBackend)
	assert.Equal(t, 0, cfg.FreeTrialCredits)
	assert.Equal(t, 45*time.Second, cfg.GenerationTimeout)
}

func TestLoadFrom_ReportsEveryProblem(t *testing.T) {
	env := map[string]string{
		"PORT":               "eighty",
		"JWT_SECRET":         "short",
		"TRIAL_LENGTH_DAYS":  "0",
		"GENERATION_TIMEOUT": "soon",
		"STORAGE_BACKEND":    "s3",
	}

	_, err := LoadFrom(lookupFrom(env))
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"PORT: \"eighty\" is not an integer",
		"JWT_SECRET: must be at least 16",
		"TRIAL_LENGTH_DAYS: must be at least 1",
		"GENERATION_TIMEOUT: \"soon\" is not a duration",
		"STRIPE_SECRET_KEY: required",
		"OPENAI_API_KEY: required",
		"S3_BUCKET: required",
		"S3_SECRET_ACCESS_KEY: required",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadFrom_RejectsUnknownBackends(t *testing.T) {
	env := baseEnv()
	env["LEDGER_BACKEND"] = "postgres"
	env["LOG_LEVEL"] = "verbose"

	_, err := LoadFrom(lookupFrom(env))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_BACKEND: must be one of sqlite memory")
	assert.Contains(t, err.Error(), "LOG_LEVEL: must be one of")
}

func TestLoadFrom_NonPositiveTimeout(t *testing.T) {
	env := baseEnv()
	env["GENERATION_TIMEOUT"] = "0s"

	_, err := LoadFrom(lookupFrom(env))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GENERATION_TIMEOUT: must be positive")
}

func TestLoad_EnvFileAndProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")

	content := ""
	for k, v := range baseEnv() {
		content += k + "=" + v + "\n"
	}
	content += "PORT=7000\nIMAGE_MODEL=from-file\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// The process environment wins over the file.
	t.Setenv("IMAGE_MODEL", "from-process")

	cfg, err := Load(filepath.Join(dir, "missing.env"), envFile)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "from-process", cfg.ImageModel)
}
