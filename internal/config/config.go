// Package config loads server configuration from the environment.
//
// Values come from optional .env files and the process environment; the
// process environment wins. Every problem is reported at once so a
// misconfigured deployment fails on the first start with the full list.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	LedgerSQLite = "sqlite"
	LedgerMemory = "memory"

	StorageLocal = "local"
	StorageS3    = "s3"
)

type Config struct {
	Port      int    `env:"PORT" validate:"min=1,max=65535"`
	AppEnv    string `env:"APP_ENV"`
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	PublicURL string `env:"PUBLIC_URL" validate:"required,url"`

	LedgerBackend string `env:"LEDGER_BACKEND" validate:"oneof=sqlite memory"`
	DBPath        string `env:"DB_PATH" validate:"required_if=LedgerBackend sqlite"`

	JWTSecret        string `env:"JWT_SECRET" validate:"required,min=16"`
	FreeTrialCredits int    `env:"FREE_TRIAL_CREDITS" validate:"min=0"`
	TrialLengthDays  int    `env:"TRIAL_LENGTH_DAYS" validate:"min=1"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	BasicPlanPriceID    string `env:"BASIC_PLAN_PRICE_ID" validate:"required"`
	PremiumPlanPriceID  string `env:"PREMIUM_PLAN_PRICE_ID" validate:"required"`

	OpenAIAPIKey      string        `env:"OPENAI_API_KEY" validate:"required"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL" validate:"required,url"`
	ImageModel        string        `env:"IMAGE_MODEL" validate:"required"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT"`

	StorageBackend    string `env:"STORAGE_BACKEND" validate:"oneof=local s3"`
	StorageDir        string `env:"STORAGE_DIR" validate:"required_if=StorageBackend local"`
	S3Bucket          string `env:"S3_BUCKET" validate:"required_if=StorageBackend s3"`
	S3Region          string `env:"S3_REGION" validate:"required_if=StorageBackend s3"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID" validate:"required_if=StorageBackend s3"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY" validate:"required_if=StorageBackend s3"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL" validate:"omitempty,url"`
}

// IsDev reports whether the server runs in local development mode. Dev
// mode logs as text and issues non-Secure cookies so plain http works.
func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the given .env files (missing ones are skipped) and the
// process environment.
func Load(envFiles ...string) (*Config, error) {
	fileValues := map[string]string{}
	for _, f := range envFiles {
		values, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: reading %s: %w", f, err)
		}
		for k, v := range values {
			if _, seen := fileValues[k]; !seen {
				fileValues[k] = v
			}
		}
	}

	return LoadFrom(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	})
}

// LoadFrom builds the configuration from an arbitrary lookup. Tests use it
// with a map.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	var problems []string

	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	getInt := func(key string, def int) int {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not an integer", key, raw))
			return def
		}
		return n
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not a duration", key, raw))
			return def
		}
		return d
	}

	cfg := &Config{
		Port:      getInt("PORT", 8080),
		AppEnv:    get("APP_ENV", "production"),
		LogLevel:  strings.ToLower(get("LOG_LEVEL", "info")),
		PublicURL: strings.TrimRight(get("PUBLIC_URL", "http://localhost:8080"), "/"),

		LedgerBackend: strings.ToLower(get("LEDGER_BACKEND", LedgerSQLite)),
		DBPath:        get("DB_PATH", "data/coloring.db"),

		JWTSecret:        get("JWT_SECRET", ""),
		FreeTrialCredits: getInt("FREE_TRIAL_CREDITS", 3),
		TrialLengthDays:  getInt("TRIAL_LENGTH_DAYS", 7),

		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		BasicPlanPriceID:    get("BASIC_PLAN_PRICE_ID", ""),
		PremiumPlanPriceID:  get("PREMIUM_PLAN_PRICE_ID", ""),

		OpenAIAPIKey:      get("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     get("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ImageModel:        get("IMAGE_MODEL", "gpt-image-1"),
		GenerationTimeout: getDuration("GENERATION_TIMEOUT", 120*time.Second),

		StorageBackend:    strings.ToLower(get("STORAGE_BACKEND", StorageLocal)),
		StorageDir:        get("STORAGE_DIR", "data/images"),
		S3Bucket:          get("S3_BUCKET", ""),
		S3Region:          get("S3_REGION", ""),
		S3AccessKeyID:     get("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: get("S3_SECRET_ACCESS_KEY", ""),
		S3EndpointURL:     get("S3_ENDPOINT_URL", ""),
	}

	if cfg.GenerationTimeout <= 0 {
		problems = append(problems, "GENERATION_TIMEOUT: must be positive")
	}
	problems = append(problems, validate(cfg)...)

	if len(problems) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// validate runs the struct tags and reports failures by env var name.
func validate(cfg *Config) []string {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("env")
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fe.Field() + ": required"
	case "min":
		return fmt.Sprintf("%s: must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s: must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s", fe.Field(), fe.Param())
	case "url":
		return fe.Field() + ": must be a URL"
	default:
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
}
