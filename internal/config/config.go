package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort                 = "8080"
	defaultSessionCookieName    = "chat_session"
	defaultSessionTTLHours      = 168
	defaultModel                = "openrouter/free"
	defaultOpenRouterBaseURL    = "https://openrouter.ai/api/v1"
	defaultFrontendOrigin       = "http://localhost:5173"
	defaultThreadMaxDepth       = 100
	defaultBranchPreviewRunes   = 100
	defaultMutationRatePerSec   = 5
	defaultMutationBurst        = 10
	defaultCompletionTimeoutSec = 60
)

type Config struct {
	Port                     string
	Environment              string
	FrontendOrigin           string
	AllowedOrigins           []string
	AuthRequired             bool
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	AllowedGoogleEmails      map[string]struct{}
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	TursoDatabaseURL         string
	TursoAuthToken           string
	OpenRouterAPIKey         string
	OpenRouterBaseURL        string
	OpenRouterDefaultModel   string
	ThreadMaxDepth           int
	BranchPreviewRunes       int
	MutationRatePerSecond    float64
	MutationBurst            int
	CompletionTimeout        time.Duration
	LogLevel                 string
	LogFormat                string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		AuthRequired:             boolOrDefault("AUTH_REQUIRED", true),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		TursoDatabaseURL:         strings.TrimSpace(os.Getenv("TURSO_DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenRouterAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		OpenRouterDefaultModel:   envOrDefault("OPENROUTER_DEFAULT_MODEL", defaultModel),
		ThreadMaxDepth:           intOrDefault("THREAD_MAX_DEPTH", defaultThreadMaxDepth),
		BranchPreviewRunes:       intOrDefault("BRANCH_PREVIEW_RUNES", defaultBranchPreviewRunes),
		MutationRatePerSecond:    floatOrDefault("MUTATION_RATE_PER_SECOND", defaultMutationRatePerSec),
		MutationBurst:            intOrDefault("MUTATION_BURST", defaultMutationBurst),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
	}

	if cfg.IsProduction() {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	completionSeconds := intOrDefault("COMPLETION_TIMEOUT_SECONDS", defaultCompletionTimeoutSec)
	if completionSeconds <= 0 {
		return Config{}, errors.New("COMPLETION_TIMEOUT_SECONDS must be > 0")
	}
	cfg.CompletionTimeout = time.Duration(completionSeconds) * time.Second

	if cfg.ThreadMaxDepth <= 0 {
		return Config{}, errors.New("THREAD_MAX_DEPTH must be > 0")
	}
	if cfg.BranchPreviewRunes <= 0 {
		return Config{}, errors.New("BRANCH_PREVIEW_RUNES must be > 0")
	}

	cfg.AllowedGoogleEmails = parseEmailSet(os.Getenv("ALLOWED_GOOGLE_EMAILS"))

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.AuthRequired && !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}

	switch cfg.LogFormat {
	case "console", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be console or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseEmailSet(raw string) map[string]struct{} {
	emails := parseList(raw)
	out := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		out[strings.ToLower(email)] = struct{}{}
	}
	return out
}
