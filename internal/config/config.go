package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultInstructions is the system message relayed to the realtime model.
const DefaultInstructions = "You are a helpful and bubbly AI assistant who loves to chat about anything the user is interested about and is prepared to offer them facts."

const (
	TriggerDelay     = "delay"
	TriggerHandshake = "handshake"
)

// MaxPreReadyBufferFrames matches the AI leg's outbound queue so a flush
// after session.update always fits.
const MaxPreReadyBufferFrames = 256

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required")

// Config contains all runtime settings for the call bridge. It is loaded once at
// startup and never re-read per call.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	CallRetention    time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	TLSCABundleFile string
	TLSKeyFile      string
	TLSCertFile     string

	OpenAIAPIKey  string
	RealtimeURL   string
	RealtimeModel string

	Voice        string
	Instructions string
	Temperature  float64

	SessionUpdateDelay   time.Duration
	SessionUpdateTrigger string
	PreReadyBufferFrames int
}

// Load reads environment variables and applies defaults matching the
// production deployment.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "0.0.0.0:8443"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "text"),
		TLSCABundleFile:  envOrDefault("TLS_CA_BUNDLE_FILE", "ca_bundle.crt"),
		TLSKeyFile:       envOrDefault("TLS_KEY_FILE", "private.key"),
		TLSCertFile:      envOrDefault("TLS_CERT_FILE", "certificate.crt"),
		OpenAIAPIKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeURL:      envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		Voice:            envOrDefault("REALTIME_VOICE", "alloy"),
		Instructions:     envOrDefault("REALTIME_INSTRUCTIONS", DefaultInstructions),
		Temperature:      0.8,

		SessionUpdateDelay:   200 * time.Millisecond,
		SessionUpdateTrigger: strings.ToLower(envOrDefault("SESSION_UPDATE_TRIGGER", TriggerDelay)),
		ShutdownTimeout:      15 * time.Second,
		CallRetention:        2 * time.Minute,
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, ErrMissingAPIKey
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallRetention, err = durationFromEnv("APP_CALL_RETENTION", cfg.CallRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionUpdateDelay, err = durationFromEnv("SESSION_UPDATE_DELAY", cfg.SessionUpdateDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.PreReadyBufferFrames, err = intFromEnv("PRE_READY_BUFFER_FRAMES", cfg.PreReadyBufferFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionUpdateDelay < 0 {
		return Config{}, fmt.Errorf("SESSION_UPDATE_DELAY must be >= 0")
	}
	switch cfg.SessionUpdateTrigger {
	case TriggerDelay, TriggerHandshake:
	default:
		return Config{}, fmt.Errorf("invalid SESSION_UPDATE_TRIGGER: %q (expected delay|handshake)", cfg.SessionUpdateTrigger)
	}
	if cfg.PreReadyBufferFrames < 0 || cfg.PreReadyBufferFrames > MaxPreReadyBufferFrames {
		return Config{}, fmt.Errorf("PRE_READY_BUFFER_FRAMES must be within [0, %d]", MaxPreReadyBufferFrames)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("REALTIME_TEMPERATURE must be within [0, 2]")
	}
	if cfg.CallRetention <= 0 {
		return Config{}, fmt.Errorf("APP_CALL_RETENTION must be positive")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", cfg.LogFormat)
	}

	return cfg, nil
}

// LoadDotEnv merges KEY=VALUE files (default ".env") into the process
// environment. Variables already set win; missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
