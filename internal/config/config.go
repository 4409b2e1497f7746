package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Loads .env into the environment before Load reads it.
	_ "github.com/joho/godotenv/autoload"
)

// Config contains all runtime settings for the highlight-capture service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	APIToken       string

	ClipsRoot     string
	MaxSessions   int
	SessionTTL    time.Duration
	SweepInterval time.Duration
	EventBuffer   int

	CaptureCommand  []string
	CallbackBaseURL string
	StopGracePeriod time.Duration
	AudioThreshold  int
	MotionThreshold int
	ClipLengthSec   int

	StreamlinkPath string
	ResolveTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "clipcast"),
		AllowAnyOrigin:   false,
		APIToken:         trimmedEnv("APP_API_TOKEN"),
		ClipsRoot:        envOrDefault("CLIPS_ROOT", "clips"),
		MaxSessions:      3,
		SessionTTL:       2 * time.Hour,
		SweepInterval:    30 * time.Minute,
		EventBuffer:      64,
		// The capture tool handles streamlink/FFmpeg internally; the
		// supervisor only appends per-session flags to this command.
		CaptureCommand:  strings.Fields(envOrDefault("CAPTURE_COMMAND", "python3 scripts/gatekeep_and_clip.py")),
		CallbackBaseURL: envOrDefault("CAPTURE_CALLBACK_BASE_URL", "http://localhost:8080"),
		StopGracePeriod: 5 * time.Second,
		AudioThreshold:  6,
		MotionThreshold: 30,
		ClipLengthSec:   20,
		StreamlinkPath:  envOrDefault("STREAMLINK_PATH", "streamlink"),
		ResolveTimeout:  15 * time.Second,
		DatabaseURL:     trimmedEnv("DATABASE_URL"),
		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_IDLE_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StopGracePeriod, err = durationFromEnv("CAPTURE_STOP_GRACE", cfg.StopGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.ResolveTimeout, err = durationFromEnv("RESOLVE_TIMEOUT", cfg.ResolveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("SESSION_MAX_ACTIVE", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.EventBuffer, err = intFromEnv("EVENT_BUFFER", cfg.EventBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioThreshold, err = intFromEnv("CAPTURE_AUDIO_THRESHOLD", cfg.AudioThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MotionThreshold, err = intFromEnv("CAPTURE_MOTION_THRESHOLD", cfg.MotionThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ClipLengthSec, err = intFromEnv("CAPTURE_CLIP_LENGTH", cfg.ClipLengthSec)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_ACTIVE must be positive")
	}
	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must be at least 1m")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("SESSION_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.StopGracePeriod < time.Second {
		return Config{}, fmt.Errorf("CAPTURE_STOP_GRACE must be at least 1s")
	}
	if len(cfg.CaptureCommand) == 0 {
		return Config{}, fmt.Errorf("CAPTURE_COMMAND must not be empty")
	}
	if cfg.AudioThreshold < 0 || cfg.AudioThreshold > 60 {
		return Config{}, fmt.Errorf("CAPTURE_AUDIO_THRESHOLD must be within 0..60")
	}
	if cfg.MotionThreshold < 0 || cfg.MotionThreshold > 100 {
		return Config{}, fmt.Errorf("CAPTURE_MOTION_THRESHOLD must be within 0..100")
	}
	if cfg.ClipLengthSec < 5 || cfg.ClipLengthSec > 300 {
		return Config{}, fmt.Errorf("CAPTURE_CLIP_LENGTH must be within 5..300")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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
