package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relay server configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	GeminiAPIKey    string
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	LogLevel        string
}

// ClientConfig holds the settings of the interactive client
type ClientConfig struct {
	URL               string
	Mode              string
	LogLevel          string
	RedisURL          string // empty disables payload handoff through Redis
	RedisPassword     string
	CaptureRate       int
	ChunkSamples      int
	FrameInterval     time.Duration
	FrameScale        float64
	FrameQuality      int
	FrameMinPayload   int
	Display           int
	Quiescence        time.Duration
	IntroductionDelay time.Duration
	PingPeriod        time.Duration
}

// LoadConfig loads relay configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:            8080,
		RedisURL:        "localhost:6379",
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		AllowedOrigins:  []string{"*"},
		KeepAlivePeriod: 30 * time.Second,
		LogLevel:        "info",
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}
	config.RedisURL = stringEnv("REDIS_URL", config.RedisURL)
	config.RedisPassword = stringEnv("REDIS_PASSWORD", config.RedisPassword)
	config.LogLevel = stringEnv("LOG_LEVEL", config.LogLevel)

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// SESSION_TIMEOUT is in minutes
	minutes, err := intEnv("SESSION_TIMEOUT", int(config.SessionTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(minutes) * time.Minute

	// ALLOWED_ORIGINS is comma-separated
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// KEEPALIVE_PERIOD is in seconds
	seconds, err := intEnv("KEEPALIVE_PERIOD", int(config.KeepAlivePeriod/time.Second))
	if err != nil {
		return nil, err
	}
	config.KeepAlivePeriod = time.Duration(seconds) * time.Second

	return config, nil
}

// LoadClientConfig loads client configuration from environment variables with defaults
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	config := &ClientConfig{
		URL:               "ws://localhost:8080/sahayak-teacher",
		Mode:              "teacher",
		LogLevel:          "info",
		CaptureRate:       48000,
		ChunkSamples:      16000,
		FrameInterval:     2 * time.Second,
		FrameScale:        0.25,
		FrameQuality:      100,
		FrameMinPayload:   1000,
		Quiescence:        time.Second,
		IntroductionDelay: 2 * time.Second,
		PingPeriod:        30 * time.Second,
	}

	config.URL = stringEnv("SAHAYAK_URL", config.URL)
	config.Mode = stringEnv("SAHAYAK_MODE", config.Mode)
	config.LogLevel = stringEnv("LOG_LEVEL", config.LogLevel)
	config.RedisURL = stringEnv("REDIS_URL", config.RedisURL)
	config.RedisPassword = stringEnv("REDIS_PASSWORD", config.RedisPassword)

	var err error
	if config.CaptureRate, err = intEnv("CAPTURE_RATE", config.CaptureRate); err != nil {
		return nil, err
	}
	if config.ChunkSamples, err = intEnv("CHUNK_SAMPLES", config.ChunkSamples); err != nil {
		return nil, err
	}
	if config.FrameQuality, err = intEnv("FRAME_QUALITY", config.FrameQuality); err != nil {
		return nil, err
	}
	if config.FrameMinPayload, err = intEnv("FRAME_MIN_PAYLOAD", config.FrameMinPayload); err != nil {
		return nil, err
	}
	if config.Display, err = intEnv("DISPLAY_INDEX", config.Display); err != nil {
		return nil, err
	}
	if scale := os.Getenv("FRAME_SCALE"); scale != "" {
		s, err := strconv.ParseFloat(scale, 64)
		if err != nil || s <= 0 || s > 1 {
			return nil, fmt.Errorf("invalid FRAME_SCALE: %q", scale)
		}
		config.FrameScale = s
	}
	if config.FrameInterval, err = durationEnv("FRAME_INTERVAL", config.FrameInterval); err != nil {
		return nil, err
	}
	if config.Quiescence, err = durationEnv("PAYLOAD_QUIESCENCE", config.Quiescence); err != nil {
		return nil, err
	}
	if config.IntroductionDelay, err = durationEnv("INTRODUCTION_DELAY", config.IntroductionDelay); err != nil {
		return nil, err
	}
	if config.PingPeriod, err = durationEnv("PING_PERIOD", config.PingPeriod); err != nil {
		return nil, err
	}

	return config, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("1500ms") or plain seconds ("2").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
