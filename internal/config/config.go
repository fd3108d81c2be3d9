// Package config loads runtime settings from the environment, with a local
// .env file applied first when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the client.
type Config struct {
	// ServerURL is the websocket endpoint of the conversation backend.
	ServerURL string
	// HTTPBaseURL is the REST endpoint of the conversation backend.
	HTTPBaseURL string
	// Character is the character to connect with when none is stored.
	Character string
	// DataDir holds the local preference database.
	DataDir string
	// PlaybackRate is the output sample rate for synthesized speech.
	PlaybackRate int
	// CaptureRate is the target sample rate for outbound microphone audio.
	CaptureRate int
	// HeartbeatInterval is the application-level ping period.
	HeartbeatInterval time.Duration
	// ReconnectDelay is the wait before the single reconnect attempt.
	ReconnectDelay time.Duration
	// CaptureFlushInterval is the streaming-capture chunk cadence.
	CaptureFlushInterval time.Duration
}

// Load reads configuration from the environment. A missing .env file is not
// an error; explicit environment variables always win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerURL:            getEnv("CANDRA_SERVER_URL", "ws://localhost:8080/ws"),
		HTTPBaseURL:          getEnv("CANDRA_HTTP_BASE_URL", "http://localhost:8080"),
		Character:            getEnv("CANDRA_CHARACTER", "hana"),
		DataDir:              getEnv("CANDRA_DATA_DIR", defaultDataDir()),
		PlaybackRate:         getEnvInt("CANDRA_PLAYBACK_RATE", 24000),
		CaptureRate:          getEnvInt("CANDRA_CAPTURE_RATE", 16000),
		HeartbeatInterval:    getEnvDuration("CANDRA_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:       getEnvDuration("CANDRA_RECONNECT_DELAY", 3*time.Second),
		CaptureFlushInterval: getEnvDuration("CANDRA_CAPTURE_FLUSH_INTERVAL", 100*time.Millisecond),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".candra"
	}
	return home + "/.candra"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
