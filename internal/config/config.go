package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the server reads at startup. All timing
// bounds are named here so nothing in the lifecycle code sleeps on a magic
// number.
type Config struct {
	ListenAddr string
	RTMPAddr   string

	// StorePath is the JSON repository file. Ignored when PostgresDSN is set.
	StorePath   string
	PostgresDSN string
	RedisURL    string

	OutputDir   string
	FFmpegPath  string
	FFprobePath string

	// SettleDelay is how long the supervisor waits after authorization
	// before spawning ffmpeg, giving the ingest edge time to accept frames.
	SettleDelay time.Duration
	// StopTimeout bounds the graceful SIGTERM window before SIGKILL.
	StopTimeout time.Duration

	PersistRetryAttempts int
	PersistRetryBackoff  time.Duration

	MaxChatMessageLength int

	// StreamKeyPepper is mixed into stream-key digests at rest. Changing it
	// invalidates every issued key.
	StreamKeyPepper string

	PublicBaseURL string

	LogLevel  string
	LogFormat string
}

// Load reads optional .env files and then the process environment into a
// Config. Missing .env files are not an error; unset variables fall back to
// the defaults below.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:           GetEnv("LIVECAST_LISTEN_ADDR", ":8080"),
		RTMPAddr:             GetEnv("LIVECAST_RTMP_ADDR", ":1935"),
		StorePath:            GetEnv("LIVECAST_STORE_PATH", "data/livecast.json"),
		PostgresDSN:          GetEnv("LIVECAST_POSTGRES_DSN", ""),
		RedisURL:             GetEnv("LIVECAST_REDIS_URL", ""),
		OutputDir:            GetEnv("LIVECAST_OUTPUT_DIR", "data/streams"),
		FFmpegPath:           GetEnv("LIVECAST_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:          GetEnv("LIVECAST_FFPROBE_PATH", "ffprobe"),
		SettleDelay:          GetEnvDuration("LIVECAST_SETTLE_DELAY", time.Second),
		StopTimeout:          GetEnvDuration("LIVECAST_STOP_TIMEOUT", 5*time.Second),
		PersistRetryAttempts: GetEnvInt("LIVECAST_PERSIST_RETRY_ATTEMPTS", 3),
		PersistRetryBackoff:  GetEnvDuration("LIVECAST_PERSIST_RETRY_BACKOFF", 500*time.Millisecond),
		MaxChatMessageLength: GetEnvInt("LIVECAST_MAX_CHAT_MESSAGE", 500),
		StreamKeyPepper:      GetEnv("LIVECAST_STREAM_KEY_PEPPER", ""),
		PublicBaseURL:        GetEnv("LIVECAST_PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:             GetEnv("LIVECAST_LOG_LEVEL", "info"),
		LogFormat:            GetEnv("LIVECAST_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server could not run with.
func (c Config) Validate() error {
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %s", c.SettleDelay)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive, got %s", c.StopTimeout)
	}
	if c.PersistRetryAttempts < 1 {
		return fmt.Errorf("persist retry attempts must be at least 1, got %d", c.PersistRetryAttempts)
	}
	if c.MaxChatMessageLength < 1 {
		return fmt.Errorf("max chat message length must be at least 1, got %d", c.MaxChatMessageLength)
	}
	return nil
}

// GetEnv returns the value of the environment variable named by key, or
// fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback when unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the parsed duration value of the environment
// variable named by key, or fallback when unset or unparseable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by
// key, or fallback when unset or unparseable.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}
