package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port              string
	StreamPort        string
	DataDir           string
	MaxFileSize       int64
	MaxMultipartSize  int64
	DefaultTTL        time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	StaleUploadAge    time.Duration
	BcryptCost        int
	BaseURL           string
	DatabaseURL       string
	RateLimitRPS      float64
	RateLimitBurst    int
	LogLevel          slog.Level
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		StreamPort:        getEnv("STREAM_PORT", "9090"),
		DataDir:           getEnv("DATA_DIR", filepath.Join(os.TempDir(), "peerlink-uploads")),
		MaxFileSize:       getEnvInt64("MAX_FILE_SIZE", 5*1024*1024*1024), // 5GB
		MaxMultipartSize:  getEnvInt64("MAX_MULTIPART_SIZE", 256*1024*1024),
		DefaultTTL:        getEnvDuration("DEFAULT_TTL", 2*time.Hour),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		StaleUploadAge:    getEnvDuration("STALE_UPLOAD_AGE", 0),
		BcryptCost:        getEnvInt("BCRYPT_COST", 10),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RateLimitRPS:      getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 20),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// UploadDir holds whole-body uploads and finalized chunked uploads.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "files")
}

// PartsDir holds in-progress chunked uploads.
func (c *Config) PartsDir() string {
	return filepath.Join(c.DataDir, "parts")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90m", "15s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		return fallback
	}
	return level
}
