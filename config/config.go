package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	UploadsDir   string
	ConvertedDir string

	WorkerCount      int
	PollInterval     time.Duration
	RecoveryInterval time.Duration
	StallWindow      time.Duration

	MaxAttempts int
	BackoffBase time.Duration
	JobTTL      time.Duration

	FfmpegPath  string
	FfprobePath string
	GifFPS      int
	GifHeight   int

	MemoryThreshold float64
	MemoryInterval  time.Duration

	// Optional integrations; empty values disable them.
	DatabaseURL string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string
	S3PathStyle bool
}

func Load() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "vid2gif"),

		UploadsDir:   getEnv("UPLOADS_DIR", "/app/shared/uploads"),
		ConvertedDir: getEnv("CONVERTED_DIR", "/app/shared/converted"),

		WorkerCount:      getEnvInt("WORKER_COUNT", defaultWorkerCount()),
		PollInterval:     getEnvDuration("POLL_INTERVAL_MS", 500*time.Millisecond),
		RecoveryInterval: getEnvDuration("RECOVERY_INTERVAL_MS", 30*time.Second),
		StallWindow:      getEnvDuration("STALL_WINDOW_MS", 30*time.Second),

		MaxAttempts: getEnvInt("QUEUE_ATTEMPTS", 3),
		BackoffBase: getEnvDuration("QUEUE_BACKOFF_BASE_MS", 2*time.Second),
		JobTTL:      getEnvDuration("QUEUE_JOB_TTL_MS", 24*time.Hour),

		FfmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FfprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		GifFPS:      getEnvInt("GIF_FPS", 10),
		GifHeight:   getEnvInt("GIF_HEIGHT", 400),

		MemoryThreshold: getEnvFloat("MEMORY_THRESHOLD", 0.8),
		MemoryInterval:  getEnvDuration("MEMORY_INTERVAL_MS", 10*time.Second),

		DatabaseURL: databaseURL(),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
	}
}

// defaultWorkerCount leaves one core for everything that is not
// transcoding, with a floor of one slot.
func defaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// databaseURL assembles a lib/pq "key=value" connection string from the
// DB_* variables, or returns empty when no host is configured. The
// key=value form avoids URI escaping issues in passwords.
func databaseURL() string {
	host := getEnv("DB_HOST", "")
	if host == "" {
		return ""
	}

	parts := []string{
		"host=" + host,
		"port=" + getEnv("DB_PORT", "5432"),
		"dbname=" + getEnv("DB_DATABASE", "vid2gif"),
		"user=" + getEnv("DB_USERNAME", "vid2gif"),
		"sslmode=" + getEnv("DB_SSLMODE", "disable"),
	}
	if pw := getEnv("DB_PASSWORD", ""); pw != "" {
		parts = append(parts, "password="+pw)
	}
	return strings.Join(parts, " ")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads a millisecond count, matching the original
// deployment's *_MS variable convention.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
