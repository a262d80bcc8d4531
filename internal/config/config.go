// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// OCR backend
	OCRBaseURL string
	OCRAPIKey  string
	ModelID    string

	// Decomposition thresholds
	MaxDocumentBytes int64
	MaxImageBytes    int
	PagesPerChunk    int

	// Rasterization
	DPI         int
	JPEGQuality int
	UsePNG      bool

	// Submission
	MaxRetries         int
	SubmitTimeout      time.Duration
	BackoffUnit        time.Duration
	MinRequestInterval time.Duration
	RateLimitRetryWait time.Duration

	// Upload indirection; empty bucket disables it
	UploadBucket string
	SignedURLTTL time.Duration

	// Checkpoints
	CheckpointDir string

	// CLI
	MaxConcurrentJobs int
}

func Load() Config {
	return Config{
		OCRBaseURL: envStr("OCR_BASE_URL", "https://api.mistral.ai/v1"),
		OCRAPIKey:  envStr("OCR_API_KEY", os.Getenv("MISTRAL_API_KEY")),
		ModelID:    envStr("OCR_MODEL", "mistral-ocr-latest"),

		MaxDocumentBytes: int64(envInt("MAX_DOCUMENT_BYTES", 10<<20)),
		MaxImageBytes:    envInt("MAX_IMAGE_BYTES", 4<<20),
		PagesPerChunk:    envInt("PAGES_PER_CHUNK", 10),

		DPI:         envInt("RASTER_DPI", 150),
		JPEGQuality: envInt("JPEG_QUALITY", 85),
		UsePNG:      envBool("RASTER_PNG", false),

		MaxRetries:         envInt("MAX_RETRIES", 3),
		SubmitTimeout:      envDur("SUBMIT_TIMEOUT", 300*time.Second),
		BackoffUnit:        envDur("BACKOFF_UNIT", time.Second),
		MinRequestInterval: envDur("MIN_REQUEST_INTERVAL", time.Second),
		RateLimitRetryWait: envDur("RATE_LIMIT_RETRY_WAIT", 30*time.Second),

		UploadBucket: envStr("UPLOAD_BUCKET", ""),
		SignedURLTTL: envDur("SIGNED_URL_TTL", time.Hour),

		CheckpointDir: envStr("CHECKPOINT_DIR", defaultCheckpointDir()),

		MaxConcurrentJobs: envInt("MAX_CONCURRENT_JOBS", 2),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.OCRAPIKey) == "" {
		return fmt.Errorf("OCR_API_KEY (or MISTRAL_API_KEY) must be set")
	}
	return nil
}

func defaultCheckpointDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ocrflow")
	}
	return filepath.Join(os.TempDir(), "ocrflow")
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
