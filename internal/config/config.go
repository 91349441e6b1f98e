package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the runbox server.
type Config struct {
	Port   int
	APIKey string

	// Isolation
	NsjailBin      string // Path to the nsjail binary
	SandboxBaseDir string // Host directory holding per-sandbox scratch dirs
	TmpfsSizeMB    int    // tmpfs size for /tmp inside sandboxes

	// Execution limits
	DefaultMemoryMB  int
	MaxExecutionTime time.Duration // default wall-clock per execution
	MaxCodeBytes     int
	MaxOutputFiles   int
	MaxOutputBytes   int64 // per output file

	// Pool (only py is pool-backed)
	PoolTargetPy      int
	PoolParallelBatch int
	AcquireTimeout    time.Duration
	SandboxTTL        time.Duration

	// Interpreter server
	ReplWarmupTimeout time.Duration
	ReplHealthTimeout time.Duration

	// State persistence
	RedisURL            string
	StateTTL            time.Duration
	StateMaxBytes       int
	StateCaptureOnError bool
	ArchiveAfter        time.Duration // idle threshold before archival
	ArchiveScanInterval time.Duration
	ArchiveTTL          time.Duration // enforced by bucket lifecycle

	// S3-compatible object storage (cold tier + file blobs)
	S3Endpoint        string // e.g. "http://minio:9000"
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool // true for R2/MinIO

	// Signed download links
	JWTSecret string

	// Optional NATS event publishing
	NATSURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   8080,
		APIKey: os.Getenv("RUNBOX_API_KEY"),

		NsjailBin:      envOrDefault("RUNBOX_NSJAIL_BIN", "nsjail"),
		SandboxBaseDir: envOrDefault("RUNBOX_SANDBOX_BASE_DIR", "/tmp/runbox-sandboxes"),
		TmpfsSizeMB:    envOrDefaultInt("RUNBOX_TMPFS_SIZE_MB", 64),

		DefaultMemoryMB:  envOrDefaultInt("RUNBOX_DEFAULT_MEMORY_MB", 512),
		MaxExecutionTime: envOrDefaultDuration("RUNBOX_MAX_EXECUTION_SECONDS", 120*time.Second),
		MaxCodeBytes:     envOrDefaultInt("RUNBOX_MAX_CODE_BYTES", 1<<20),
		MaxOutputFiles:   envOrDefaultInt("RUNBOX_MAX_OUTPUT_FILES", 10),
		MaxOutputBytes:   int64(envOrDefaultInt("RUNBOX_MAX_OUTPUT_FILE_BYTES", 10<<20)),

		PoolTargetPy:      envOrDefaultInt("RUNBOX_POOL_TARGET_PY", 4),
		PoolParallelBatch: envOrDefaultInt("RUNBOX_POOL_PARALLEL_BATCH", 4),
		AcquireTimeout:    envOrDefaultDuration("RUNBOX_ACQUIRE_TIMEOUT_SECONDS", 10*time.Second),
		SandboxTTL:        envOrDefaultDuration("RUNBOX_SANDBOX_TTL_MINUTES", 30*time.Minute),

		ReplWarmupTimeout: envOrDefaultDuration("RUNBOX_REPL_WARMUP_TIMEOUT_SECONDS", 20*time.Second),
		ReplHealthTimeout: envOrDefaultDuration("RUNBOX_REPL_HEALTH_TIMEOUT_SECONDS", 2*time.Second),

		RedisURL:            os.Getenv("RUNBOX_REDIS_URL"),
		StateTTL:            envOrDefaultDuration("RUNBOX_STATE_TTL_SECONDS", 7200*time.Second),
		StateMaxBytes:       envOrDefaultInt("RUNBOX_STATE_MAX_BYTES", 10<<20),
		StateCaptureOnError: envOrDefault("RUNBOX_STATE_CAPTURE_ON_ERROR", "true") == "true",
		ArchiveAfter:        envOrDefaultDuration("RUNBOX_ARCHIVE_AFTER_SECONDS", 1800*time.Second),
		ArchiveScanInterval: envOrDefaultDuration("RUNBOX_ARCHIVE_SCAN_SECONDS", 300*time.Second),
		ArchiveTTL:          envOrDefaultDuration("RUNBOX_ARCHIVE_TTL_HOURS", 24*time.Hour),

		S3Endpoint:        os.Getenv("RUNBOX_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("RUNBOX_S3_BUCKET"),
		S3Region:          envOrDefault("RUNBOX_S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("RUNBOX_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("RUNBOX_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("RUNBOX_S3_FORCE_PATH_STYLE") == "true",

		JWTSecret: os.Getenv("RUNBOX_JWT_SECRET"),
		NATSURL:   os.Getenv("RUNBOX_NATS_URL"),
	}

	if portStr := os.Getenv("RUNBOX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RUNBOX_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envOrDefaultDuration reads an integer env var whose unit is named by
// the key suffix (SECONDS, MINUTES, HOURS).
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	switch {
	case strings.HasSuffix(key, "_MINUTES"):
		return time.Duration(n) * time.Minute
	case strings.HasSuffix(key, "_HOURS"):
		return time.Duration(n) * time.Hour
	default:
		return time.Duration(n) * time.Second
	}
}
