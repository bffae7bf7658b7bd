// Package config loads the single static configuration record described in
// the spec's external-interfaces section (§6), env-loaded with documented
// defaults. This is a simplification of the teacher's mutable KV-backed
// ConfigManager (internal/config/settings.go): the spec describes "a single
// configuration record with fields enumerated", not a runtime settings
// store, so the KV idiom is kept only for the few genuinely-mutable
// ambient values (see storage.Mirror.GetString/SetString) rather than
// duplicated here.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration record.
type Config struct {
	WorkerCount            int
	DownloadChunkBytes     int64
	DownloadTimeoutSeconds int
	MaxRetries             int
	JobRetentionSeconds    int64
	CompletedLogCap        int
	RateLimitDefaultRPM    int
	RateLimitOverrides     map[string]int // platform id -> rpm
	DownloadsRoot          string
	CredentialStoreEndpoint string
	ExternalExtractorPath  string

	// Ambient fields required by a runnable binary but outside the
	// distilled spec's enumerated list.
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	SQLitePath           string
	LogLevel             string
	LogJSONPath          string
	ControlAddr          string
	ReaperInterval        time.Duration
	ReaperStaleAfter      time.Duration
	BandwidthLimitBps    int64
	Scanner              string // "none" | "clamav" | "windows-defender"
	ControlToken         string
	MaxConcurrentRequests int64
	MinWorkerCount       int
	MaxWorkerCount       int
	AdviserInterval      time.Duration
}

// Load builds a Config from the environment, applying the spec's §6
// defaults where a variable is unset.
func Load() Config {
	return Config{
		WorkerCount:             envInt("GALION_WORKER_COUNT", 5),
		DownloadChunkBytes:      envInt64("GALION_DOWNLOAD_CHUNK_BYTES", 1<<20),
		DownloadTimeoutSeconds:  envInt("GALION_DOWNLOAD_TIMEOUT_SECONDS", 300),
		MaxRetries:              envInt("GALION_MAX_RETRIES", 3),
		JobRetentionSeconds:     envInt64("GALION_JOB_RETENTION_SECONDS", 7*86400),
		CompletedLogCap:         envInt("GALION_COMPLETED_LOG_CAP", 1000),
		RateLimitDefaultRPM:     envInt("GALION_RATE_LIMIT_DEFAULT_RPM", 60),
		RateLimitOverrides:      map[string]int{},
		DownloadsRoot:           envString("GALION_DOWNLOADS_ROOT", "./downloads"),
		CredentialStoreEndpoint: envString("GALION_CREDENTIAL_STORE_ENDPOINT", ""),
		ExternalExtractorPath:   envString("GALION_EXTRACTOR_PATH", "yt-dlp"),

		RedisAddr:        envString("GALION_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:    envString("GALION_REDIS_PASSWORD", ""),
		RedisDB:          envInt("GALION_REDIS_DB", 0),
		SQLitePath:       envString("GALION_SQLITE_PATH", "./galion.db"),
		LogLevel:         envString("GALION_LOG_LEVEL", "info"),
		LogJSONPath:      envString("GALION_LOG_JSON_PATH", "./galion.log.json"),
		ControlAddr:      envString("GALION_CONTROL_ADDR", "127.0.0.1:4444"),
		ReaperInterval:   time.Duration(envInt("GALION_REAPER_INTERVAL_SECONDS", 30)) * time.Second,
		ReaperStaleAfter: time.Duration(envInt("GALION_REAPER_STALE_AFTER_SECONDS", 600)) * time.Second,
		BandwidthLimitBps: envInt64("GALION_BANDWIDTH_LIMIT_BYTES_PER_SEC", 0),
		Scanner:          envString("GALION_SCANNER", "none"),
		ControlToken:          envString("GALION_CONTROL_TOKEN", ""),
		MaxConcurrentRequests: envInt64("GALION_MAX_CONCURRENT_REQUESTS", 4),
		MinWorkerCount:        envInt("GALION_MIN_WORKER_COUNT", 1),
		MaxWorkerCount:        envInt("GALION_MAX_WORKER_COUNT", 20),
		AdviserInterval:       time.Duration(envInt("GALION_ADVISER_INTERVAL_SECONDS", 15)) * time.Second,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
