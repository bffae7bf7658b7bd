package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"GALION_WORKER_COUNT", "GALION_DOWNLOAD_CHUNK_BYTES", "GALION_MAX_RETRIES",
		"GALION_DOWNLOADS_ROOT", "GALION_REDIS_ADDR", "GALION_REAPER_INTERVAL_SECONDS",
	} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg := Load()
	require.Equal(t, 5, cfg.WorkerCount)
	require.EqualValues(t, 1<<20, cfg.DownloadChunkBytes)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, "./downloads", cfg.DownloadsRoot)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	require.Equal(t, 30*time.Second, cfg.ReaperInterval)
	require.Equal(t, 600*time.Second, cfg.ReaperStaleAfter)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("GALION_WORKER_COUNT", "12")
	t.Setenv("GALION_DOWNLOADS_ROOT", "/data/downloads")
	t.Setenv("GALION_SCANNER", "clamav")

	cfg := Load()
	require.Equal(t, 12, cfg.WorkerCount)
	require.Equal(t, "/data/downloads", cfg.DownloadsRoot)
	require.Equal(t, "clamav", cfg.Scanner)
}

func TestLoadIgnoresMalformedIntEnv(t *testing.T) {
	t.Setenv("GALION_WORKER_COUNT", "not-a-number")
	cfg := Load()
	require.Equal(t, 5, cfg.WorkerCount)
}
