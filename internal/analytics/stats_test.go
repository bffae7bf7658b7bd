package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"galion/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestStatsManager(t *testing.T) *StatsManager {
	t.Helper()
	dir := t.TempDir()
	m, err := storage.Open(filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewStatsManager(m, dir)
}

func TestTrackDownloadBytesAccumulates(t *testing.T) {
	sm := newTestStatsManager(t)

	sm.TrackDownloadBytes(1000)
	sm.TrackDownloadBytes(2000)
	sm.TrackFileCompleted()

	require.Eventually(t, func() bool {
		total, err := sm.GetLifetimeStats()
		return err == nil && total == 3000
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		files, err := sm.GetTotalFiles()
		return err == nil && files == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCurrentSpeedAtomic(t *testing.T) {
	sm := newTestStatsManager(t)
	require.Zero(t, sm.GetCurrentSpeed())
	sm.UpdateDownloadSpeed(512000)
	require.EqualValues(t, 512000, sm.GetCurrentSpeed())
}

func TestGetDiskUsageInRange(t *testing.T) {
	sm := newTestStatsManager(t)
	usage := sm.GetDiskUsage()
	require.GreaterOrEqual(t, usage.Percent, 0.0)
	require.LessOrEqual(t, usage.Percent, 100.0)
}

func TestGetAnalyticsAggregates(t *testing.T) {
	sm := newTestStatsManager(t)
	sm.TrackDownloadBytes(4096)

	require.Eventually(t, func() bool {
		a := sm.GetAnalytics()
		return a.TotalDownloaded == 4096
	}, time.Second, 10*time.Millisecond)
}
