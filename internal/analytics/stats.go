// Package analytics provides download statistics and disk usage tracking,
// backed by the job-state mirror's daily_stats table.
package analytics

import (
	"sync/atomic"

	"galion/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsageInfo holds disk space information.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// AnalyticsData holds aggregate analytics for the control surface's status endpoint.
type AnalyticsData struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
}

// StatsManager tracks download statistics and analytics.
type StatsManager struct {
	mirror         *storage.Mirror
	currentSpeed   int64 // atomic, bytes/sec
	downloadsRoot  string
}

// NewStatsManager creates a stats manager backed by the mirror and the
// configured downloads root (used for disk-usage reporting).
func NewStatsManager(m *storage.Mirror, downloadsRoot string) *StatsManager {
	return &StatsManager{
		mirror:        m,
		downloadsRoot: downloadsRoot,
	}
}

// UpdateDownloadSpeed updates the current global download speed (atomic).
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the instant speed.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// TrackDownloadBytes increments today's download stats using SQL upsert.
func (sm *StatsManager) TrackDownloadBytes(bytes int64) {
	go func() {
		_ = sm.mirror.IncrementDailyBytes(bytes)
	}()
}

// TrackFileCompleted increments today's file count using SQL upsert.
func (sm *StatsManager) TrackFileCompleted() {
	go func() {
		_ = sm.mirror.IncrementDailyFiles()
	}()
}

// GetLifetimeStats returns total bytes downloaded using SQL SUM.
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.mirror.GetTotalLifetime()
}

// GetTotalFiles returns total files downloaded using SQL SUM.
func (sm *StatsManager) GetTotalFiles() (int64, error) {
	return sm.mirror.GetTotalFiles()
}

// GetDailyStats returns the last N days of stats.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.mirror.GetDailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}

	res := make(map[string]int64)
	for _, stat := range stats {
		res[stat.Date] = stat.Bytes
	}
	return res, nil
}

// GetDiskUsage reports disk space for the filesystem backing the downloads
// root, falling back to "/" if the path can't be resolved.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	path := sm.downloadsRoot
	if path == "" {
		path = "/"
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics returns comprehensive analytics data.
func (sm *StatsManager) GetAnalytics() AnalyticsData {
	lifetime, _ := sm.GetLifetimeStats()
	totalFiles, _ := sm.GetTotalFiles()
	daily, _ := sm.GetDailyStats(7)
	diskUsage := sm.GetDiskUsage()

	return AnalyticsData{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		DailyHistory:    daily,
		DiskUsage:       diskUsage,
	}
}
