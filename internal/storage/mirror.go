package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Mirror is the job-state mirror sink plus the small set of ambient
// key/value and analytics tables the teacher's storage package carried.
// Grounded on internal/storage/models.go's gorm tags; the teacher's
// alternative db.go (a badger-backed, conflicting Task type never imported
// by go.mod) is dropped — see DESIGN.md.
type Mirror struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite-backed mirror at path.
func Open(path string) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if err := db.AutoMigrate(&JobRecord{}, &DailyStat{}, &AppSetting{}, &SpeedTestHistory{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Mirror{db: db}, nil
}

func (m *Mirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MirrorJob upserts the denormalised view of a job. This is the only write
// path for job records (the daily counters, settings and speed tests have
// their own); there is no read-back of job records into the core (spec §6).
type JobSnapshot struct {
	ID          string
	URL         string
	URLHash     string
	PlatformID  string
	Status      string
	Priority    int
	RetryCount  int
	MaxRetries  int
	Progress    float64
	CreatedAt   string
	StartedAt   string
	CompletedAt string
	FailedAt    string
	Error       string
	Result      map[string]string
}

func (m *Mirror) MirrorJob(s JobSnapshot) error {
	resultJSON := ""
	if len(s.Result) > 0 {
		b, _ := json.Marshal(s.Result)
		resultJSON = string(b)
	}

	record := JobRecord{
		ID:          s.ID,
		URL:         s.URL,
		URLHash:     s.URLHash,
		PlatformID:  s.PlatformID,
		Status:      s.Status,
		Priority:    s.Priority,
		RetryCount:  s.RetryCount,
		MaxRetries:  s.MaxRetries,
		Progress:    s.Progress,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		FailedAt:    s.FailedAt,
		Error:       s.Error,
		ResultJSON:  resultJSON,
	}

	return m.db.Save(&record).Error
}

// IncrementDailyBytes performs an upsert-increment of today's byte counter.
func (m *Mirror) IncrementDailyBytes(bytes int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	return m.db.Exec(
		`INSERT INTO daily_stats (date, bytes, files) VALUES (?, ?, 0)
		 ON CONFLICT(date) DO UPDATE SET bytes = bytes + excluded.bytes`,
		today, bytes,
	).Error
}

// IncrementDailyFiles performs an upsert-increment of today's file counter.
func (m *Mirror) IncrementDailyFiles() error {
	today := time.Now().UTC().Format("2006-01-02")
	return m.db.Exec(
		`INSERT INTO daily_stats (date, bytes, files) VALUES (?, 0, 1)
		 ON CONFLICT(date) DO UPDATE SET files = files + 1`,
		today,
	).Error
}

// GetTotalLifetime sums bytes across all daily_stats rows.
func (m *Mirror) GetTotalLifetime() (int64, error) {
	var total int64
	err := m.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

// GetTotalFiles sums files across all daily_stats rows.
func (m *Mirror) GetTotalFiles() (int64, error) {
	var total int64
	err := m.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

// GetDailyHistory returns the last n days of stats, most recent first.
func (m *Mirror) GetDailyHistory(n int) ([]DailyStat, error) {
	var stats []DailyStat
	err := m.db.Order("date DESC").Limit(n).Find(&stats).Error
	return stats, err
}

// GetString/SetString back the small set of runtime-mutable settings (e.g.
// a generated control-surface token) that don't belong in the static Config.
func (m *Mirror) GetString(key string) (string, error) {
	var setting AppSetting
	err := m.db.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (m *Mirror) SetString(key, value string) error {
	return m.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// SaveSpeedTest records a diagnostic speed-test result.
func (m *Mirror) SaveSpeedTest(result SpeedTestHistory) error {
	return m.db.Create(&result).Error
}
