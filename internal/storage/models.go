// Package storage implements the job-state mirror: a minimal, write-only
// gorm+sqlite table that mirrors job status transitions for the spec's
// out-of-scope "relational metadata store". The core never reads it back.
package storage

import (
	"gorm.io/gorm"
)

// JobRecord is the denormalised view of a Job, mirrored on every status
// transition. Field names track the wire fields in the spec's external
// interfaces section (§6).
type JobRecord struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	URL         string         `json:"url"`
	URLHash     string         `gorm:"index" json:"url_hash"`
	PlatformID  string         `gorm:"index" json:"platform_id"`
	Status      string         `gorm:"index" json:"status"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Progress    float64        `json:"progress"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   string         `json:"started_at"`
	CompletedAt string         `json:"completed_at"`
	FailedAt    string         `json:"failed_at"`
	Error       string         `json:"error"`
	ResultJSON  string         `json:"result"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (JobRecord) TableName() string { return "job_records" }

// DailyStat tracks daily download statistics for analytics, grounded on the
// teacher's own table of the same name.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores runtime-mutable key/value settings that fall outside the
// static Config record (e.g. a generated control-surface token).
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past diagnostic speed-test results.
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadMbps   float64 `json:"download_mbps"`
	UploadMbps     float64 `json:"upload_mbps"`
	PingMs         int64   `json:"ping_ms"`
	JitterMs       int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }
