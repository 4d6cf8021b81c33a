package models

import (
	"time"

	"gorm.io/gorm"
)

// RequestLogEntry is an immutable record of one call, inbound or upstream
type RequestLogEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Path         string    `gorm:"size:200;not null" json:"path"`
	Method       string    `gorm:"size:10" json:"method"`
	Params       string    `gorm:"type:text" json:"params,omitempty"`
	ClientIP     string    `gorm:"size:64" json:"client_ip"`
	ClientKey    string    `gorm:"size:64" json:"client_key"`
	Market       string    `gorm:"size:20;index" json:"market"`
	Source       string    `gorm:"size:50" json:"source"`
	LatencyMs    int64     `json:"latency_ms"`
	HTTPStatus   int       `json:"http_status"`
	ResponseSize int       `json:"response_size"`
	CacheHit     bool      `json:"cache_hit"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (RequestLogEntry) TableName() string { return "dg_request_logs" }

// MethodFetch marks rows written for upstream source calls rather than
// inbound API requests
const MethodFetch = "FETCH"

// Succeeded treats 2xx and 3xx as success
func (e *RequestLogEntry) Succeeded() bool {
	return e.HTTPStatus >= 200 && e.HTTPStatus < 400
}

// DailyStatistic aggregates request logs per (date, market, source)
type DailyStatistic struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	StatDate         string    `gorm:"size:10;not null;uniqueIndex:idx_daily_stat" json:"stat_date"`
	Market           string    `gorm:"size:20;not null;uniqueIndex:idx_daily_stat" json:"market"`
	Source           string    `gorm:"size:50;not null;uniqueIndex:idx_daily_stat" json:"source"`
	TotalRequests    int64     `json:"total_requests"`
	SuccessRequests  int64     `json:"success_requests"`
	FailedRequests   int64     `json:"failed_requests"`
	CacheHits        int64     `json:"cache_hits"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	UpstreamCalls    int64     `json:"upstream_calls"`
	UpstreamFailures int64     `json:"upstream_failures"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (DailyStatistic) TableName() string { return "dg_daily_statistics" }

// MigrateRequestLogModels runs migrations for request logs and statistics
func MigrateRequestLogModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&RequestLogEntry{},
		&DailyStatistic{},
	)
}
