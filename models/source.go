package models

import (
	"time"

	"gorm.io/gorm"
)

// Source is one upstream provider integration for a (market, kind) pair
type Source struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ProviderCode       string    `gorm:"size:50;not null;uniqueIndex:idx_source_identity" json:"provider_code"`
	MarketCode         string    `gorm:"size:20;not null;uniqueIndex:idx_source_identity" json:"market_code"`
	DataKind           DataKind  `gorm:"size:20;not null;uniqueIndex:idx_source_identity" json:"data_kind"`
	Enabled            bool      `gorm:"not null" json:"enabled"`
	PriorityRank       int       `gorm:"not null" json:"priority_rank"` // lower is tried first
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	RateLimitPerHour   int       `json:"rate_limit_per_hour"`
	Seq                int       `gorm:"not null" json:"-"` // insertion order, breaks priority ties
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Source) TableName() string { return "dg_sources" }

// Touch stamps UpdatedAt
func (s *Source) Touch(now time.Time) {
	s.UpdatedAt = now
}

// Health status values
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
	HealthUnknown  = "unknown"
)

// SourceHealth is the persisted snapshot of a source's health accumulator
type SourceHealth struct {
	SourceID      uint       `gorm:"primaryKey;autoIncrement:false" json:"source_id"`
	ProviderCode  string     `gorm:"size:50" json:"provider_code"`
	MarketCode    string     `gorm:"size:20" json:"market_code"`
	DataKind      DataKind   `gorm:"size:20" json:"data_kind"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	TotalCount    int64      `json:"total_count"`
	AvgResponseMs float64    `json:"avg_response_ms"`
	ErrorRate     float64    `json:"error_rate"` // percent over the rolling window
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (SourceHealth) TableName() string { return "dg_source_health" }

// MigrateSourceModels runs migrations for the source catalog
func MigrateSourceModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Source{},
		&SourceHealth{},
	)
}
