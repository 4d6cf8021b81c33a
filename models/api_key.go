package models

import (
	"time"

	"gorm.io/gorm"
)

// APIKey is a caller credential. Empty allow-lists mean "any".
type APIKey struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	KeyCode            string     `gorm:"size:64;uniqueIndex;not null" json:"key_code"`
	SecretHash         string     `gorm:"size:100;not null" json:"-"`
	Name               string     `gorm:"size:100" json:"name"`
	Enabled            bool       `gorm:"not null" json:"enabled"`
	AllowedMarkets     []string   `gorm:"serializer:json" json:"allowed_markets"`
	AllowedPaths       []string   `gorm:"serializer:json" json:"allowed_paths"`
	AllowedIPs         []string   `gorm:"serializer:json" json:"allowed_ips"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"` // 0 uses the configured default
	RateLimitPerHour   int        `json:"rate_limit_per_hour"`
	UsageCount         int64      `gorm:"not null;default:0" json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (APIKey) TableName() string { return "dg_api_keys" }

// MigrateAPIKeyModels runs migrations for API keys
func MigrateAPIKeyModels(db *gorm.DB) error {
	return db.AutoMigrate(&APIKey{})
}
