package models

import (
	"time"

	"gorm.io/gorm"
)

// Webhook event types
const (
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventSyncCancelled = "sync.cancelled"
	EventDataAvailable = "data.available"
)

// Webhook delivery statuses
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliveryPending = "pending"
)

// WebhookSubscription is a registered receiver for gateway events.
// Market "" or "*" matches every market; empty filters match everything.
type WebhookSubscription struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	URL            string    `gorm:"size:500;not null" json:"url"`
	Secret         string    `gorm:"size:200;not null" json:"-"`
	Enabled        bool      `gorm:"not null" json:"enabled"`
	Market         string    `gorm:"size:20" json:"market"`
	Symbols        []string  `gorm:"serializer:json" json:"symbols"`
	EventTypes     []string  `gorm:"serializer:json" json:"event_types"`
	MaxAttempts    int       `json:"max_attempts"`
	BackoffSeconds int       `json:"backoff_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (WebhookSubscription) TableName() string { return "dg_webhook_subscriptions" }

func (s *WebhookSubscription) Touch(now time.Time) {
	s.UpdatedAt = now
}

// WebhookEvent is one delivery attempt
type WebhookEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	DeliveryID     string    `gorm:"size:36;not null;index" json:"delivery_id"`
	EventType      string    `gorm:"size:50;not null" json:"event_type"`
	Payload        string    `gorm:"type:text" json:"payload"`
	AttemptNum     int       `gorm:"not null" json:"attempt_num"`
	HTTPStatus     int       `json:"http_status"`
	Status         string    `gorm:"size:20;not null" json:"status"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (WebhookEvent) TableName() string { return "dg_webhook_events" }

// MigrateWebhookModels runs migrations for webhooks
func MigrateWebhookModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&WebhookSubscription{},
		&WebhookEvent{},
	)
}
