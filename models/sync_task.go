package models

import (
	"time"

	"gorm.io/gorm"
)

// Sync task types
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
	SyncTypeSymbol      = "symbol"
)

// Sync task statuses
const (
	SyncPending   = "pending"
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
	SyncCancelled = "cancelled"
)

// Sync item outcomes
const (
	ItemSuccess = "success"
	ItemFailed  = "failed"
	ItemNoData  = "no_data"
)

// SyncTask is a bulk historical backfill job
type SyncTask struct {
	ID            string     `gorm:"primaryKey;size:36" json:"task_id"`
	TaskType      string     `gorm:"size:20;not null" json:"type"`
	Market        string     `gorm:"size:20;not null;index" json:"market"`
	Period        string     `gorm:"size:20;not null" json:"period"`
	StartDate     string     `gorm:"size:10" json:"start_date"`
	EndDate       string     `gorm:"size:10" json:"end_date"`
	Symbols       []string   `gorm:"serializer:json" json:"symbols"`
	Status        string     `gorm:"size:20;not null;index" json:"status"`
	Progress      float64    `json:"progress"`
	CurrentSymbol string     `gorm:"size:20" json:"current_symbol"`
	TotalSymbols  int        `json:"total_symbols"`
	SuccessCount  int        `json:"success_count"`
	FailedCount   int        `json:"failed_count"`
	SkippedCount  int        `json:"skipped_count"`
	TotalRecords  int64      `json:"total_records"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
}

func (SyncTask) TableName() string { return "dg_sync_tasks" }

// Touch stamps UpdatedAt and the liveness heartbeat
func (t *SyncTask) Touch(now time.Time) {
	t.UpdatedAt = now
	if t.Status == SyncRunning {
		t.HeartbeatAt = &now
	}
}

// Terminal reports whether the task can no longer change state
func (t *SyncTask) Terminal() bool {
	switch t.Status {
	case SyncCompleted, SyncFailed, SyncCancelled:
		return true
	}
	return false
}

// Processed is the number of symbols that already have an item
func (t *SyncTask) Processed() int {
	return t.SuccessCount + t.FailedCount + t.SkippedCount
}

// SyncTaskItem records the outcome of one symbol within a task
type SyncTaskItem struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TaskID       string    `gorm:"size:36;not null;index" json:"task_id"`
	Symbol       string    `gorm:"size:20;not null" json:"symbol"`
	Status       string    `gorm:"size:20;not null" json:"status"`
	RecordCount  int       `json:"record_count"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Source       string    `gorm:"size:50" json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SyncTaskItem) TableName() string { return "dg_sync_task_items" }

// MigrateSyncModels runs migrations for sync tasks
func MigrateSyncModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&SyncTask{},
		&SyncTaskItem{},
	)
}
