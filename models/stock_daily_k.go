package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockDailyK is an archived bar written by sync tasks
type StockDailyK struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	Market     string          `gorm:"size:20;not null;uniqueIndex:uk_stock_daily_k;index" json:"market"`
	Code       string          `gorm:"size:20;not null;uniqueIndex:uk_stock_daily_k;index" json:"code"`
	Period     string          `gorm:"size:10;not null;uniqueIndex:uk_stock_daily_k" json:"period"`
	TradeDate  time.Time       `gorm:"not null;uniqueIndex:uk_stock_daily_k;index" json:"trade_date"`
	Open       decimal.Decimal `gorm:"type:decimal(18,4)" json:"open"`
	Close      decimal.Decimal `gorm:"type:decimal(18,4)" json:"close"`
	High       decimal.Decimal `gorm:"type:decimal(18,4)" json:"high"`
	Low        decimal.Decimal `gorm:"type:decimal(18,4)" json:"low"`
	Volume     int64           `json:"volume"`
	Amount     decimal.Decimal `gorm:"type:decimal(22,2)" json:"amount"`
	SourceCode string          `gorm:"size:50" json:"source_code"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (StockDailyK) TableName() string { return "dg_stock_daily_k" }

// MigrateArchiveModels runs migrations for archived bars
func MigrateArchiveModels(db *gorm.DB) error {
	return db.AutoMigrate(&StockDailyK{})
}

// MigrateAll runs every gateway migration in dependency order
func MigrateAll(db *gorm.DB) error {
	for _, migrate := range []func(*gorm.DB) error{
		MigrateSourceModels,
		MigrateAPIKeyModels,
		MigrateSyncModels,
		MigrateWebhookModels,
		MigrateRequestLogModels,
		MigrateArchiveModels,
	} {
		if err := migrate(db); err != nil {
			return err
		}
	}
	return nil
}
