package archive

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"data_gateway/models"
)

const batchSize = 500

// SQLArchive upserts bars into dg_stock_daily_k
type SQLArchive struct {
	db *gorm.DB
}

func NewSQLArchive(db *gorm.DB) *SQLArchive {
	return &SQLArchive{db: db}
}

func (a *SQLArchive) Store(ctx context.Context, source string, payload models.KlinePayload) (int, error) {
	rows := toRows(source, payload)
	if len(rows) == 0 {
		return 0, nil
	}

	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "market"}, {Name: "code"}, {Name: "period"}, {Name: "trade_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open", "close", "high", "low", "volume", "amount", "source_code",
		}),
	}).CreateInBatches(&rows, batchSize).Error
	if err != nil {
		return 0, fmt.Errorf("archive bars: %w", err)
	}
	return len(rows), nil
}

// Range returns archived bars for one series ordered by trade date
func (a *SQLArchive) Range(ctx context.Context, market, code, period string) ([]models.StockDailyK, error) {
	var rows []models.StockDailyK
	err := a.db.WithContext(ctx).
		Where("market = ? AND code = ? AND period = ?", market, code, period).
		Order("trade_date").
		Find(&rows).Error
	return rows, err
}
