package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"data_gateway/logger"
	"data_gateway/models"
)

// Store persists synced bars. Writes are idempotent per
// (market, code, period, trade date); the return value is the number of
// bars accepted.
type Store interface {
	Store(ctx context.Context, source string, payload models.KlinePayload) (int, error)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"20060102",
}

// ParseTradeDate accepts the datetime formats providers emit
func ParseTradeDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized trade date %q", s)
}

// toRows converts bars, dropping any whose datetime cannot be parsed
func toRows(source string, payload models.KlinePayload) []models.StockDailyK {
	rows := make([]models.StockDailyK, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		td, err := ParseTradeDate(b.Datetime)
		if err != nil {
			logger.WithComponent("archive").WithError(err).WithField("symbol", b.Symbol).Warn("skipping bar")
			continue
		}
		rows = append(rows, models.StockDailyK{
			Market:     b.Market,
			Code:       b.Symbol,
			Period:     b.Period,
			TradeDate:  td,
			Open:       b.Open,
			Close:      b.Close,
			High:       b.High,
			Low:        b.Low,
			Volume:     b.Volume,
			Amount:     b.Amount,
			SourceCode: source,
		})
	}
	return rows
}

// Multi fans a write out to several stores. The first store is primary:
// its count is returned and its error fails the write; secondaries only log.
type Multi []Store

func (m Multi) Store(ctx context.Context, source string, payload models.KlinePayload) (int, error) {
	if len(m) == 0 {
		return 0, errors.New("archive: no store configured")
	}
	n, err := m[0].Store(ctx, source, payload)
	if err != nil {
		return n, err
	}
	for _, s := range m[1:] {
		if _, serr := s.Store(ctx, source, payload); serr != nil {
			logger.WithComponent("archive").WithError(serr).Warn("secondary archive write failed")
		}
	}
	return n, nil
}
