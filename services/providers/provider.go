package providers

import (
	"context"
	"sort"

	"data_gateway/models"
)

// KlineQuery selects a bar series
type KlineQuery struct {
	Market    string
	Symbol    string
	Period    string
	StartDate string // YYYY-MM-DD
	EndDate   string
}

// Provider is an opaque upstream fetcher. Implementations return
// normalized payloads or an error; apperrors.NotFound marks an unknown
// symbol rather than a broken source.
type Provider interface {
	Code() string
	Quote(ctx context.Context, market string, symbols []string) (models.QuotePayload, error)
	Kline(ctx context.Context, q KlineQuery) (models.KlinePayload, error)
	Fundamentals(ctx context.Context, market, symbol string) (models.FundamentalPayload, error)
	// date is YYYY-MM-DD; empty means the latest session
	MoneyFlow(ctx context.Context, market, symbol, date string) (models.MoneyFlowPayload, error)
	Sectors(ctx context.Context, market, sectorType string) (models.SectorPayload, error)
}

// Set indexes providers by code
type Set map[string]Provider

func NewSet(ps ...Provider) Set {
	s := make(Set, len(ps))
	for _, p := range ps {
		s[p.Code()] = p
	}
	return s
}

func (s Set) Get(code string) (Provider, bool) {
	p, ok := s[code]
	return p, ok
}

// Codes lists registered provider codes in order
func (s Set) Codes() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
