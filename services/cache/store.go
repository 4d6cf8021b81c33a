package cache

import (
	"context"
	"strings"
	"time"

	"data_gateway/models"
)

// Key identifies one cached response
type Key struct {
	Kind   models.DataKind
	Market string
	Symbol string
	// kline only; money flow keeps its date in StartDate
	Period    string
	StartDate string
	EndDate   string
}

// String builds the canonical key: kind:market:symbol[:period:start:end]
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	b.WriteByte(':')
	b.WriteString(k.Market)
	b.WriteByte(':')
	b.WriteString(k.Symbol)
	if k.Period != "" || k.StartDate != "" || k.EndDate != "" {
		b.WriteByte(':')
		b.WriteString(k.Period)
		b.WriteByte(':')
		b.WriteString(k.StartDate)
		b.WriteByte(':')
		b.WriteString(k.EndDate)
	}
	return b.String()
}

// Entry is one live cache record
type Entry struct {
	Payload   models.Payload
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is stale at now
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is a TTL keyed response cache. Put is an upsert: a reader sees
// either the previous entry or the new one, never a mix.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, key Key, payload models.Payload, source string, ttl time.Duration) error
	Invalidate(ctx context.Context, key Key) error
	// Evict drops expired entries and reports how many were removed
	Evict(ctx context.Context) (int, error)
}

// TTLPolicy maps data kinds to their time-to-live
type TTLPolicy struct {
	Quote       time.Duration
	Kline       time.Duration
	Fundamental time.Duration
	MoneyFlow   time.Duration
	Sector      time.Duration
}

// DefaultTTLPolicy is quote 5s, kline 60s, fundamental 1h, money flow 60s,
// sectors 30s
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Quote:       5 * time.Second,
		Kline:       60 * time.Second,
		Fundamental: time.Hour,
		MoneyFlow:   60 * time.Second,
		Sector:      30 * time.Second,
	}
}

func (p TTLPolicy) For(kind models.DataKind) time.Duration {
	switch kind {
	case models.KindQuote:
		return p.Quote
	case models.KindKline:
		return p.Kline
	case models.KindFundamental:
		return p.Fundamental
	case models.KindMoneyFlow:
		return p.MoneyFlow
	case models.KindSector:
		return p.Sector
	}
	return p.Quote
}
