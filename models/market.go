package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DataKind is the category of market data a source serves
type DataKind string

const (
	KindQuote       DataKind = "quote"
	KindKline       DataKind = "kline"
	KindFundamental DataKind = "fundamental"
	KindMoneyFlow   DataKind = "money_flow"
	KindSector      DataKind = "sector"
)

// Valid reports whether k is one of the known data kinds
func (k DataKind) Valid() bool {
	switch k {
	case KindQuote, KindKline, KindFundamental, KindMoneyFlow, KindSector:
		return true
	}
	return false
}

// Market codes
const (
	MarketCNA      = "cn_a"
	MarketHK       = "hk"
	MarketUS       = "us"
	MarketFutures  = "futures"
	MarketEconomic = "economic"
)

// MarketInfo describes a market for /supported-markets
type MarketInfo struct {
	Market  string `json:"market"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// SupportedMarkets lists every market the gateway knows how to route
var SupportedMarkets = []MarketInfo{
	{Market: MarketCNA, Name: "A-Shares", Enabled: true},
	{Market: MarketHK, Name: "Hong Kong", Enabled: true},
	{Market: MarketUS, Name: "US Stocks", Enabled: true},
	{Market: MarketFutures, Name: "Futures", Enabled: true},
	{Market: MarketEconomic, Name: "Economic Indicators", Enabled: true},
}

// IsSupportedMarket reports whether market is routable
func IsSupportedMarket(market string) bool {
	for _, m := range SupportedMarkets {
		if m.Market == market {
			return true
		}
	}
	return false
}

// Kline periods
const (
	Period1m      = "1m"
	Period5m      = "5m"
	Period15m     = "15m"
	Period30m     = "30m"
	Period60m     = "60m"
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// IsValidPeriod reports whether p is a supported kline period
func IsValidPeriod(p string) bool {
	switch p {
	case Period1m, Period5m, Period15m, Period30m, Period60m, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// IsMinutePeriod reports whether p is an intraday period
func IsMinutePeriod(p string) bool {
	switch p {
	case Period1m, Period5m, Period15m, Period30m, Period60m:
		return true
	}
	return false
}

// Sector board types, cn_a only
const (
	SectorIndustry = "industry"
	SectorConcept  = "concept"
)

func IsValidSectorType(t string) bool {
	return t == SectorIndustry || t == SectorConcept
}

// Quote is a normalized real-time quote
type Quote struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"`
	Amount    decimal.Decimal `json:"amount"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bar is one normalized K-line bar
type Bar struct {
	Symbol   string          `json:"symbol"`
	Datetime string          `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	Close    decimal.Decimal `json:"close"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Volume   int64           `json:"volume"`
	Amount   decimal.Decimal `json:"amount"`
	Period   string          `json:"period"`
	Market   string          `json:"market"`
}

// Fundamentals holds periodic company data. Providers leave unknown
// figures invalid rather than zero.
type Fundamentals struct {
	Symbol         string              `json:"symbol"`
	Name           string              `json:"name,omitempty"`
	Market         string              `json:"market"`
	Revenue        decimal.NullDecimal `json:"revenue"`
	NetProfit      decimal.NullDecimal `json:"net_profit"`
	TotalAssets    decimal.NullDecimal `json:"total_assets"`
	TotalLiab      decimal.NullDecimal `json:"total_liab"`
	EPS            decimal.NullDecimal `json:"eps"`
	BVPS           decimal.NullDecimal `json:"bvps"`
	PE             decimal.NullDecimal `json:"pe"`
	PB             decimal.NullDecimal `json:"pb"`
	MarketCap      decimal.NullDecimal `json:"market_cap"`
	CirculatingCap decimal.NullDecimal `json:"circulating_cap"`
}

// MoneyFlow splits one trading day's turnover by order size. Net figures
// are inflow minus outflow; unknown figures stay invalid.
type MoneyFlow struct {
	Symbol           string              `json:"symbol"`
	Market           string              `json:"market"`
	Date             string              `json:"date"`
	MainNetInflow    decimal.NullDecimal `json:"main_net_inflow"`
	MainNetInflowPct decimal.NullDecimal `json:"main_net_inflow_pct"`
	SuperLargeNet    decimal.NullDecimal `json:"super_large_net"`
	LargeNet         decimal.NullDecimal `json:"large_net"`
	MediumNet        decimal.NullDecimal `json:"medium_net"`
	SmallNet         decimal.NullDecimal `json:"small_net"`
	Rank             int                 `json:"rank,omitempty"`
}

// Sector is one board in a realtime sector ranking
type Sector struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	ChangePct     decimal.Decimal `json:"change_pct"`
	Amount        decimal.Decimal `json:"amount"`
	Rising        int             `json:"rising"`
	Falling       int             `json:"falling"`
	LeadingSymbol string          `json:"leading_symbol,omitempty"`
	LeadingName   string          `json:"leading_name,omitempty"`
}

// Payload is the closed set of cacheable responses: QuotePayload,
// KlinePayload, FundamentalPayload, MoneyFlowPayload and SectorPayload.
type Payload interface {
	Kind() DataKind
	// Empty payloads are treated as a provider failure and never cached
	Empty() bool
	payloadKind()
}

type QuotePayload struct {
	Items []Quote `json:"items"`
}

func (QuotePayload) Kind() DataKind { return KindQuote }
func (p QuotePayload) Empty() bool { return len(p.Items) == 0 }
func (QuotePayload) payloadKind() {}

type KlinePayload struct {
	Name string `json:"name"`
	Bars []Bar  `json:"data"`
}

func (KlinePayload) Kind() DataKind { return KindKline }
func (p KlinePayload) Empty() bool { return len(p.Bars) == 0 }
func (KlinePayload) payloadKind() {}

type FundamentalPayload struct {
	Data Fundamentals `json:"data"`
}

func (FundamentalPayload) Kind() DataKind { return KindFundamental }
func (p FundamentalPayload) Empty() bool { return p.Data.Symbol == "" }
func (FundamentalPayload) payloadKind() {}

type MoneyFlowPayload struct {
	Data MoneyFlow `json:"data"`
}

func (MoneyFlowPayload) Kind() DataKind { return KindMoneyFlow }
func (p MoneyFlowPayload) Empty() bool { return p.Data.Symbol == "" }
func (MoneyFlowPayload) payloadKind() {}

type SectorPayload struct {
	Type  string   `json:"type"`
	Items []Sector `json:"items"`
}

func (SectorPayload) Kind() DataKind { return KindSector }
func (p SectorPayload) Empty() bool { return len(p.Items) == 0 }
func (SectorPayload) payloadKind() {}

type payloadEnvelope struct {
	Kind DataKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p into a {kind, data} envelope
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload is the inverse of EncodePayload
func DecodePayload(b []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	switch env.Kind {
	case KindQuote:
		var p QuotePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode quote payload: %w", err)
		}
		return p, nil
	case KindKline:
		var p KlinePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode kline payload: %w", err)
		}
		return p, nil
	case KindFundamental:
		var p FundamentalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode fundamental payload: %w", err)
		}
		return p, nil
	case KindMoneyFlow:
		var p MoneyFlowPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode money flow payload: %w", err)
		}
		return p, nil
	case KindSector:
		var p SectorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode sector payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", env.Kind)
	}
}
