package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPayloadEnvelopeKeepsKind(t *testing.T) {
	in := []Payload{
		QuotePayload{Items: []Quote{{Symbol: "600519", Price: decimal.RequireFromString("1700.50")}}},
		KlinePayload{Name: "Moutai", Bars: []Bar{{Symbol: "600519", Datetime: "2024-03-01", Close: decimal.NewFromInt(1700)}}},
		FundamentalPayload{Data: Fundamentals{Symbol: "600519", EPS: decimal.NewNullDecimal(decimal.RequireFromString("59.49"))}},
		MoneyFlowPayload{Data: MoneyFlow{Symbol: "600519", Date: "2024-03-01", MainNetInflow: decimal.NewNullDecimal(decimal.NewFromInt(-120000))}},
		SectorPayload{Type: SectorIndustry, Items: []Sector{{Code: "BK0477", Name: "Liquor", ChangePct: decimal.RequireFromString("1.25")}}},
	}

	for _, p := range in {
		b, err := EncodePayload(p)
		if err != nil {
			t.Fatalf("encode %s: %v", p.Kind(), err)
		}
		out, err := DecodePayload(b)
		if err != nil {
			t.Fatalf("decode %s: %v", p.Kind(), err)
		}
		if out.Kind() != p.Kind() || out.Empty() {
			t.Errorf("%s decoded as %s (empty=%v)", p.Kind(), out.Kind(), out.Empty())
		}
	}
}

func TestDecodePayloadRejectsUnknownKind(t *testing.T) {
	if _, err := DecodePayload([]byte(`{"kind":"orderbook","data":{}}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := EncodePayload(nil); err == nil {
		t.Error("expected error for nil payload")
	}
}

func TestFundamentalsUnknownFiguresStayNull(t *testing.T) {
	b, err := EncodePayload(FundamentalPayload{Data: Fundamentals{Symbol: "AAPL"}})
	if err != nil {
		t.Fatal(err)
	}
	out, _ := DecodePayload(b)
	if f := out.(FundamentalPayload).Data; f.PE.Valid || f.Revenue.Valid {
		t.Errorf("unknown figures decoded as set: %+v", f)
	}
}

func TestPeriods(t *testing.T) {
	if !IsValidPeriod(PeriodWeekly) || IsValidPeriod("2h") {
		t.Error("IsValidPeriod")
	}
	if !IsMinutePeriod(Period5m) || IsMinutePeriod(PeriodDaily) {
		t.Error("IsMinutePeriod")
	}
	if !IsSupportedMarket(MarketFutures) || IsSupportedMarket("crypto") {
		t.Error("IsSupportedMarket")
	}
	if !IsValidSectorType(SectorConcept) || IsValidSectorType("region") {
		t.Error("IsValidSectorType")
	}
	if !KindMoneyFlow.Valid() || DataKind("orderbook").Valid() {
		t.Error("DataKind.Valid")
	}
}
