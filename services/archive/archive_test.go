package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"data_gateway/models"
	"data_gateway/testutil"
)

func payload(closes ...int64) models.KlinePayload {
	p := models.KlinePayload{Name: "Moutai"}
	for i, c := range closes {
		p.Bars = append(p.Bars, models.Bar{
			Symbol:   "600519",
			Datetime: time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
			Close:    decimal.NewFromInt(c),
			Period:   models.PeriodDaily,
			Market:   models.MarketCNA,
		})
	}
	return p
}

func TestParseTradeDate(t *testing.T) {
	for _, s := range []string{"2024-03-01", "2024-03-01 09:31:00", "20240301", "2024-03-01T00:00:00Z"} {
		got, err := ParseTradeDate(s)
		if err != nil {
			t.Errorf("ParseTradeDate(%q): %v", s, err)
			continue
		}
		if got.Year() != 2024 || got.Month() != 3 || got.Day() != 1 {
			t.Errorf("ParseTradeDate(%q) = %v", s, got)
		}
	}
	if _, err := ParseTradeDate("yesterday"); err == nil {
		t.Error("expected error for garbage date")
	}
}

func TestSQLArchiveUpsertsByTradeDate(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	a := NewSQLArchive(db)

	n, err := a.Store(ctx, "akshare", payload(10, 11, 12))
	if err != nil || n != 3 {
		t.Fatalf("Store = %d, %v", n, err)
	}
	// rerun overlaps the last two days with corrected closes
	p := payload(10, 21, 22, 23)
	if _, err := a.Store(ctx, "baostock", p); err != nil {
		t.Fatal(err)
	}

	rows, err := a.Range(ctx, models.MarketCNA, "600519", models.PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if !rows[1].Close.Equal(decimal.NewFromInt(21)) || rows[1].SourceCode != "baostock" {
		t.Errorf("row 1 = %+v, want updated close 21 from baostock", rows[1])
	}
}

func TestSQLArchiveSkipsUnparseableBars(t *testing.T) {
	p := payload(10)
	p.Bars = append(p.Bars, models.Bar{Symbol: "600519", Datetime: "n/a", Market: models.MarketCNA, Period: models.PeriodDaily})

	n, err := NewSQLArchive(testutil.NewTestDB(t)).Store(context.Background(), "akshare", p)
	if err != nil || n != 1 {
		t.Errorf("Store = %d, %v; want 1 row", n, err)
	}
}

type failingStore struct{ calls int }

func (f *failingStore) Store(context.Context, string, models.KlinePayload) (int, error) {
	f.calls++
	return 0, errors.New("unreachable")
}

func TestMultiSecondaryFailureIsNotFatal(t *testing.T) {
	secondary := &failingStore{}
	m := Multi{NewSQLArchive(testutil.NewTestDB(t)), secondary}

	n, err := m.Store(context.Background(), "akshare", payload(1, 2))
	if err != nil || n != 2 {
		t.Errorf("Store = %d, %v", n, err)
	}
	if secondary.calls != 1 {
		t.Errorf("secondary called %d times", secondary.calls)
	}

	if _, err := (Multi{secondary}).Store(context.Background(), "akshare", payload(1)); err == nil {
		t.Error("primary failure should surface")
	}
}

func TestMongoArchive(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}
	ctx := context.Background()
	a, err := ConnectMongo(ctx, uri, "data_gateway_test")
	if err != nil {
		t.Fatalf("ConnectMongo: %v", err)
	}
	defer a.Close(ctx)

	for i := 0; i < 2; i++ {
		if n, err := a.Store(ctx, "akshare", payload(1, 2)); err != nil || n != 2 {
			t.Fatalf("Store = %d, %v", n, err)
		}
	}
}
