package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"data_gateway/apperrors"
)

func TestHTTPProviderQuote(t *testing.T) {
	var gotAuth, gotSymbols string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotSymbols = r.URL.Query().Get("symbols")
		w.Write([]byte(`{"items":[{"symbol":"600519","market":"cn_a","price":"1700.5"}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("miana", srv.URL+"/", WithToken("secret"))
	out, err := p.Quote(context.Background(), "cn_a", []string{"600519", "000001"})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].Price.String() != "1700.5" {
		t.Errorf("items = %+v", out.Items)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotSymbols != "600519,000001" {
		t.Errorf("symbols = %q", gotSymbols)
	}
}

func TestHTTPProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		notFound bool
	}{
		{"not found", http.StatusNotFound, "", true},
		{"server error", http.StatusBadGateway, "upstream down", false},
		{"malformed", http.StatusOK, "<html>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPProvider("akshare", srv.URL).Kline(context.Background(), KlineQuery{Market: "cn_a", Symbol: "X", Period: "daily"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperrors.IsCode(err, apperrors.CodeNotFound); got != tt.notFound {
				t.Errorf("IsCode(NOT_FOUND) = %v, want %v (err %v)", got, tt.notFound, err)
			}
		})
	}
}

func TestHTTPProviderHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPProvider("akshare", srv.URL).Fundamentals(ctx, "cn_a", "X")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("call took %v, deadline ignored", time.Since(start))
	}
}

func TestSet(t *testing.T) {
	s := NewSet(&FuncProvider{Name: "b"}, &FuncProvider{Name: "a"})
	if _, ok := s.Get("a"); !ok {
		t.Error("provider a missing")
	}
	if codes := s.Codes(); len(codes) != 2 || codes[0] != "a" {
		t.Errorf("Codes = %v", codes)
	}
}

func TestHTTPProviderMoneyFlowAndSectors(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		switch r.URL.Path {
		case "/money-flow":
			w.Write([]byte(`{"data":{"symbol":"600519","date":"2024-03-01","main_net_inflow":"-1250000.5","small_net":null}}`))
		case "/sectors":
			w.Write([]byte(`{"items":[{"code":"BK0477","name":"Liquor","change_pct":"1.2"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider("miana", srv.URL)
	flow, err := p.MoneyFlow(context.Background(), "cn_a", "600519", "2024-03-01")
	if err != nil {
		t.Fatalf("MoneyFlow: %v", err)
	}
	if flow.Data.MainNetInflow.Decimal.String() != "-1250000.5" || flow.Data.SmallNet.Valid {
		t.Errorf("money flow = %+v", flow.Data)
	}

	sectors, err := p.Sectors(context.Background(), "cn_a", "industry")
	if err != nil {
		t.Fatalf("Sectors: %v", err)
	}
	if sectors.Type != "industry" || len(sectors.Items) != 1 {
		t.Errorf("sectors = %+v", sectors)
	}
	if paths[0] != "/money-flow?date=2024-03-01&market=cn_a&symbol=600519" || paths[1] != "/sectors?market=cn_a&type=industry" {
		t.Errorf("paths = %v", paths)
	}
}
