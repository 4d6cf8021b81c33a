package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"data_gateway/apperrors"
	"data_gateway/models"
	"data_gateway/services/apikey"
	"data_gateway/services/gateway"
	"data_gateway/services/providers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMarketData struct {
	calls     int
	clientKey string
	kline     providers.KlineQuery
	date      string
	sector    string
	res       gateway.Result
	err       error
}

func (f *fakeMarketData) Quote(ctx context.Context, market string, symbols []string) (gateway.Result, error) {
	f.calls++
	f.clientKey = gateway.ClientKey(ctx)
	return f.res, f.err
}

func (f *fakeMarketData) Kline(ctx context.Context, q providers.KlineQuery) (gateway.Result, error) {
	f.calls++
	f.kline = q
	return f.res, f.err
}

func (f *fakeMarketData) Fundamentals(ctx context.Context, market, symbol string) (gateway.Result, error) {
	f.calls++
	return f.res, f.err
}

func (f *fakeMarketData) MoneyFlow(ctx context.Context, market, symbol, date string) (gateway.Result, error) {
	f.calls++
	f.date = date
	return f.res, f.err
}

func (f *fakeMarketData) Sectors(ctx context.Context, market, sectorType string) (gateway.Result, error) {
	f.calls++
	f.sector = sectorType
	return f.res, f.err
}

func marketRouter(data MarketData, mw ...gin.HandlerFunc) *gin.Engine {
	mc := NewMarketController(data)
	r := gin.New()
	r.Use(mw...)
	r.POST("/api/v1/quote", mc.GetQuote)
	r.GET("/api/v1/kline", mc.GetKline)
	r.GET("/api/v1/fundamentals", mc.GetFundamentals)
	r.GET("/api/v1/money-flow/:symbol", mc.GetMoneyFlow)
	r.GET("/api/v1/sectors/:type", mc.GetSectors)
	r.GET("/api/v1/supported-markets", mc.GetSupportedMarkets)
	return r
}

func TestGetQuote(t *testing.T) {
	fake := &fakeMarketData{res: gateway.Result{
		Payload: models.QuotePayload{Items: []models.Quote{
			{Symbol: "600519", Market: "cn_a", Price: decimal.RequireFromString("1700.5")},
		}},
		Source: "akshare",
	}}
	r := marketRouter(fake)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quote", strings.NewReader(`{"market":"cn_a","symbols":["600519"]}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var body struct {
		Items []models.Quote `json:"items"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Items) != 1 || body.Items[0].Symbol != "600519" {
		t.Errorf("items = %+v", body.Items)
	}
	if got := w.Header().Get("X-Data-Source"); got != "akshare" {
		t.Errorf("X-Data-Source = %q", got)
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q", got)
	}
	if fake.clientKey != "192.0.2.1" {
		t.Errorf("client key = %q, want caller IP", fake.clientKey)
	}
}

func TestMarketValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"quote unsupported market", http.MethodPost, "/api/v1/quote", `{"market":"moon","symbols":["X"]}`},
		{"quote malformed body", http.MethodPost, "/api/v1/quote", `{`},
		{"kline missing market", http.MethodGet, "/api/v1/kline?symbol=X", ""},
		{"kline bad period", http.MethodGet, "/api/v1/kline?market=cn_a&symbol=X&period=2h", ""},
		{"kline inverted range", http.MethodGet, "/api/v1/kline?market=cn_a&symbol=X&start_date=2024-02-01&end_date=2024-01-01", ""},
		{"fundamentals missing market", http.MethodGet, "/api/v1/fundamentals?symbol=X", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMarketData{}
			w := httptest.NewRecorder()
			r := marketRouter(fake)
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if fake.calls != 0 {
				t.Errorf("orchestrator called %d times", fake.calls)
			}
		})
	}
}

func TestGetKlineDefaultsPeriod(t *testing.T) {
	fake := &fakeMarketData{res: gateway.Result{
		Payload:  models.KlinePayload{Name: "Moutai", Bars: []models.Bar{{Symbol: "600519", Datetime: "2024-01-02"}}},
		Source:   "baostock",
		CacheHit: true,
	}}
	w := httptest.NewRecorder()
	marketRouter(fake).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/kline?market=cn_a&symbol=600519", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fake.kline.Period != models.PeriodDaily {
		t.Errorf("period = %q", fake.kline.Period)
	}
	if !strings.Contains(w.Body.String(), `"name":"Moutai"`) || !strings.Contains(w.Body.String(), `"data":[`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if w.Header().Get("X-Cache") != "HIT" {
		t.Errorf("X-Cache = %q", w.Header().Get("X-Cache"))
	}
}

func TestExhaustedSourcesRendered(t *testing.T) {
	fake := &fakeMarketData{err: apperrors.SourceExhausted([]string{"akshare", "miana"}, []string{"baostock"}, errors.New("timeout"))}
	w := httptest.NewRecorder()
	marketRouter(fake).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fundamentals?market=cn_a&symbol=X", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Error struct {
			Code      string   `json:"code"`
			Attempted []string `json:"attempted_sources"`
			Skipped   []string `json:"skipped_sources"`
		} `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != "SOURCE_EXHAUSTED" || len(body.Error.Attempted) != 2 || len(body.Error.Skipped) != 1 {
		t.Errorf("body = %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "timeout") {
		t.Errorf("cause leaked to caller: %s", w.Body.String())
	}
}

func TestSupportedMarkets(t *testing.T) {
	w := httptest.NewRecorder()
	marketRouter(&fakeMarketData{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/supported-markets", nil))

	var body struct {
		Markets []models.MarketInfo `json:"markets"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Markets) != len(models.SupportedMarkets) {
		t.Errorf("markets = %+v", body.Markets)
	}
}

func TestMoneyFlowAndSectorRoutes(t *testing.T) {
	fake := &fakeMarketData{res: gateway.Result{
		Payload: models.SectorPayload{Type: models.SectorConcept, Items: []models.Sector{{Code: "BK0493", Name: "New Energy"}}},
		Source:  "commercial",
	}}
	r := marketRouter(fake)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sectors/concept", nil))
	if w.Code != http.StatusOK || fake.sector != models.SectorConcept {
		t.Fatalf("sectors: status = %d type = %q", w.Code, fake.sector)
	}
	if !strings.Contains(w.Body.String(), `"BK0493"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	fake.res = gateway.Result{Payload: models.MoneyFlowPayload{Data: models.MoneyFlow{Symbol: "600519", Market: "cn_a"}}, Source: "commercial"}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/money-flow/600519?date=2024-01-02", nil))
	if w.Code != http.StatusOK || fake.date != "2024-01-02" {
		t.Errorf("money flow: status = %d date = %q", w.Code, fake.date)
	}
}

func TestKeyMarketScopeRecheckedByHandlers(t *testing.T) {
	scoped := func(c *gin.Context) {
		c.Request = c.Request.WithContext(apikey.WithAllowedMarkets(c.Request.Context(), []string{"cn_a"}))
		c.Next()
	}
	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"quote other market", http.MethodPost, "/api/v1/quote", `{"market":"us","symbols":["AAPL"]}`, http.StatusForbidden},
		{"kline other market", http.MethodGet, "/api/v1/kline?market=hk&symbol=00700", "", http.StatusForbidden},
		{"fundamentals other market", http.MethodGet, "/api/v1/fundamentals?market=us&symbol=AAPL", "", http.StatusForbidden},
		{"sectors default market", http.MethodGet, "/api/v1/sectors/industry", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMarketData{res: gateway.Result{Payload: models.SectorPayload{Type: models.SectorIndustry}}}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			marketRouter(fake, scoped).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d body %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusForbidden && fake.calls != 0 {
				t.Errorf("orchestrator called %d times", fake.calls)
			}
		})
	}
}
