package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"data_gateway/apperrors"
	"data_gateway/models"
)

const maxErrorBody = 512

// HTTPProvider talks to an upstream adapter service that already speaks
// the gateway's normalized JSON:
//
//	GET {base}/quote?market=&symbols=a,b        -> {"items": [...]}
//	GET {base}/kline?market=&symbol=&period=&start_date=&end_date= -> {"name": "", "data": [...]}
//	GET {base}/fundamentals?market=&symbol=     -> {"data": {...}}
//	GET {base}/money-flow?market=&symbol=&date= -> {"data": {...}}
//	GET {base}/sectors?market=&type=            -> {"type": "", "items": [...]}
type HTTPProvider struct {
	code    string
	baseURL string
	token   string
	client  *http.Client
}

type HTTPOption func(*HTTPProvider)

// WithToken sends a bearer token, required by the commercial source
func WithToken(token string) HTTPOption {
	return func(p *HTTPProvider) { p.token = token }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

func NewHTTPProvider(code, baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		code:    code,
		baseURL: strings.TrimRight(baseURL, "/"),
		// per-attempt deadlines come from the caller's context
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Code() string { return p.code }

func (p *HTTPProvider) Quote(ctx context.Context, market string, symbols []string) (models.QuotePayload, error) {
	var out models.QuotePayload
	q := url.Values{}
	q.Set("market", market)
	q.Set("symbols", strings.Join(symbols, ","))
	err := p.get(ctx, "/quote", q, &out)
	return out, err
}

func (p *HTTPProvider) Kline(ctx context.Context, kq KlineQuery) (models.KlinePayload, error) {
	var out models.KlinePayload
	q := url.Values{}
	q.Set("market", kq.Market)
	q.Set("symbol", kq.Symbol)
	q.Set("period", kq.Period)
	q.Set("start_date", kq.StartDate)
	q.Set("end_date", kq.EndDate)
	err := p.get(ctx, "/kline", q, &out)
	return out, err
}

func (p *HTTPProvider) Fundamentals(ctx context.Context, market, symbol string) (models.FundamentalPayload, error) {
	var out models.FundamentalPayload
	q := url.Values{}
	q.Set("market", market)
	q.Set("symbol", symbol)
	err := p.get(ctx, "/fundamentals", q, &out)
	return out, err
}

func (p *HTTPProvider) MoneyFlow(ctx context.Context, market, symbol, date string) (models.MoneyFlowPayload, error) {
	var out models.MoneyFlowPayload
	q := url.Values{}
	q.Set("market", market)
	q.Set("symbol", symbol)
	if date != "" {
		q.Set("date", date)
	}
	err := p.get(ctx, "/money-flow", q, &out)
	return out, err
}

func (p *HTTPProvider) Sectors(ctx context.Context, market, sectorType string) (models.SectorPayload, error) {
	var out models.SectorPayload
	q := url.Values{}
	q.Set("market", market)
	q.Set("type", sectorType)
	err := p.get(ctx, "/sectors", q, &out)
	if out.Type == "" {
		out.Type = sectorType
	}
	return out, err
}

func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values, dst interface{}) error {
	u := p.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", p.code, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFound("%s: %s not found", p.code, query.Get("symbol")+query.Get("symbols"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: upstream error (status %d): %s", p.code, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", p.code, err)
	}
	return nil
}
