package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/services/gateway"
	"data_gateway/services/providers"
)

// MarketData is the fetch orchestrator surface used by the public API
type MarketData interface {
	Quote(ctx context.Context, market string, symbols []string) (gateway.Result, error)
	Kline(ctx context.Context, q providers.KlineQuery) (gateway.Result, error)
	Fundamentals(ctx context.Context, market, symbol string) (gateway.Result, error)
	MoneyFlow(ctx context.Context, market, symbol, date string) (gateway.Result, error)
	Sectors(ctx context.Context, market, sectorType string) (gateway.Result, error)
}

// MarketController serves quotes, klines and fundamentals
type MarketController struct {
	data MarketData
}

// NewMarketController creates a new market controller
func NewMarketController(data MarketData) *MarketController {
	return &MarketController{data: data}
}

type quoteRequest struct {
	Market  string   `json:"market"`
	Symbols []string `json:"symbols"`
}

// GetQuote returns real-time quotes
// POST /api/v1/quote
func (mc *MarketController) GetQuote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid request body"))
		return
	}
	if err := checkMarket(c, req.Market); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	res, err := mc.data.Quote(mc.ctx(c), req.Market, req.Symbols)
	mc.respond(c, req.Market, res, err)
}

// GetKline returns a bar series
// GET /api/v1/kline?market=cn_a&symbol=600519&period=daily
func (mc *MarketController) GetKline(c *gin.Context) {
	q := providers.KlineQuery{
		Market:    c.Query("market"),
		Symbol:    strings.TrimSpace(c.Query("symbol")),
		Period:    c.DefaultQuery("period", models.PeriodDaily),
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
	}
	if err := checkMarket(c, q.Market); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if !models.IsValidPeriod(q.Period) {
		middleware.AbortWithError(c, apperrors.InvalidRequest("unsupported period %q", q.Period))
		return
	}
	if q.StartDate != "" && q.EndDate != "" && q.StartDate > q.EndDate {
		middleware.AbortWithError(c, apperrors.InvalidRequest("start_date is after end_date"))
		return
	}

	res, err := mc.data.Kline(mc.ctx(c), q)
	mc.respond(c, q.Market, res, err)
}

// GetFundamentals returns company fundamentals
// GET /api/v1/fundamentals?market=cn_a&symbol=600519
func (mc *MarketController) GetFundamentals(c *gin.Context) {
	market := c.Query("market")
	if err := checkMarket(c, market); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	res, err := mc.data.Fundamentals(mc.ctx(c), market, strings.TrimSpace(c.Query("symbol")))
	if err != nil {
		mc.respond(c, market, res, err)
		return
	}
	middleware.SetFetchOutcome(c, market, res.Source, res.CacheHit)
	setSourceHeaders(c, res)
	c.JSON(http.StatusOK, res.Payload.(models.FundamentalPayload).Data)
}

// GetMoneyFlow returns a symbol's main-force and order-size flows
// GET /api/v1/money-flow/:symbol?date=2024-01-02
func (mc *MarketController) GetMoneyFlow(c *gin.Context) {
	market := c.DefaultQuery("market", models.MarketCNA)
	if err := checkMarket(c, market); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	res, err := mc.data.MoneyFlow(mc.ctx(c), market, strings.TrimSpace(c.Param("symbol")), c.Query("date"))
	mc.respond(c, market, res, err)
}

// GetSectors returns the industry or concept board ranking
// GET /api/v1/sectors/:type
func (mc *MarketController) GetSectors(c *gin.Context) {
	market := c.DefaultQuery("market", models.MarketCNA)
	if err := checkMarket(c, market); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	res, err := mc.data.Sectors(mc.ctx(c), market, c.Param("type"))
	mc.respond(c, market, res, err)
}

// GetSupportedMarkets lists routable markets
// GET /api/v1/supported-markets
func (mc *MarketController) GetSupportedMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"markets": models.SupportedMarkets,
	})
}

func (mc *MarketController) ctx(c *gin.Context) context.Context {
	return gateway.WithClientKey(c.Request.Context(), middleware.ClientKey(c))
}

func (mc *MarketController) respond(c *gin.Context, market string, res gateway.Result, err error) {
	if err != nil {
		middleware.SetFetchOutcome(c, market, "", false)
		middleware.AbortWithError(c, err)
		return
	}
	middleware.SetFetchOutcome(c, market, res.Source, res.CacheHit)
	setSourceHeaders(c, res)
	c.JSON(http.StatusOK, res.Payload)
}

func setSourceHeaders(c *gin.Context, res gateway.Result) {
	c.Header("X-Data-Source", res.Source)
	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
}

func checkMarket(c *gin.Context, market string) error {
	if market == "" {
		return apperrors.InvalidRequest("market is required")
	}
	if !models.IsSupportedMarket(market) {
		return apperrors.InvalidRequest("unsupported market %q", market)
	}
	return middleware.CheckMarketScope(c, market)
}
