package middleware

import (
	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/services/apikey"
)

const (
	ctxAPIKey     = "api_key"
	ctxLimitMin   = "limit_per_minute"
	ctxLimitHour  = "limit_per_hour"
	ctxMarket     = "market"
	ctxSource     = "source"
	ctxCacheHit   = "cache_hit"
	ctxError      = "error_message"
	ctxAdminClaim = "claims"
)

// ClientKey identifies the caller for rate limiting and logging: the API
// key when one was presented, the client IP otherwise
func ClientKey(c *gin.Context) string {
	if k := c.GetString(ctxAPIKey); k != "" {
		return k
	}
	return c.ClientIP()
}

// SetFetchOutcome lets handlers report which source served the response
func SetFetchOutcome(c *gin.Context, market, source string, cacheHit bool) {
	c.Set(ctxMarket, market)
	c.Set(ctxSource, source)
	c.Set(ctxCacheHit, cacheHit)
}

// CheckMarketScope rejects a market outside the caller's key allow-list
func CheckMarketScope(c *gin.Context, market string) error {
	if apikey.MarketAllowed(c.Request.Context(), market) {
		return nil
	}
	return apperrors.Forbidden(apikey.ReasonMarketNotAllowed)
}
