package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/services/apikey"
)

// maxRequestBody bounds JSON bodies on keyed routes
const maxRequestBody = 1 << 20

// KeyValidator is the API key authority surface
type KeyValidator interface {
	Validate(ctx context.Context, keyCode, keySecret, market, path, clientIP string) (apikey.Result, error)
}

// APIKeyMiddleware checks X-API-Key / X-API-Secret. With required=false an
// anonymous caller passes through on the default limits, but a presented
// key must still be valid.
func APIKeyMiddleware(v KeyValidator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.GetHeader("X-API-Key")
		secret := c.GetHeader("X-API-Secret")

		if code == "" {
			if required {
				AbortWithError(c, apperrors.InvalidAPIKey(apikey.ReasonKeyNotFound))
				return
			}
			c.Next()
			return
		}

		market, err := requestMarket(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		res, err := v.Validate(c.Request.Context(), code, secret, market, c.Request.URL.Path, c.ClientIP())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !res.Valid {
			AbortWithError(c, res.Err())
			return
		}

		// handlers recheck the market they actually serve against this
		c.Request = c.Request.WithContext(apikey.WithAllowedMarkets(c.Request.Context(), res.AllowedMarkets))
		c.Set(ctxAPIKey, res.KeyCode)
		c.Set(ctxLimitMin, res.LimitPerMinute)
		c.Set(ctxLimitHour, res.LimitPerHour)
		c.Next()
	}
}

// requestMarket finds the market a request targets, from the route, the
// query string or a JSON body. The body is restored for the handler.
func requestMarket(c *gin.Context) (string, error) {
	if m := c.Param("market"); m != "" {
		return m, nil
	}
	if m := c.Query("market"); m != "" {
		return m, nil
	}
	if c.Request.Method != http.MethodPost || c.Request.Body == nil {
		return "", nil
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	c.Request.Body.Close()
	if err != nil {
		return "", apperrors.InvalidRequest("could not read request body")
	}
	if len(raw) > maxRequestBody {
		return "", apperrors.InvalidRequest("request body exceeds %d bytes", maxRequestBody)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body struct {
		Market string `json:"market"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return "", nil
	}
	return body.Market, nil
}

// RequireAPIKey rejects callers that got through an optional key check
// without presenting one
func RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxAPIKey) == "" {
			AbortWithError(c, apperrors.InvalidAPIKey(apikey.ReasonKeyNotFound))
			return
		}
		c.Next()
	}
}
