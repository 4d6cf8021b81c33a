package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/models"
)

// Validation failure reasons
const (
	ReasonKeyNotFound      = "key_not_found"
	ReasonKeyDisabled      = "key_disabled"
	ReasonKeyExpired       = "key_expired"
	ReasonInvalidSecret    = "invalid_secret"
	ReasonIPNotAllowed     = "ip_not_allowed"
	ReasonMarketNotAllowed = "market_not_allowed"
	ReasonPathNotAllowed   = "path_not_allowed"
)

// Result is the outcome of one validation. Limits are already resolved
// against the configured defaults.
type Result struct {
	Valid          bool
	Reason         string
	KeyCode        string
	LimitPerMinute int
	LimitPerHour   int
	// AllowedMarkets is empty for unrestricted keys
	AllowedMarkets []string
}

// Scoped reports whether the failure is a scope denial rather than a bad
// credential
func (r Result) Scoped() bool {
	switch r.Reason {
	case ReasonIPNotAllowed, ReasonMarketNotAllowed, ReasonPathNotAllowed:
		return true
	}
	return false
}

// Err converts a failed result into the matching apperror
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if r.Scoped() {
		return apperrors.Forbidden(r.Reason)
	}
	return apperrors.InvalidAPIKey(r.Reason)
}

// Authority validates caller credentials and scopes
type Authority struct {
	db            *gorm.DB
	defaultMinute int
	defaultHour   int
	bcryptCost    int
	now           func() time.Time
}

type Option func(*Authority)

// WithBcryptCost lowers the hashing cost, for tests
func WithBcryptCost(cost int) Option {
	return func(a *Authority) { a.bcryptCost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func New(db *gorm.DB, defaultPerMinute, defaultPerHour int, opts ...Option) *Authority {
	a := &Authority{
		db:            db,
		defaultMinute: defaultPerMinute,
		defaultHour:   defaultPerHour,
		bcryptCost:    bcrypt.DefaultCost,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Validate checks a credential pair against the key's state and scopes.
// Only a fully valid call bumps the usage counters.
func (a *Authority) Validate(ctx context.Context, keyCode, keySecret, market, path, clientIP string) (Result, error) {
	var key models.APIKey
	err := a.db.WithContext(ctx).Where("key_code = ?", keyCode).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || keyCode == "" {
		return Result{Reason: ReasonKeyNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load api key: %w", err)
	}

	res := Result{KeyCode: key.KeyCode}
	now := a.now().UTC()

	switch {
	case !key.Enabled:
		res.Reason = ReasonKeyDisabled
	case key.ExpiresAt != nil && !now.Before(*key.ExpiresAt):
		res.Reason = ReasonKeyExpired
	case bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(keySecret)) != nil:
		res.Reason = ReasonInvalidSecret
	case len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, clientIP):
		res.Reason = ReasonIPNotAllowed
	case market != "" && len(key.AllowedMarkets) > 0 && !contains(key.AllowedMarkets, market):
		res.Reason = ReasonMarketNotAllowed
	case len(key.AllowedPaths) > 0 && !pathAllowed(key.AllowedPaths, path):
		res.Reason = ReasonPathNotAllowed
	}
	if res.Reason != "" {
		logger.WithComponent("apikey").WithFields(logger.Fields{
			"key_code":  key.KeyCode,
			"reason":    res.Reason,
			"market":    market,
			"path":      path,
			"client_ip": clientIP,
		}).Warn("api key rejected")
		return res, nil
	}

	err = a.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", key.ID).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": now,
		}).Error
	if err != nil {
		return Result{}, fmt.Errorf("record api key usage: %w", err)
	}

	res.Valid = true
	res.AllowedMarkets = key.AllowedMarkets
	res.LimitPerMinute = key.RateLimitPerMinute
	if res.LimitPerMinute <= 0 {
		res.LimitPerMinute = a.defaultMinute
	}
	res.LimitPerHour = key.RateLimitPerHour
	if res.LimitPerHour <= 0 {
		res.LimitPerHour = a.defaultHour
	}
	return res, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// pathAllowed matches exact paths or "/prefix/*" entries
func pathAllowed(allowed []string, path string) bool {
	for _, p := range allowed {
		if p == path {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// ipAllowed matches single addresses or CIDR blocks
func ipAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, entry := range allowed {
		if entry == clientIP {
			return true
		}
		if _, block, err := net.ParseCIDR(entry); err == nil && ip != nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

// IssueRequest describes a new key
type IssueRequest struct {
	Name               string     `json:"name"`
	AllowedMarkets     []string   `json:"allowed_markets"`
	AllowedPaths       []string   `json:"allowed_paths"`
	AllowedIPs         []string   `json:"allowed_ips"`
	ExpiresAt          *time.Time `json:"expires_at"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerHour   int        `json:"rate_limit_per_hour"`
}

// Issue creates a key and returns its plaintext secret. The secret is
// not recoverable afterwards.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (models.APIKey, string, error) {
	for _, m := range req.AllowedMarkets {
		if !models.IsSupportedMarket(m) {
			return models.APIKey{}, "", apperrors.Configuration("unsupported market %q", m)
		}
	}
	for _, entry := range req.AllowedIPs {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return models.APIKey{}, "", apperrors.Configuration("invalid ip allow-list entry %q", entry)
			}
		}
	}
	if req.RateLimitPerMinute < 0 || req.RateLimitPerHour < 0 {
		return models.APIKey{}, "", apperrors.Configuration("rate limits must not be negative")
	}

	code, err := randomHex(12)
	if err != nil {
		return models.APIKey{}, "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return models.APIKey{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.bcryptCost)
	if err != nil {
		return models.APIKey{}, "", fmt.Errorf("hash secret: %w", err)
	}

	key := models.APIKey{
		KeyCode:            "dg_" + code,
		SecretHash:         string(hash),
		Name:               req.Name,
		Enabled:            true,
		AllowedMarkets:     req.AllowedMarkets,
		AllowedPaths:       req.AllowedPaths,
		AllowedIPs:         req.AllowedIPs,
		ExpiresAt:          req.ExpiresAt,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
	}
	if err := a.db.WithContext(ctx).Create(&key).Error; err != nil {
		return models.APIKey{}, "", fmt.Errorf("create api key: %w", err)
	}
	logger.WithComponent("apikey").WithFields(logger.Fields{
		"key_code": key.KeyCode,
		"name":     key.Name,
	}).Info("api key issued")
	return key, secret, nil
}

// SetEnabled toggles a key
func (a *Authority) SetEnabled(ctx context.Context, keyCode string, enabled bool) error {
	res := a.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("key_code = ?", keyCode).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": a.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("api key %s not found", keyCode)
	}
	return nil
}

func (a *Authority) List(ctx context.Context) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := a.db.WithContext(ctx).Order("id").Find(&keys).Error
	return keys, err
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
