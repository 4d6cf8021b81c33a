package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/metrics"
	"data_gateway/models"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffSeconds = 2
)

var knownEvents = map[string]bool{
	models.EventSyncCompleted: true,
	models.EventSyncFailed:    true,
	models.EventSyncCancelled: true,
	models.EventDataAvailable: true,
}

// Event is something subscribers may be told about
type Event struct {
	Type   string
	Market string
	Symbol string
	Data   interface{}
}

// Envelope is the JSON body POSTed to subscribers
type Envelope struct {
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Dispatcher delivers signed event notifications with retry
type Dispatcher struct {
	db     *gorm.DB
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithSleep replaces the backoff wait, mostly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(db *gorm.DB, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sign returns hex(HMAC-SHA256(secret, body))
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Backoff is the wait after the given failed attempt
func Backoff(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = defaultBackoffSeconds
	}
	return time.Duration(baseSeconds) * time.Second * time.Duration(1<<uint(attempt-1))
}

// Dispatch POSTs one event to sub, retrying non-2xx responses and transport
// errors with exponential backoff. Every attempt is recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, sub models.WebhookSubscription, eventType string, data interface{}) error {
	body, err := json.Marshal(Envelope{
		EventType: eventType,
		Data:      data,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	deliveryID := uuid.NewString()
	signature := Sign(sub.Secret, body)
	log := logger.WithComponent("webhook").WithFields(logger.Fields{
		"subscription_id": sub.ID,
		"delivery_id":     deliveryID,
		"event_type":      eventType,
	})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, sub.URL, eventType, deliveryID, signature, body)

		row := models.WebhookEvent{
			SubscriptionID: sub.ID,
			DeliveryID:     deliveryID,
			EventType:      eventType,
			Payload:        string(body),
			AttemptNum:     attempt,
			HTTPStatus:     status,
			CreatedAt:      d.now().UTC(),
		}
		switch {
		case err == nil:
			row.Status = models.DeliverySuccess
		case attempt < maxAttempts:
			row.Status = models.DeliveryPending
			row.ErrorMessage = err.Error()
		default:
			row.Status = models.DeliveryFailed
			row.ErrorMessage = err.Error()
		}
		if dbErr := d.db.WithContext(ctx).Create(&row).Error; dbErr != nil {
			log.WithError(dbErr).Error("failed to record webhook attempt")
		}
		metrics.WebhookDelivery(row.Status)

		if err == nil {
			log.WithField("attempt", attempt).Info("webhook delivered")
			return nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("webhook attempt failed")

		if attempt < maxAttempts {
			if err := d.sleep(ctx, Backoff(sub.BackoffSeconds, attempt)); err != nil {
				return fmt.Errorf("webhook delivery interrupted: %w", err)
			}
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, target, eventType, deliveryID, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Publish fans ev out to every matching enabled subscription. Deliveries
// run in the background and survive the caller's context.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	var subs []models.WebhookSubscription
	if err := d.db.WithContext(ctx).Where("enabled = ?", true).Find(&subs).Error; err != nil {
		logger.WithComponent("webhook").WithError(err).Error("failed to load subscriptions")
		return
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !Matches(sub, ev) {
			continue
		}
		sub := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Dispatch(bg, sub, ev.Type, ev.Data)
		}()
	}
}

// Wait blocks until in-flight deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Matches applies the subscription's market, symbol and event filters
func Matches(sub models.WebhookSubscription, ev Event) bool {
	if !sub.Enabled {
		return false
	}
	if sub.Market != "" && sub.Market != "*" && sub.Market != ev.Market {
		return false
	}
	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, ev.Type) {
		return false
	}
	// symbol filters only apply to symbol-scoped events
	if len(sub.Symbols) > 0 && ev.Symbol != "" && !contains(sub.Symbols, ev.Symbol) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SubscriptionRequest is the admin payload for a new subscription
type SubscriptionRequest struct {
	URL            string   `json:"url"`
	Secret         string   `json:"secret"`
	Market         string   `json:"market"`
	Symbols        []string `json:"symbols"`
	EventTypes     []string `json:"event_types"`
	MaxAttempts    int      `json:"max_attempts"`
	BackoffSeconds int      `json:"backoff_seconds"`
}

// Subscribe validates and stores a subscription
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscriptionRequest) (models.WebhookSubscription, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.WebhookSubscription{}, apperrors.Configuration("invalid webhook url %q", req.URL)
	}
	if req.Secret == "" {
		return models.WebhookSubscription{}, apperrors.Configuration("webhook secret is required")
	}
	for _, et := range req.EventTypes {
		if !knownEvents[et] {
			return models.WebhookSubscription{}, apperrors.Configuration("unknown event type %q", et)
		}
	}
	if req.Market != "" && req.Market != "*" && !models.IsSupportedMarket(req.Market) {
		return models.WebhookSubscription{}, apperrors.Configuration("unsupported market %q", req.Market)
	}

	sub := models.WebhookSubscription{
		URL:            u.String(),
		Secret:         req.Secret,
		Enabled:        true,
		Market:         req.Market,
		Symbols:        req.Symbols,
		EventTypes:     req.EventTypes,
		MaxAttempts:    req.MaxAttempts,
		BackoffSeconds: req.BackoffSeconds,
	}
	if sub.MaxAttempts <= 0 {
		sub.MaxAttempts = defaultMaxAttempts
	}
	if sub.BackoffSeconds <= 0 {
		sub.BackoffSeconds = defaultBackoffSeconds
	}
	now := d.now().UTC()
	sub.CreatedAt = now
	sub.Touch(now)

	if err := d.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return sub, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe disables a subscription; its delivery history is kept
func (d *Dispatcher) Unsubscribe(ctx context.Context, id uint) error {
	var sub models.WebhookSubscription
	if err := d.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("webhook subscription %d not found", id)
		}
		return err
	}
	sub.Enabled = false
	sub.Touch(d.now().UTC())
	return d.db.WithContext(ctx).Model(&sub).Select("enabled", "updated_at").Updates(&sub).Error
}

func (d *Dispatcher) List(ctx context.Context) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := d.db.WithContext(ctx).Order("id").Find(&subs).Error
	return subs, err
}

// Events returns the newest delivery attempts for a subscription
func (d *Dispatcher) Events(ctx context.Context, subscriptionID uint, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.WebhookEvent
	err := d.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
