package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/metrics"
	"data_gateway/models"
	"data_gateway/services/cache"
	"data_gateway/services/providers"
	"data_gateway/services/requestlog"
)

var errEmptyPayload = errors.New("empty payload")

// SourceLister is the part of the registry the orchestrator needs
type SourceLister interface {
	List(market string, kind models.DataKind) []models.Source
}

// HealthGate is the part of the health monitor the orchestrator needs
type HealthGate interface {
	IsUsable(sourceID uint) bool
	RecordOutcome(sourceID uint, success bool, latency time.Duration, errMsg string)
}

// Timeouts bound each provider attempt
type Timeouts struct {
	Quote       time.Duration
	MinuteKline time.Duration
	DailyKline  time.Duration
	Fundamental time.Duration
}

// DefaultTimeouts: quote 5s, intraday kline 10s, daily+ kline 15s, fundamentals 10s
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Quote:       5 * time.Second,
		MinuteKline: 10 * time.Second,
		DailyKline:  15 * time.Second,
		Fundamental: 10 * time.Second,
	}
}

// Uniform applies one timeout to every kind
func Uniform(d time.Duration) Timeouts {
	return Timeouts{Quote: d, MinuteKline: d, DailyKline: d, Fundamental: d}
}

// Result is what the orchestrator hands back to callers
type Result struct {
	Payload   models.Payload
	Source    string
	CacheHit  bool
	Attempted []string
}

// Orchestrator resolves a request through the cache and, on a miss, the
// enabled sources in priority order until one succeeds.
type Orchestrator struct {
	sources   SourceLister
	health    HealthGate
	cache     cache.Store
	ttl       cache.TTLPolicy
	providers providers.Set
	log       requestlog.Sink
	timeouts  Timeouts
	now       func() time.Time

	flights singleflight.Group
}

type Option func(*Orchestrator)

func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

func WithTTLPolicy(p cache.TTLPolicy) Option {
	return func(o *Orchestrator) { o.ttl = p }
}

func WithRequestLog(s requestlog.Sink) Option {
	return func(o *Orchestrator) { o.log = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(sources SourceLister, health HealthGate, store cache.Store, ps providers.Set, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources:   sources,
		health:    health,
		cache:     store,
		ttl:       cache.DefaultTTLPolicy(),
		providers: ps,
		log:       discardSink{},
		timeouts:  DefaultTimeouts(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type discardSink struct{}

func (discardSink) Log(models.RequestLogEntry) {}

// Quote resolves quotes symbol by symbol from the cache and fetches the
// misses in a single upstream call.
func (o *Orchestrator) Quote(ctx context.Context, market string, symbols []string) (Result, error) {
	symbols = dedupe(symbols)
	if len(symbols) == 0 {
		return Result{}, apperrors.InvalidRequest("symbols is required")
	}

	cached := make(map[string]models.Quote, len(symbols))
	var misses []string
	var cachedSource string
	for _, sym := range symbols {
		key := cache.Key{Kind: models.KindQuote, Market: market, Symbol: sym}
		if e, ok := o.cacheGet(ctx, key); ok {
			if p, isQuote := e.Payload.(models.QuotePayload); isQuote && !p.Empty() {
				cached[sym] = p.Items[0]
				cachedSource = e.Source
				continue
			}
		}
		misses = append(misses, sym)
	}

	if len(misses) == 0 {
		metrics.CacheHit(string(models.KindQuote))
		return Result{
			Payload:  models.QuotePayload{Items: ordered(symbols, cached)},
			Source:   cachedSource,
			CacheHit: true,
		}, nil
	}
	metrics.CacheMiss(string(models.KindQuote))

	flightKey := "quote:" + market + ":" + strings.Join(misses, ",")
	res, err := o.do(ctx, flightKey, func(ctx context.Context) (Result, error) {
		res, err := o.walk(ctx, market, models.KindQuote, strings.Join(misses, ","), o.timeouts.Quote, func(ctx context.Context, p providers.Provider) (models.Payload, error) {
			return p.Quote(ctx, market, misses)
		})
		if err != nil {
			return res, err
		}
		ttl := o.ttl.For(models.KindQuote)
		for _, q := range res.Payload.(models.QuotePayload).Items {
			key := cache.Key{Kind: models.KindQuote, Market: market, Symbol: q.Symbol}
			o.cachePut(ctx, key, models.QuotePayload{Items: []models.Quote{q}}, res.Source, ttl)
		}
		return res, nil
	})
	if err != nil {
		return res, err
	}

	for _, q := range res.Payload.(models.QuotePayload).Items {
		cached[q.Symbol] = q
	}
	res.Payload = models.QuotePayload{Items: ordered(symbols, cached)}
	return res, nil
}

// Kline resolves a bar series
func (o *Orchestrator) Kline(ctx context.Context, q providers.KlineQuery) (Result, error) {
	if q.Symbol == "" {
		return Result{}, apperrors.InvalidRequest("symbol is required")
	}
	if q.Period == "" {
		q.Period = models.PeriodDaily
	}

	key := cache.Key{
		Kind:      models.KindKline,
		Market:    q.Market,
		Symbol:    q.Symbol,
		Period:    q.Period,
		StartDate: q.StartDate,
		EndDate:   q.EndDate,
	}
	return o.resolve(ctx, key, func(ctx context.Context, p providers.Provider) (models.Payload, error) {
		return p.Kline(ctx, q)
	})
}

// Fundamentals resolves periodic company data
func (o *Orchestrator) Fundamentals(ctx context.Context, market, symbol string) (Result, error) {
	if symbol == "" {
		return Result{}, apperrors.InvalidRequest("symbol is required")
	}
	key := cache.Key{Kind: models.KindFundamental, Market: market, Symbol: symbol}
	return o.resolve(ctx, key, func(ctx context.Context, p providers.Provider) (models.Payload, error) {
		return p.Fundamentals(ctx, market, symbol)
	})
}

// MoneyFlow resolves one symbol's order-size flow breakdown. Only cn_a
// publishes it.
func (o *Orchestrator) MoneyFlow(ctx context.Context, market, symbol, date string) (Result, error) {
	if market != models.MarketCNA {
		return Result{}, apperrors.InvalidRequest("money flow is only available for %s", models.MarketCNA)
	}
	if symbol == "" {
		return Result{}, apperrors.InvalidRequest("symbol is required")
	}
	key := cache.Key{Kind: models.KindMoneyFlow, Market: market, Symbol: symbol, StartDate: date}
	return o.resolve(ctx, key, func(ctx context.Context, p providers.Provider) (models.Payload, error) {
		return p.MoneyFlow(ctx, market, symbol, date)
	})
}

// Sectors resolves a realtime industry or concept board ranking
func (o *Orchestrator) Sectors(ctx context.Context, market, sectorType string) (Result, error) {
	if market != models.MarketCNA {
		return Result{}, apperrors.InvalidRequest("sector boards are only available for %s", models.MarketCNA)
	}
	if !models.IsValidSectorType(sectorType) {
		return Result{}, apperrors.InvalidRequest("sector type must be %s or %s", models.SectorIndustry, models.SectorConcept)
	}
	key := cache.Key{Kind: models.KindSector, Market: market, Symbol: sectorType}
	return o.resolve(ctx, key, func(ctx context.Context, p providers.Provider) (models.Payload, error) {
		return p.Sectors(ctx, market, sectorType)
	})
}

type fetchFunc func(ctx context.Context, p providers.Provider) (models.Payload, error)

func (o *Orchestrator) resolve(ctx context.Context, key cache.Key, call fetchFunc) (Result, error) {
	if e, ok := o.cacheGet(ctx, key); ok {
		metrics.CacheHit(string(key.Kind))
		return Result{Payload: e.Payload, Source: e.Source, CacheHit: true}, nil
	}
	metrics.CacheMiss(string(key.Kind))

	return o.do(ctx, key.String(), func(ctx context.Context) (Result, error) {
		res, err := o.walk(ctx, key.Market, key.Kind, key.Symbol, o.timeoutFor(key), call)
		if err != nil {
			return res, err
		}
		o.cachePut(ctx, key, res.Payload, res.Source, o.ttl.For(key.Kind))
		return res, nil
	})
}

// do collapses identical in-flight misses into one upstream walk. The walk
// outlives a cancelled caller so the other waiters still get a result.
func (o *Orchestrator) do(ctx context.Context, key string, fn func(context.Context) (Result, error)) (Result, error) {
	detached := context.WithoutCancel(ctx)
	ch := o.flights.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		if r.Err != nil {
			return res, r.Err
		}
		if r.Shared {
			res.Attempted = append([]string(nil), res.Attempted...)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// walk tries each usable source in priority order
func (o *Orchestrator) walk(ctx context.Context, market string, kind models.DataKind, subject string, timeout time.Duration, call fetchFunc) (Result, error) {
	log := logger.WithComponent("gateway").WithFields(logger.Fields{
		"market": market,
		"kind":   kind,
		"symbol": subject,
	})

	var attempted, skipped []string
	var lastErr error

	for _, src := range o.sources.List(market, kind) {
		if !o.health.IsUsable(src.ID) {
			skipped = append(skipped, src.ProviderCode)
			continue
		}
		p, ok := o.providers.Get(src.ProviderCode)
		if !ok {
			log.WithField("source", src.ProviderCode).Warn("source has no registered provider, skipping")
			skipped = append(skipped, src.ProviderCode)
			continue
		}

		attempted = append(attempted, src.ProviderCode)
		actx, cancel := context.WithTimeout(ctx, timeout)
		start := o.now()
		payload, err := call(actx, p)
		latency := o.now().Sub(start)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil && (payload == nil || payload.Empty()) {
			err = errEmptyPayload
		}

		switch {
		case err == nil:
			o.health.RecordOutcome(src.ID, true, latency, "")
			o.record(ctx, src, kind, subject, http.StatusOK, latency, "")
			return Result{Payload: payload, Source: src.ProviderCode, Attempted: attempted}, nil

		case apperrors.IsCode(err, apperrors.CodeNotFound):
			// the source answered; the symbol does not exist
			o.health.RecordOutcome(src.ID, true, latency, "")
			o.record(ctx, src, kind, subject, http.StatusNotFound, latency, err.Error())
			return Result{Source: src.ProviderCode, Attempted: attempted}, err

		default:
			status := http.StatusBadGateway
			if timedOut {
				status = http.StatusGatewayTimeout
				err = fmt.Errorf("%s: timed out after %s: %w", src.ProviderCode, timeout, err)
			}
			o.health.RecordOutcome(src.ID, false, latency, err.Error())
			o.record(ctx, src, kind, subject, status, latency, err.Error())
			log.WithError(err).WithField("source", src.ProviderCode).Warn("source failed, trying next")
			lastErr = err
		}
	}

	log.WithFields(logger.Fields{
		"attempted": attempted,
		"skipped":   skipped,
	}).WithError(lastErr).Error("all sources exhausted")
	return Result{Attempted: attempted}, apperrors.SourceExhausted(attempted, skipped, lastErr)
}

func (o *Orchestrator) timeoutFor(key cache.Key) time.Duration {
	switch key.Kind {
	case models.KindQuote:
		return o.timeouts.Quote
	case models.KindFundamental, models.KindMoneyFlow, models.KindSector:
		return o.timeouts.Fundamental
	}
	if models.IsMinutePeriod(key.Period) {
		return o.timeouts.MinuteKline
	}
	return o.timeouts.DailyKline
}

func (o *Orchestrator) record(ctx context.Context, src models.Source, kind models.DataKind, subject string, status int, latency time.Duration, errMsg string) {
	outcome := "success"
	if status >= 400 {
		outcome = "failure"
	}
	metrics.ObserveFetch(src.MarketCode, string(kind), src.ProviderCode, outcome, latency.Seconds())

	o.log.Log(models.RequestLogEntry{
		Path:         "fetch:" + string(kind),
		Method:       models.MethodFetch,
		Params:       subject,
		ClientKey:    ClientKey(ctx),
		Market:       src.MarketCode,
		Source:       src.ProviderCode,
		LatencyMs:    latency.Milliseconds(),
		HTTPStatus:   status,
		ErrorMessage: errMsg,
	})
}

func (o *Orchestrator) cacheGet(ctx context.Context, key cache.Key) (cache.Entry, bool) {
	e, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		logger.WithComponent("gateway").WithError(err).WithField("key", key.String()).Warn("cache read failed, treating as miss")
		return cache.Entry{}, false
	}
	return e, ok
}

func (o *Orchestrator) cachePut(ctx context.Context, key cache.Key, p models.Payload, source string, ttl time.Duration) {
	if err := o.cache.Put(ctx, key, p, source, ttl); err != nil {
		logger.WithComponent("gateway").WithError(err).WithField("key", key.String()).Warn("cache write failed")
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func ordered(symbols []string, bySymbol map[string]models.Quote) []models.Quote {
	out := make([]models.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := bySymbol[s]; ok {
			out = append(out, q)
		}
	}
	return out
}
