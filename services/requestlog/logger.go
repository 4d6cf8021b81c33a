package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"data_gateway/logger"
	"data_gateway/metrics"
	"data_gateway/models"
)

// Sink accepts request log entries without blocking the caller
type Sink interface {
	Log(entry models.RequestLogEntry)
}

// Logger buffers entries in a channel and writes them in batches
type Logger struct {
	db            *gorm.DB
	ch            chan models.RequestLogEntry
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}

	dropped atomic.Int64
}

type Option func(*Logger)

func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan models.RequestLogEntry, n)
		}
	}
}

func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.flushInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func New(db *gorm.DB, opts ...Option) *Logger {
	l := &Logger{
		db:            db,
		ch:            make(chan models.RequestLogEntry, 1024),
		batchSize:     100,
		flushInterval: time.Second,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background writer
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	go l.run()
}

// Stop drains the buffer and waits for the writer, or until ctx is done
func (l *Logger) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	started := l.started
	l.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log enqueues an entry. A full buffer drops the entry.
func (l *Logger) Log(entry models.RequestLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.ch <- entry:
	default:
		n := l.dropped.Add(1)
		metrics.RequestLogDropped()
		if n == 1 || n%1000 == 0 {
			logger.WithComponent("requestlog").WithField("dropped_total", n).
				Warn("request log buffer full, dropping entries")
		}
	}
}

// Dropped reports how many entries were discarded
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]models.RequestLogEntry, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.db.CreateInBatches(batch, l.batchSize).Error; err != nil {
			logger.WithComponent("requestlog").WithError(err).WithField("entries", len(batch)).
				Error("failed to write request logs")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type rollupRow struct {
	Market           string
	Source           string
	Total            int64
	Success          int64
	CacheHits        int64
	AvgLatencyMs     float64
	UpstreamCalls    int64
	UpstreamFailures int64
}

// Rollup aggregates one UTC day of logs into DailyStatistic rows. Request
// counts, cache hits and latency come from inbound API rows only; the
// orchestrator's per-source fetch rows are counted as upstream calls.
func (l *Logger) Rollup(ctx context.Context, day time.Time) ([]models.DailyStatistic, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	statDate := start.Format("2006-01-02")

	var rows []rollupRow
	err := l.db.WithContext(ctx).Model(&models.RequestLogEntry{}).
		Select(`market, source,
			SUM(CASE WHEN method <> @fetch THEN 1 ELSE 0 END) AS total,
			SUM(CASE WHEN method <> @fetch AND http_status >= 200 AND http_status < 400 THEN 1 ELSE 0 END) AS success,
			SUM(CASE WHEN method <> @fetch AND cache_hit THEN 1 ELSE 0 END) AS cache_hits,
			COALESCE(AVG(CASE WHEN method <> @fetch THEN latency_ms END), 0) AS avg_latency_ms,
			SUM(CASE WHEN method = @fetch THEN 1 ELSE 0 END) AS upstream_calls,
			SUM(CASE WHEN method = @fetch AND http_status >= 400 THEN 1 ELSE 0 END) AS upstream_failures`,
			sql.Named("fetch", models.MethodFetch)).
		Where("created_at >= ? AND created_at < ?", start, end).
		Group("market, source").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate request logs for %s: %w", statDate, err)
	}

	now := l.now()
	stats := make([]models.DailyStatistic, 0, len(rows))
	for _, r := range rows {
		stats = append(stats, models.DailyStatistic{
			StatDate:         statDate,
			Market:           r.Market,
			Source:           r.Source,
			TotalRequests:    r.Total,
			SuccessRequests:  r.Success,
			FailedRequests:   r.Total - r.Success,
			CacheHits:        r.CacheHits,
			AvgLatencyMs:     r.AvgLatencyMs,
			UpstreamCalls:    r.UpstreamCalls,
			UpstreamFailures: r.UpstreamFailures,
			UpdatedAt:        now,
		})
	}
	if len(stats) == 0 {
		return stats, nil
	}

	err = l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stat_date"}, {Name: "market"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_requests", "success_requests", "failed_requests",
			"cache_hits", "avg_latency_ms", "upstream_calls", "upstream_failures", "updated_at",
		}),
	}).Create(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("store daily statistics for %s: %w", statDate, err)
	}

	logger.WithComponent("requestlog").WithFields(logger.Fields{
		"date": statDate,
		"rows": len(stats),
	}).Info("daily statistics rolled up")
	return stats, nil
}

// Stats reads back the statistics for one day (YYYY-MM-DD)
func (l *Logger) Stats(ctx context.Context, statDate string) ([]models.DailyStatistic, error) {
	var out []models.DailyStatistic
	err := l.db.WithContext(ctx).Where("stat_date = ?", statDate).
		Order("market, source").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load daily statistics: %w", err)
	}
	return out, nil
}

// Purge deletes log rows older than the retention period
func (l *Logger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-retention)
	res := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.RequestLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge request logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
