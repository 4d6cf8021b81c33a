package synctask

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/metrics"
	"data_gateway/models"
	"data_gateway/services/archive"
	"data_gateway/services/gateway"
	"data_gateway/services/providers"
	"data_gateway/services/webhook"
)

// ClientKey attributes sync traffic in request logs
const ClientKey = "sync"

const (
	dateLayout         = "2006-01-02"
	fullSyncStart      = "1990-01-01"
	defaultWorkers     = 4
	defaultIncremental = 30
)

// Fetcher is the orchestrator surface the sync worker drives
type Fetcher interface {
	Kline(ctx context.Context, q providers.KlineQuery) (gateway.Result, error)
}

// SymbolLister resolves the symbol universe for full and incremental syncs
type SymbolLister interface {
	Markets() []string
	Symbols(market string) []string
}

// Notifier receives terminal task events
type Notifier interface {
	Publish(ctx context.Context, ev webhook.Event)
}

// RateSource reports the slowest per-minute ceiling among kline sources
type RateSource interface {
	MinRateLimit(market string, kind models.DataKind) int
}

// StaticUniverse is a fixed market -> symbols map
type StaticUniverse map[string][]string

func (u StaticUniverse) Markets() []string {
	out := make([]string, 0, len(u))
	for m := range u {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (u StaticUniverse) Symbols(market string) []string {
	return append([]string(nil), u[market]...)
}

// Request describes a new task
type Request struct {
	Market    string   `json:"market"`
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols"`
	Period    string   `json:"period"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	// Days overrides the incremental look-back
	Days int `json:"days"`
}

// Manager runs at most one bulk kline backfill at a time
type Manager struct {
	db       *gorm.DB
	fetcher  Fetcher
	archive  archive.Store
	universe SymbolLister
	notifier Notifier
	rates    RateSource

	workers         int
	incrementalDays int
	now             func() time.Time

	mu       sync.Mutex
	active   string
	cancel   *atomic.Bool
	progress *progress
	running  sync.WaitGroup
}

type Option func(*Manager)

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithIncrementalDays(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.incrementalDays = n
		}
	}
}

func WithUniverse(u SymbolLister) Option {
	return func(m *Manager) { m.universe = u }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithRateSource(r RateSource) Option {
	return func(m *Manager) { m.rates = r }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(db *gorm.DB, fetcher Fetcher, store archive.Store, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fetcher:         fetcher,
		archive:         store,
		universe:        StaticUniverse{},
		workers:         defaultWorkers,
		incrementalDays: defaultIncremental,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates req, fills in defaults and persists a pending task. A
// task whose symbol universe resolves empty is stored as failed.
func (m *Manager) Create(ctx context.Context, req Request) (*models.SyncTask, error) {
	if !models.IsSupportedMarket(req.Market) {
		return nil, apperrors.InvalidRequest("unsupported market %q", req.Market)
	}
	if req.Type == "" {
		req.Type = models.SyncTypeIncremental
	}
	switch req.Type {
	case models.SyncTypeFull, models.SyncTypeIncremental, models.SyncTypeSymbol:
	default:
		return nil, apperrors.InvalidRequest("unknown sync type %q", req.Type)
	}
	if req.Period == "" {
		req.Period = models.PeriodDaily
	}
	if !models.IsValidPeriod(req.Period) {
		return nil, apperrors.InvalidRequest("unsupported period %q", req.Period)
	}

	symbols := cleanSymbols(req.Symbols)
	if req.Type == models.SyncTypeSymbol && len(symbols) != 1 {
		return nil, apperrors.InvalidRequest("symbol sync takes exactly one symbol, got %d", len(symbols))
	}

	now := m.now().UTC()
	if req.EndDate == "" {
		req.EndDate = now.Format(dateLayout)
	}
	if req.StartDate == "" {
		switch req.Type {
		case models.SyncTypeFull:
			req.StartDate = fullSyncStart
		case models.SyncTypeIncremental:
			days := req.Days
			if days <= 0 {
				days = m.incrementalDays
			}
			req.StartDate = now.AddDate(0, 0, -days).Format(dateLayout)
		}
	}
	if err := validateRange(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}

	if len(symbols) == 0 {
		symbols = cleanSymbols(m.universe.Symbols(req.Market))
	}

	task := &models.SyncTask{
		ID:           uuid.NewString(),
		TaskType:     req.Type,
		Market:       req.Market,
		Period:       req.Period,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		Symbols:      symbols,
		Status:       models.SyncPending,
		TotalSymbols: len(symbols),
		CreatedAt:    now,
	}
	task.Touch(now)

	if len(symbols) == 0 {
		task.Status = models.SyncFailed
		task.ErrorMessage = fmt.Sprintf("no symbols configured for market %s", req.Market)
		task.CompletedAt = &now
	}

	if err := m.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("create sync task: %w", err)
	}

	log := logger.WithComponent("sync").WithFields(logger.Fields{
		"task_id": task.ID,
		"type":    task.TaskType,
		"market":  task.Market,
		"symbols": task.TotalSymbols,
	})
	if task.Status == models.SyncFailed {
		log.Warn(task.ErrorMessage)
		m.notify(ctx, task)
	} else {
		log.Info("sync task created")
	}
	return task, nil
}

func validateRange(start, end string) error {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(dateLayout, start); err != nil {
			return apperrors.InvalidRequest("invalid start_date %q", start)
		}
	}
	if e, err = time.Parse(dateLayout, end); err != nil {
		return apperrors.InvalidRequest("invalid end_date %q", end)
	}
	if start != "" && s.After(e) {
		return apperrors.InvalidRequest("start_date %s is after end_date %s", start, end)
	}
	return nil
}

func cleanSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Start moves a pending task to running and processes it in the
// background. Only one task may run at a time.
func (m *Manager) Start(ctx context.Context, id string) (*models.SyncTask, error) {
	task, _, err := m.start(ctx, id)
	return task, err
}

// Run starts a task and waits for it to finish
func (m *Manager) Run(ctx context.Context, id string) (*models.SyncTask, error) {
	_, done, err := m.start(ctx, id)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Get(ctx, id)
}

func (m *Manager) start(ctx context.Context, id string) (*models.SyncTask, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		return nil, nil, apperrors.Conflict("sync task %s is already running", m.active)
	}
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != models.SyncPending {
		return nil, nil, apperrors.Conflict("sync task %s is %s", id, task.Status)
	}

	now := m.now().UTC()
	task.Status = models.SyncRunning
	task.StartedAt = &now
	task.Touch(now)
	if err := m.db.WithContext(ctx).Save(task).Error; err != nil {
		return nil, nil, fmt.Errorf("start sync task: %w", err)
	}

	m.active = id
	m.cancel = &atomic.Bool{}
	m.progress = &progress{task: task}
	done := make(chan struct{})
	m.running.Add(1)

	snapshot := *task
	go func(p *progress, cancel *atomic.Bool) {
		defer m.running.Done()
		defer close(done)
		m.execute(context.WithoutCancel(ctx), p, cancel)
	}(m.progress, m.cancel)

	return &snapshot, done, nil
}

// progress guards the task row while workers report outcomes
type progress struct {
	mu   sync.Mutex
	task *models.SyncTask
}

func (m *Manager) execute(ctx context.Context, p *progress, cancelled *atomic.Bool) {
	task := p.task
	log := logger.WithComponent("sync").WithField("task_id", task.ID)
	log.WithField("symbols", task.TotalSymbols).Info("sync task started")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if m.rates != nil {
		if perMinute := m.rates.MinRateLimit(task.Market, models.KindKline); perMinute > 0 {
			limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
		}
	}

	fetchCtx := gateway.WithClientKey(ctx, ClientKey)

	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(m.workers)
	for _, sym := range task.Symbols {
		if cancelled.Load() {
			break
		}
		sym := sym
		g.Go(func() error {
			if cancelled.Load() {
				return nil
			}
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			m.syncSymbol(gctx, p, sym)
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	now := m.now().UTC()
	// Cancel already stored the cancelled status
	if task.Status != models.SyncCancelled {
		task.Status = models.SyncCompleted
		task.Progress = 100
	}
	task.CurrentSymbol = ""
	task.CompletedAt = &now
	task.Touch(now)
	if err := m.db.WithContext(ctx).Save(task).Error; err != nil {
		log.WithError(err).Error("failed to persist final task state")
	}
	final := *task
	p.mu.Unlock()

	m.mu.Lock()
	m.active = ""
	m.cancel = nil
	m.progress = nil
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"status":        final.Status,
		"success":       final.SuccessCount,
		"failed":        final.FailedCount,
		"skipped":       final.SkippedCount,
		"total_records": final.TotalRecords,
	}).Info("sync task finished")
	m.notify(ctx, &final)
}

func (m *Manager) syncSymbol(ctx context.Context, p *progress, symbol string) {
	task := p.task
	item := models.SyncTaskItem{TaskID: task.ID, Symbol: symbol}

	res, err := m.fetcher.Kline(ctx, providers.KlineQuery{
		Market:    task.Market,
		Symbol:    symbol,
		Period:    task.Period,
		StartDate: task.StartDate,
		EndDate:   task.EndDate,
	})
	switch {
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		item.Status = models.ItemNoData
	case err != nil:
		item.Status = models.ItemFailed
		item.ErrorMessage = err.Error()
	default:
		item.Source = res.Source
		kp, _ := res.Payload.(models.KlinePayload)
		n, aerr := m.archive.Store(ctx, res.Source, kp)
		if aerr != nil {
			item.Status = models.ItemFailed
			item.ErrorMessage = aerr.Error()
		} else {
			item.Status = models.ItemSuccess
			item.RecordCount = n
		}
	}
	metrics.SyncSymbol(item.Status)

	if item.Status == models.ItemSuccess && m.notifier != nil {
		m.notifier.Publish(ctx, webhook.Event{
			Type:   models.EventDataAvailable,
			Market: task.Market,
			Symbol: symbol,
			Data: map[string]interface{}{
				"task_id": task.ID,
				"market":  task.Market,
				"symbol":  symbol,
				"period":  task.Period,
				"records": item.RecordCount,
				"source":  item.Source,
			},
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := m.now().UTC()
	item.CreatedAt = now
	if err := m.db.WithContext(ctx).Create(&item).Error; err != nil {
		logger.WithComponent("sync").WithError(err).WithField("symbol", symbol).Error("failed to record sync item")
	}

	switch item.Status {
	case models.ItemSuccess:
		task.SuccessCount++
		task.TotalRecords += int64(item.RecordCount)
	case models.ItemNoData:
		task.SkippedCount++
	default:
		task.FailedCount++
	}
	task.CurrentSymbol = symbol
	if task.TotalSymbols > 0 {
		task.Progress = math.Round(float64(task.Processed())/float64(task.TotalSymbols)*10000) / 100
	}
	task.Touch(now)
	if err := m.db.WithContext(ctx).Save(task).Error; err != nil {
		logger.WithComponent("sync").WithError(err).Error("failed to persist task progress")
	}
}

// Cancel stops a task and marks it cancelled at once. A running task stops
// between symbols; symbols already in flight still finish.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == id && m.progress != nil {
		return m.cancelRunning(ctx)
	}

	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == models.SyncPending, task.Status == models.SyncRunning:
		// pending, or running in a process that no longer exists
		now := m.now().UTC()
		task.Status = models.SyncCancelled
		task.CompletedAt = &now
		task.Touch(now)
		if err := m.db.WithContext(ctx).Save(task).Error; err != nil {
			return nil, err
		}
		m.notify(ctx, task)
		return task, nil
	}
	return nil, apperrors.Conflict("sync task %s is %s", id, task.Status)
}

// cancelRunning is called with m.mu held
func (m *Manager) cancelRunning(ctx context.Context) (*models.SyncTask, error) {
	p := m.progress
	p.mu.Lock()
	defer p.mu.Unlock()

	task := p.task
	if task.Status != models.SyncRunning {
		return nil, apperrors.Conflict("sync task %s is %s", task.ID, task.Status)
	}
	m.cancel.Store(true)
	task.Status = models.SyncCancelled
	task.Touch(m.now().UTC())
	if err := m.db.WithContext(ctx).Save(task).Error; err != nil {
		return nil, fmt.Errorf("cancel sync task: %w", err)
	}
	logger.WithComponent("sync").WithField("task_id", task.ID).Info("sync task cancelled")
	snapshot := *task
	return &snapshot, nil
}

// ReconcileStale fails running tasks whose heartbeat went quiet, which
// only happens when the process that owned them died
func (m *Manager) ReconcileStale(ctx context.Context, maxSilence time.Duration) (int, error) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	cutoff := m.now().UTC().Add(-maxSilence)
	var stale []models.SyncTask
	err := m.db.WithContext(ctx).
		Where("status = ? AND id <> ?", models.SyncRunning, active).
		Where("heartbeat_at IS NULL OR heartbeat_at <= ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	for i := range stale {
		t := &stale[i]
		now := m.now().UTC()
		t.Status = models.SyncFailed
		t.ErrorMessage = "worker heartbeat lost"
		t.CompletedAt = &now
		t.Touch(now)
		if err := m.db.WithContext(ctx).Save(t).Error; err != nil {
			return i, err
		}
		logger.WithComponent("sync").WithField("task_id", t.ID).Warn("marked stale sync task as failed")
		m.notify(ctx, t)
	}
	return len(stale), nil
}

// SyncUniverse runs an incremental task for every configured market, one
// after another. Used by the nightly job.
func (m *Manager) SyncUniverse(ctx context.Context) error {
	return m.SyncUniverseDays(ctx, 0)
}

// SyncUniverseDays is SyncUniverse with a look-back of days, or the
// configured incremental window when days <= 0. It refuses to start while
// another task runs, and a market that loses the race to another task has
// its pending task cancelled rather than left behind.
func (m *Manager) SyncUniverseDays(ctx context.Context, days int) error {
	if active, err := m.Active(ctx); err != nil {
		return err
	} else if active != nil {
		return apperrors.Conflict("sync task %s is already running", active.ID)
	}

	var errs []error
	for _, market := range m.universe.Markets() {
		task, err := m.Create(ctx, Request{Market: market, Type: models.SyncTypeIncremental, Days: days})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", market, err))
			continue
		}
		if task.Status != models.SyncPending {
			continue
		}
		if _, err := m.Run(ctx, task.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", market, err))
			if apperrors.IsCode(err, apperrors.CodeConflict) {
				if _, cerr := m.Cancel(context.WithoutCancel(ctx), task.ID); cerr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", market, cerr))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// TriggerUniverse starts SyncUniverseDays in the background. It fails fast
// with a conflict while another task runs.
func (m *Manager) TriggerUniverse(ctx context.Context, days int) error {
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		return apperrors.Conflict("sync task %s is already running", active.ID)
	}

	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if err := m.SyncUniverseDays(context.WithoutCancel(ctx), days); err != nil {
			logger.WithComponent("sync").WithError(err).WithField("days", days).Warn("manual universe sync finished with errors")
		}
	}()
	logger.WithComponent("sync").WithField("days", days).Info("manual universe sync triggered")
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.SyncTask, error) {
	var task models.SyncTask
	if err := m.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("sync task %s not found", id)
		}
		return nil, err
	}
	return &task, nil
}

// List returns the newest tasks first
func (m *Manager) List(ctx context.Context, limit int) ([]models.SyncTask, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []models.SyncTask
	err := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (m *Manager) Items(ctx context.Context, id string) ([]models.SyncTaskItem, error) {
	var items []models.SyncTaskItem
	err := m.db.WithContext(ctx).Where("task_id = ?", id).Order("id").Find(&items).Error
	return items, err
}

// Active returns the running task, if any
func (m *Manager) Active(ctx context.Context) (*models.SyncTask, error) {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return nil, nil
	}
	return m.Get(ctx, id)
}

// Wait blocks until background tasks have finished
func (m *Manager) Wait() {
	m.running.Wait()
}

func (m *Manager) notify(ctx context.Context, task *models.SyncTask) {
	if m.notifier == nil {
		return
	}
	var eventType string
	switch task.Status {
	case models.SyncCompleted:
		eventType = models.EventSyncCompleted
	case models.SyncFailed:
		eventType = models.EventSyncFailed
	case models.SyncCancelled:
		eventType = models.EventSyncCancelled
	default:
		return
	}
	m.notifier.Publish(ctx, webhook.Event{
		Type:   eventType,
		Market: task.Market,
		Data:   summary(task),
	})
}

func summary(t *models.SyncTask) map[string]interface{} {
	return map[string]interface{}{
		"task_id":       t.ID,
		"type":          t.TaskType,
		"market":        t.Market,
		"period":        t.Period,
		"status":        t.Status,
		"total_symbols": t.TotalSymbols,
		"success_count": t.SuccessCount,
		"failed_count":  t.FailedCount,
		"skipped_count": t.SkippedCount,
		"total_records": t.TotalRecords,
		"error_message": t.ErrorMessage,
	}
}
