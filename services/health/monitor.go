package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"data_gateway/logger"
	"data_gateway/models"
)

const (
	downThreshold     = 50.0 // error rate above this marks a source down
	degradedThreshold = 10.0
)

// Monitor keeps one independently locked accumulator per source
type Monitor struct {
	db               *gorm.DB
	window           int
	recoveryInterval time.Duration
	now              func() time.Time

	mu    sync.RWMutex // guards the units map, not the units
	units map[uint]*unit
}

type unit struct {
	mu sync.Mutex
	h  models.SourceHealth

	// last N outcomes, true = failure
	ring     []bool
	next     int
	filled   int
	failures int

	lastTrial time.Time
}

type Option func(*Monitor)

// WithWindow sets how many recent outcomes drive the error rate
func WithWindow(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithRecoveryInterval lets one request through to a down source per interval.
// Zero disables recovery trials.
func WithRecoveryInterval(d time.Duration) Option {
	return func(m *Monitor) { m.recoveryInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(db *gorm.DB, opts ...Option) *Monitor {
	m := &Monitor{
		db:               db,
		window:           20,
		recoveryInterval: 30 * time.Second,
		now:              time.Now,
		units:            make(map[uint]*unit),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers sources so their identity shows up in snapshots
func (m *Monitor) Track(sources ...models.Source) {
	for _, s := range sources {
		u := m.unit(s.ID)
		u.mu.Lock()
		u.h.ProviderCode = s.ProviderCode
		u.h.MarketCode = s.MarketCode
		u.h.DataKind = s.DataKind
		u.mu.Unlock()
	}
}

func (m *Monitor) unit(id uint) *unit {
	m.mu.RLock()
	u, ok := m.units[id]
	m.mu.RUnlock()
	if ok {
		return u
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok = m.units[id]; ok {
		return u
	}
	u = &unit{
		h:    models.SourceHealth{SourceID: id, Status: models.HealthUnknown},
		ring: make([]bool, m.window),
	}
	m.units[id] = u
	return u
}

// RecordOutcome folds one fetch attempt into the source's accumulator
func (m *Monitor) RecordOutcome(sourceID uint, success bool, latency time.Duration, errMsg string) {
	u := m.unit(sourceID)
	now := m.now()
	latencyMs := float64(latency) / float64(time.Millisecond)

	u.mu.Lock()
	defer u.mu.Unlock()

	h := &u.h
	h.AvgResponseMs = (h.AvgResponseMs*float64(h.TotalCount) + latencyMs) / float64(h.TotalCount+1)
	h.TotalCount++
	if success {
		h.SuccessCount++
		h.LastSuccessAt = &now
	} else {
		h.FailureCount++
		h.LastFailureAt = &now
		h.LastError = errMsg
	}

	u.push(!success)
	prev := h.Status
	h.ErrorRate = u.errorRate()
	h.Status = statusFor(h.ErrorRate, u.filled)
	h.UpdatedAt = now

	if prev != h.Status && prev != models.HealthUnknown {
		logger.WithComponent("health").WithFields(logger.Fields{
			"source_id":  sourceID,
			"provider":   h.ProviderCode,
			"from":       prev,
			"to":         h.Status,
			"error_rate": h.ErrorRate,
		}).Warn("source health changed")
	}
}

func (u *unit) push(failed bool) {
	if u.filled == len(u.ring) {
		if u.ring[u.next] {
			u.failures--
		}
	} else {
		u.filled++
	}
	u.ring[u.next] = failed
	if failed {
		u.failures++
	}
	u.next = (u.next + 1) % len(u.ring)
}

func (u *unit) errorRate() float64 {
	if u.filled == 0 {
		return 0
	}
	return float64(u.failures) / float64(u.filled) * 100
}

func statusFor(errorRate float64, samples int) string {
	switch {
	case samples == 0:
		return models.HealthUnknown
	case errorRate > downThreshold:
		return models.HealthDown
	case errorRate >= degradedThreshold:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}

// Get returns a snapshot; untracked sources report unknown
func (m *Monitor) Get(sourceID uint) models.SourceHealth {
	m.mu.RLock()
	u, ok := m.units[sourceID]
	m.mu.RUnlock()
	if !ok {
		return models.SourceHealth{SourceID: sourceID, Status: models.HealthUnknown}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return u.h
}

// All returns snapshots for every tracked source ordered by id
func (m *Monitor) All() []models.SourceHealth {
	m.mu.RLock()
	units := make([]*unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.mu.RUnlock()

	out := make([]models.SourceHealth, 0, len(units))
	for _, u := range units {
		u.mu.Lock()
		out = append(out, u.h)
		u.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// IsUsable reports whether the orchestrator may call the source. A down
// source is let through once per recovery interval so it can recover.
func (m *Monitor) IsUsable(sourceID uint) bool {
	m.mu.RLock()
	u, ok := m.units[sourceID]
	m.mu.RUnlock()
	if !ok {
		return true
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.h.Status != models.HealthDown {
		return true
	}
	if m.recoveryInterval <= 0 {
		return false
	}

	now := m.now()
	since := u.lastTrial
	if u.h.LastFailureAt != nil && u.h.LastFailureAt.After(since) {
		since = *u.h.LastFailureAt
	}
	if now.Sub(since) < m.recoveryInterval {
		return false
	}
	u.lastTrial = now
	return true
}

// Flush persists every snapshot
func (m *Monitor) Flush(ctx context.Context) error {
	snapshots := m.All()
	if len(snapshots) == 0 {
		return nil
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}},
		UpdateAll: true,
	}).Create(&snapshots).Error
	if err != nil {
		return fmt.Errorf("flush source health: %w", err)
	}
	return nil
}

// Load restores cumulative counters saved by Flush. The rolling window
// starts empty, so restored sources report unknown until new outcomes arrive.
func (m *Monitor) Load(ctx context.Context) error {
	var rows []models.SourceHealth
	if err := m.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("load source health: %w", err)
	}

	for _, row := range rows {
		u := m.unit(row.SourceID)
		u.mu.Lock()
		row.Status = models.HealthUnknown
		row.ErrorRate = 0
		u.h = row
		u.mu.Unlock()
	}
	return nil
}
