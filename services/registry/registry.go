package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/models"
)

// Registry is the catalog of upstream sources. Reads are served from an
// in-memory snapshot; writes go to the database first.
type Registry struct {
	db  *gorm.DB
	now func() time.Time

	mu      sync.RWMutex
	sources map[uint]models.Source
}

// New loads every source row into memory
func New(ctx context.Context, db *gorm.DB) (*Registry, error) {
	r := &Registry{
		db:      db,
		now:     time.Now,
		sources: make(map[uint]models.Source),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload refreshes the snapshot from the database
func (r *Registry) Reload(ctx context.Context) error {
	var rows []models.Source
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	m := make(map[uint]models.Source, len(rows))
	for _, s := range rows {
		m[s.ID] = s
	}

	r.mu.Lock()
	r.sources = m
	r.mu.Unlock()
	return nil
}

// Validate rejects malformed source configuration
func Validate(s models.Source) error {
	if s.ProviderCode == "" {
		return apperrors.Configuration("source provider is required")
	}
	if s.MarketCode == "" {
		return apperrors.Configuration("source %s: market is required", s.ProviderCode)
	}
	if !s.DataKind.Valid() {
		return apperrors.Configuration("source %s/%s: unknown data kind %q", s.ProviderCode, s.MarketCode, s.DataKind)
	}
	if s.PriorityRank < 0 {
		return apperrors.Configuration("source %s/%s/%s: priority must be >= 0", s.ProviderCode, s.MarketCode, s.DataKind)
	}
	if s.RateLimitPerMinute < 0 || s.RateLimitPerHour < 0 {
		return apperrors.Configuration("source %s/%s/%s: rate limits must be >= 0", s.ProviderCode, s.MarketCode, s.DataKind)
	}
	return nil
}

// Seed inserts sources that do not exist yet. Existing rows keep their
// enabled flag so an admin toggle survives restarts.
func (r *Registry) Seed(ctx context.Context, seeds []models.Source) error {
	for _, s := range seeds {
		if err := Validate(s); err != nil {
			return err
		}
	}

	log := logger.WithComponent("registry")
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&models.Source{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}

		for _, s := range seeds {
			var existing models.Source
			err := tx.Where("market_code = ? AND provider_code = ? AND data_kind = ?",
				s.MarketCode, s.ProviderCode, s.DataKind).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			maxSeq++
			s.ID = 0
			s.Seq = maxSeq
			s.CreatedAt = r.now()
			s.Touch(s.CreatedAt)
			if err := tx.Create(&s).Error; err != nil {
				return err
			}
			log.WithFields(logger.Fields{
				"provider": s.ProviderCode,
				"market":   s.MarketCode,
				"kind":     s.DataKind,
				"priority": s.PriorityRank,
				"enabled":  s.Enabled,
			}).Info("seeded source")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	return r.Reload(ctx)
}

// List returns enabled sources for (market, kind), ascending priority,
// ties broken by insertion order
func (r *Registry) List(market string, kind models.DataKind) []models.Source {
	r.mu.RLock()
	out := make([]models.Source, 0, 4)
	for _, s := range r.sources {
		if s.Enabled && s.MarketCode == market && s.DataKind == kind {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sortSources(out)
	return out
}

// All returns every source, enabled or not
func (r *Registry) All() []models.Source {
	r.mu.RLock()
	out := make([]models.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MarketCode != b.MarketCode {
			return a.MarketCode < b.MarketCode
		}
		if a.DataKind != b.DataKind {
			return a.DataKind < b.DataKind
		}
		return less(a, b)
	})
	return out
}

// Get returns a source by id
func (r *Registry) Get(id uint) (models.Source, error) {
	r.mu.RLock()
	s, ok := r.sources[id]
	r.mu.RUnlock()
	if !ok {
		return models.Source{}, apperrors.NotFound("source %d not found", id)
	}
	return s, nil
}

// SetEnabled toggles a source. It is the only mutation the catalog allows.
func (r *Registry) SetEnabled(ctx context.Context, id uint, enabled bool) (models.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return models.Source{}, apperrors.NotFound("source %d not found", id)
	}

	s.Enabled = enabled
	s.Touch(r.now())
	err := r.db.WithContext(ctx).Model(&models.Source{}).Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": s.UpdatedAt}).Error
	if err != nil {
		return models.Source{}, fmt.Errorf("update source %d: %w", id, err)
	}

	r.sources[id] = s
	logger.WithComponent("registry").WithFields(logger.Fields{
		"source_id": id,
		"provider":  s.ProviderCode,
		"enabled":   enabled,
	}).Info("source toggled")
	return s, nil
}

// MinRateLimit returns the lowest non-zero per-minute ceiling across the
// enabled sources for (market, kind), or 0 when none is configured
func (r *Registry) MinRateLimit(market string, kind models.DataKind) int {
	min := 0
	for _, s := range r.List(market, kind) {
		if s.RateLimitPerMinute > 0 && (min == 0 || s.RateLimitPerMinute < min) {
			min = s.RateLimitPerMinute
		}
	}
	return min
}

func sortSources(s []models.Source) {
	sort.SliceStable(s, func(i, j int) bool { return less(s[i], s[j]) })
}

func less(a, b models.Source) bool {
	if a.PriorityRank != b.PriorityRank {
		return a.PriorityRank < b.PriorityRank
	}
	return a.Seq < b.Seq
}
