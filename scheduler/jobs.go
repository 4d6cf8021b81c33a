package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/go-co-op/gocron"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/models"
)

const (
	jobSyncUniverse = "sync_universe"
	jobReconcile    = "reconcile_sync"
	jobFlushHealth  = "flush_health"
	jobCollect      = "collect_windows"
	jobEvictCache   = "evict_cache"
	jobRollup       = "rollup_statistics"
	jobPurgeLogs    = "purge_request_logs"
)

// Syncer runs the nightly universe sync and reconciles dead tasks
type Syncer interface {
	SyncUniverse(ctx context.Context) error
	TriggerUniverse(ctx context.Context, days int) error
	ReconcileStale(ctx context.Context, maxSilence time.Duration) (int, error)
}

// HealthFlusher persists source health snapshots
type HealthFlusher interface {
	Flush(ctx context.Context) error
}

// WindowCollector drops expired rate-limit windows
type WindowCollector interface {
	GC(olderThan time.Duration) int
}

// Evicter drops expired cache entries
type Evicter interface {
	Evict(ctx context.Context) (int, error)
}

// StatsRoller aggregates and purges request logs
type StatsRoller interface {
	Rollup(ctx context.Context, day time.Time) ([]models.DailyStatistic, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Jobs are the targets of the scheduled work. Nil targets are skipped.
type Jobs struct {
	Sync      Syncer
	Health    HealthFlusher
	Limiter   WindowCollector
	Cache     Evicter
	Stats     StatsRoller
	StaleSync time.Duration
	Retention time.Duration
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron *gocron.Scheduler
	jobs Jobs
	now  func() time.Time
}

// NewScheduler creates a new scheduler instance
func NewScheduler(jobs Jobs) *Scheduler {
	return &Scheduler{
		cron: gocron.NewScheduler(time.UTC),
		jobs: jobs,
		now:  time.Now,
	}
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	log := logger.WithComponent("scheduler")
	log.Info("starting scheduler")

	if s.jobs.Sync != nil {
		// Incremental sync daily at 00:00
		s.cron.Every(1).Day().At("00:00").Tag(jobSyncUniverse).SingletonMode().Do(s.syncUniverse)
		s.cron.Every(1).Minute().Tag(jobReconcile).Do(s.reconcileSync)
	}
	if s.jobs.Health != nil {
		s.cron.Every(30).Seconds().Tag(jobFlushHealth).Do(s.flushHealth)
	}
	if s.jobs.Limiter != nil {
		s.cron.Every(10).Minutes().Tag(jobCollect).Do(s.collectWindows)
	}
	if s.jobs.Cache != nil {
		s.cron.Every(1).Minute().Tag(jobEvictCache).Do(s.evictCache)
	}
	if s.jobs.Stats != nil {
		// Roll up yesterday once its logs are complete
		s.cron.Every(1).Day().At("00:10").Tag(jobRollup).Do(s.rollupYesterday)
	}
	if s.jobs.Stats != nil && s.jobs.Retention > 0 {
		// Cleanup old logs weekly on Sunday at 01:00
		s.cron.Every(1).Week().Sunday().At("01:00").Tag(jobPurgeLogs).Do(s.purgeLogs)
	}

	s.cron.StartAsync()
	log.WithField("jobs", len(s.cron.Jobs())).Info("scheduler started")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	logger.WithComponent("scheduler").Info("scheduler stopped")
}

// JobStatus describes one registered job
type JobStatus struct {
	Name     string     `json:"name"`
	NextRun  *time.Time `json:"next_run"`
	LastRun  *time.Time `json:"last_run"`
	RunCount int        `json:"run_count"`
	Running  bool       `json:"running"`
}

// Status is the scheduler state reported to operators
type Status struct {
	Running bool        `json:"running"`
	NextRun *time.Time  `json:"next_run"`
	Jobs    []JobStatus `json:"jobs"`
}

// Status reports registered jobs ordered by their next run
func (s *Scheduler) Status() Status {
	st := Status{Running: s.cron.IsRunning(), Jobs: []JobStatus{}}
	for _, j := range s.cron.Jobs() {
		js := JobStatus{
			NextRun:  optionalTime(j.NextRun()),
			LastRun:  optionalTime(j.LastRun()),
			RunCount: j.RunCount(),
			Running:  j.IsRunning(),
		}
		if tags := j.Tags(); len(tags) > 0 {
			js.Name = tags[0]
		}
		st.Jobs = append(st.Jobs, js)
	}
	sort.SliceStable(st.Jobs, func(a, b int) bool {
		na, nb := st.Jobs[a].NextRun, st.Jobs[b].NextRun
		if na == nil || nb == nil {
			return nb == nil && na != nil
		}
		return na.Before(*nb)
	})
	if len(st.Jobs) > 0 {
		st.NextRun = st.Jobs[0].NextRun
	}
	return st
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// Trigger starts the universe sync now with a look-back of days
func (s *Scheduler) Trigger(ctx context.Context, days int) error {
	if s.jobs.Sync == nil {
		return apperrors.InvalidRequest("universe sync is not configured")
	}
	if days < 1 || days > 365 {
		return apperrors.InvalidRequest("days must be between 1 and 365")
	}
	logger.WithComponent("scheduler").WithFields(logger.Fields{"job": jobSyncUniverse, "days": days}).Info("manual sync triggered")
	return s.jobs.Sync.TriggerUniverse(ctx, days)
}

func (s *Scheduler) syncUniverse() {
	log := logger.WithComponent("scheduler").WithField("job", jobSyncUniverse)
	log.Info("running nightly incremental sync")
	err := s.jobs.Sync.SyncUniverse(context.Background())
	if apperrors.IsCode(err, apperrors.CodeConflict) {
		log.WithError(err).Warn("nightly sync skipped, another task is running")
		return
	}
	if err != nil {
		log.WithError(err).Error("nightly sync finished with errors")
		return
	}
	log.Info("nightly sync completed")
}

func (s *Scheduler) reconcileSync() {
	n, err := s.jobs.Sync.ReconcileStale(context.Background(), s.jobs.StaleSync)
	if err != nil {
		logger.WithComponent("scheduler").WithError(err).Error("reconcile stale sync tasks failed")
		return
	}
	if n > 0 {
		logger.WithComponent("scheduler").WithField("tasks", n).Warn("stale sync tasks marked failed")
	}
}

func (s *Scheduler) flushHealth() {
	if err := s.jobs.Health.Flush(context.Background()); err != nil {
		logger.WithComponent("scheduler").WithError(err).Warn("health flush failed")
	}
}

func (s *Scheduler) collectWindows() {
	if n := s.jobs.Limiter.GC(24 * time.Hour); n > 0 {
		logger.WithComponent("scheduler").WithField("windows", n).Debug("rate limit windows collected")
	}
}

func (s *Scheduler) evictCache() {
	n, err := s.jobs.Cache.Evict(context.Background())
	if err != nil {
		logger.WithComponent("scheduler").WithError(err).Warn("cache eviction failed")
		return
	}
	if n > 0 {
		logger.WithComponent("scheduler").WithField("entries", n).Debug("cache entries evicted")
	}
}

func (s *Scheduler) rollupYesterday() {
	day := s.now().UTC().AddDate(0, 0, -1)
	if _, err := s.jobs.Stats.Rollup(context.Background(), day); err != nil {
		logger.WithComponent("scheduler").WithError(err).Error("daily statistics rollup failed")
	}
}

func (s *Scheduler) purgeLogs() {
	n, err := s.jobs.Stats.Purge(context.Background(), s.jobs.Retention)
	if err != nil {
		logger.WithComponent("scheduler").WithError(err).Error("request log purge failed")
		return
	}
	logger.WithComponent("scheduler").WithField("rows", n).Info("old request logs purged")
}
