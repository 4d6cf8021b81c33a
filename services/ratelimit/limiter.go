package ratelimit

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const shardCount = 64

// Result is the outcome of one admission check
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds int
}

// Limiter enforces fixed windows aligned to wall-clock boundaries.
// Keys are spread over striped locks so the read-check-increment for a
// given (client, path, window) is atomic without a global lock.
type Limiter struct {
	shards [shardCount]shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey]*window
}

type windowKey struct {
	client string
	path   string
	span   time.Duration
	start  int64 // unix seconds
}

type window struct {
	count   int
	blocked bool
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[windowKey]*window)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume applies a per-minute ceiling
func (l *Limiter) CheckAndConsume(clientKey, path string, limitPerMinute int) Result {
	return l.consume(clientKey, path, limitPerMinute, time.Minute)
}

// CheckAndConsumeHour applies a per-hour ceiling
func (l *Limiter) CheckAndConsumeHour(clientKey, path string, limitPerHour int) Result {
	return l.consume(clientKey, path, limitPerHour, time.Hour)
}

// Allow checks the minute window, then the hour window, and consumes a
// slot in both only when both admit the call. A zero limit disables that
// window.
func (l *Limiter) Allow(clientKey, path string, perMinute, perHour int) Result {
	now := l.now()
	sh := &l.shards[shardFor(clientKey, path)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	minute := sh.slot(clientKey, path, perMinute, time.Minute, now)
	if res, denied := minute.denied(); denied {
		return res
	}
	hour := sh.slot(clientKey, path, perHour, time.Hour, now)
	if res, denied := hour.denied(); denied {
		return res
	}

	res := minute.take()
	hourRes := hour.take()
	if perMinute <= 0 {
		return hourRes
	}
	return res
}

func (l *Limiter) consume(clientKey, path string, limit int, span time.Duration) Result {
	now := l.now()
	sh := &l.shards[shardFor(clientKey, path)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s := sh.slot(clientKey, path, limit, span, now)
	if res, denied := s.denied(); denied {
		return res
	}
	return s.take()
}

// slot is one window's admission state, valid while the shard lock is held
type slot struct {
	w          *window
	limit      int
	retryAfter int
}

func (sh *shard) slot(clientKey, path string, limit int, span time.Duration, now time.Time) slot {
	if limit <= 0 {
		return slot{limit: limit}
	}
	start := now.Truncate(span)
	key := windowKey{client: clientKey, path: path, span: span, start: start.Unix()}
	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	return slot{w: w, limit: limit, retryAfter: secondsUntil(now, start.Add(span))}
}

func (s slot) denied() (Result, bool) {
	if s.w == nil {
		return Result{}, false
	}
	if s.w.count >= s.limit {
		// stays blocked for the rest of this window
		s.w.blocked = true
	}
	if s.w.blocked {
		return Result{Allowed: false, Limit: s.limit, Remaining: 0, RetryAfterSeconds: s.retryAfter}, true
	}
	return Result{}, false
}

func (s slot) take() Result {
	if s.w == nil {
		return Result{Allowed: true, Limit: s.limit}
	}
	s.w.count++
	return Result{Allowed: true, Limit: s.limit, Remaining: s.limit - s.w.count}
}

// GC drops windows that ended more than olderThan ago
func (l *Limiter) GC(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k := range sh.windows {
			end := time.Unix(k.start, 0).Add(k.span)
			if end.Before(cutoff) {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Windows counts tracked windows
func (l *Limiter) Windows() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func shardFor(clientKey, path string) int {
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return int(h.Sum32() % shardCount)
}

func secondsUntil(now, t time.Time) int {
	s := int(math.Ceil(t.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
