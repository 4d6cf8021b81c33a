package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestAdmissionWithCeilingOfThree(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 30, 12, 0, time.UTC)}
	l := New(WithClock(clock.Now))

	want := []bool{true, true, true, false}
	var last Result
	for i, w := range want {
		last = l.CheckAndConsume("client-a", "/api/v1/quote", 3)
		if last.Allowed != w {
			t.Errorf("call %d: Allowed = %v, want %v", i+1, last.Allowed, w)
		}
	}

	if last.RetryAfterSeconds <= 0 || last.RetryAfterSeconds > 60 {
		t.Errorf("RetryAfterSeconds = %d, want in (0, 60]", last.RetryAfterSeconds)
	}
	if last.RetryAfterSeconds != 48 {
		t.Errorf("RetryAfterSeconds = %d, want 48 (seconds to next minute)", last.RetryAfterSeconds)
	}
	if last.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", last.Remaining)
	}
}

func TestRemainingCountsDown(t *testing.T) {
	l := New()
	for want := 4; want >= 0; want-- {
		if got := l.CheckAndConsume("c", "/p", 5).Remaining; got != want {
			t.Fatalf("Remaining = %d, want %d", got, want)
		}
	}
}

func TestBlockedPersistsForWindowThenResets(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	l := New(WithClock(clock.Now))

	l.CheckAndConsume("c", "/p", 1)
	if l.CheckAndConsume("c", "/p", 1).Allowed {
		t.Fatal("second call should be blocked")
	}

	// a higher limit later in the same window does not unblock it
	clock.Set(t0.Add(30 * time.Second))
	if l.CheckAndConsume("c", "/p", 100).Allowed {
		t.Error("blocked window was unblocked within the same minute")
	}

	clock.Set(t0.Add(60 * time.Second))
	if !l.CheckAndConsume("c", "/p", 1).Allowed {
		t.Error("new minute should admit again")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	l.CheckAndConsume("a", "/p", 1)
	if !l.CheckAndConsume("b", "/p", 1).Allowed {
		t.Error("client b affected by client a")
	}
	if !l.CheckAndConsume("a", "/other", 1).Allowed {
		t.Error("path /other affected by /p")
	}
}

func TestConcurrentCallsNeverOverAdmit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 30, 1, 0, time.UTC)}
	l := New(WithClock(clock.Now))

	const limit = 50
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndConsume("c", "/p", limit).Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted = %d, want exactly %d", admitted, limit)
	}
}

func TestHourWindow(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	l := New(WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Minute))
		if !l.Allow("c", "/p", 10, 3).Allowed {
			t.Fatalf("call %d rejected", i+1)
		}
	}

	clock.Set(t0.Add(5 * time.Minute))
	res := l.Allow("c", "/p", 10, 3)
	if res.Allowed {
		t.Fatal("hour ceiling not enforced")
	}
	if res.RetryAfterSeconds != 55*60 {
		t.Errorf("RetryAfterSeconds = %d, want %d", res.RetryAfterSeconds, 55*60)
	}
}

func TestHourRejectionLeavesMinuteSlot(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	l := New(WithClock(clock.Now))

	if !l.Allow("c", "/p", 2, 1).Allowed {
		t.Fatal("first call rejected")
	}
	for i := 0; i < 3; i++ {
		if l.Allow("c", "/p", 2, 1).Allowed {
			t.Fatalf("call %d passed the hour ceiling", i+2)
		}
	}

	// the hour-rejected calls did not spend the minute window
	if res := l.CheckAndConsume("c", "/p", 2); !res.Allowed || res.Remaining != 0 {
		t.Errorf("minute window = %+v, want one slot left", res)
	}
}

func TestZeroLimitDisablesWindow(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		if !l.CheckAndConsume("c", "/p", 0).Allowed {
			t.Fatal("zero limit should not reject")
		}
	}
	if l.Windows() != 0 {
		t.Errorf("zero limit created %d windows", l.Windows())
	}
}

func TestGC(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	l := New(WithClock(clock.Now))

	l.CheckAndConsume("old", "/p", 5)
	clock.Set(t0.Add(25 * time.Hour))
	l.CheckAndConsume("new", "/p", 5)

	if n := l.GC(24 * time.Hour); n != 1 {
		t.Errorf("GC removed %d windows, want 1", n)
	}
	if l.Windows() != 1 {
		t.Errorf("Windows = %d, want 1", l.Windows())
	}
}
