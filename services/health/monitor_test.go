package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"data_gateway/models"
	"data_gateway/testutil"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func TestUnknownUntilFirstOutcome(t *testing.T) {
	m := New(nil)
	if got := m.Get(1).Status; got != models.HealthUnknown {
		t.Errorf("status = %s, want unknown", got)
	}
	if !m.IsUsable(1) {
		t.Error("untracked source should be usable")
	}
}

func TestStatusThresholds(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		total    int
		want     string
	}{
		{"all good", 0, 20, models.HealthHealthy},
		{"just under degraded", 1, 11, models.HealthHealthy},
		{"degraded at ten percent", 2, 20, models.HealthDegraded},
		{"degraded at fifty percent", 10, 20, models.HealthDegraded},
		{"down above fifty percent", 11, 20, models.HealthDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil, WithWindow(20))
			for i := 0; i < tt.total; i++ {
				m.RecordOutcome(7, i >= tt.failures, time.Millisecond, "boom")
			}
			if got := m.Get(7).Status; got != tt.want {
				t.Errorf("status = %s (rate %.1f), want %s", got, m.Get(7).ErrorRate, tt.want)
			}
		})
	}
}

func TestWindowRollsOff(t *testing.T) {
	m := New(nil, WithWindow(4))
	for i := 0; i < 4; i++ {
		m.RecordOutcome(1, false, time.Millisecond, "down")
	}
	if m.Get(1).Status != models.HealthDown {
		t.Fatal("expected down after 4 failures")
	}
	for i := 0; i < 4; i++ {
		m.RecordOutcome(1, true, time.Millisecond, "")
	}

	h := m.Get(1)
	if h.Status != models.HealthHealthy {
		t.Errorf("status = %s, want healthy once failures left the window", h.Status)
	}
	// cumulative counters never reset
	if h.FailureCount != 4 || h.SuccessCount != 4 || h.TotalCount != 8 {
		t.Errorf("counts = %d/%d/%d, want 4/4/8", h.SuccessCount, h.FailureCount, h.TotalCount)
	}
}

func TestRunningAverageLatency(t *testing.T) {
	m := New(nil)
	m.RecordOutcome(1, true, 100*time.Millisecond, "")
	m.RecordOutcome(1, true, 200*time.Millisecond, "")
	m.RecordOutcome(1, false, 600*time.Millisecond, "timeout")

	h := m.Get(1)
	if h.AvgResponseMs != 300 {
		t.Errorf("AvgResponseMs = %v, want 300", h.AvgResponseMs)
	}
	if h.LastError != "timeout" {
		t.Errorf("LastError = %q", h.LastError)
	}
	if h.LastSuccessAt == nil || h.LastFailureAt == nil {
		t.Error("success and failure timestamps should both be set")
	}
}

func TestDownSourceRetriedOncePerInterval(t *testing.T) {
	clock := newClock()
	m := New(nil, WithRecoveryInterval(30*time.Second), WithClock(clock.Now))

	m.RecordOutcome(1, false, time.Millisecond, "refused")
	if m.IsUsable(1) {
		t.Fatal("down source usable immediately after failure")
	}

	clock.Advance(31 * time.Second)
	if !m.IsUsable(1) {
		t.Fatal("trial request not allowed after interval")
	}
	if m.IsUsable(1) {
		t.Fatal("second trial request allowed within the same interval")
	}

	// a successful trial request brings it out of down
	m.RecordOutcome(1, true, time.Millisecond, "")
	m.RecordOutcome(1, true, time.Millisecond, "")
	if got := m.Get(1).Status; got == models.HealthDown {
		t.Errorf("status still down after successful trial requests")
	}
}

func TestRecoveryDisabled(t *testing.T) {
	clock := newClock()
	m := New(nil, WithRecoveryInterval(0), WithClock(clock.Now))
	m.RecordOutcome(1, false, time.Millisecond, "refused")
	clock.Advance(time.Hour)
	if m.IsUsable(1) {
		t.Error("down source usable with recovery trials disabled")
	}
}

func TestConcurrentRecordOutcome(t *testing.T) {
	m := New(nil, WithWindow(1000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.RecordOutcome(uint(i%3), j%2 == 0, time.Millisecond, "")
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, h := range m.All() {
		total += h.TotalCount
		if h.SuccessCount+h.FailureCount != h.TotalCount {
			t.Errorf("source %d: success+failure != total", h.SourceID)
		}
	}
	if total != 1000 {
		t.Errorf("total outcomes = %d, want 1000", total)
	}
}

func TestFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	m := New(db)
	m.Track(models.Source{ID: 3, ProviderCode: "akshare", MarketCode: "cn_a", DataKind: models.KindQuote})
	m.RecordOutcome(3, true, 10*time.Millisecond, "")
	m.RecordOutcome(3, false, 30*time.Millisecond, "502")
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// second flush updates in place
	m.RecordOutcome(3, true, 20*time.Millisecond, "")
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var rows int64
	db.Model(&models.SourceHealth{}).Count(&rows)
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}

	restored := New(db)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h := restored.Get(3)
	if h.TotalCount != 3 || h.SuccessCount != 2 || h.FailureCount != 1 {
		t.Errorf("restored counts = %d/%d/%d", h.SuccessCount, h.FailureCount, h.TotalCount)
	}
	if h.ProviderCode != "akshare" {
		t.Errorf("ProviderCode = %q", h.ProviderCode)
	}
	if h.Status != models.HealthUnknown {
		t.Errorf("restored status = %s, want unknown", h.Status)
	}
}
