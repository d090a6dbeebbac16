package ratelimit

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, windows []Window) *Limiter {
	t.Helper()
	l := New("test", windows, NewMemoryStore(), time.Minute, testLogger())
	t.Cleanup(l.Stop)
	return l
}

func TestAdmissionExactAtBoundary(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 3}})

	for i := 0; i < 3; i++ {
		d := l.CheckAndRecord("k")
		if !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
	}

	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("attempt 4: expected denied")
	}
	if d.RetryAfter != time.Hour {
		t.Errorf("expected retry after 1h, got %v", d.RetryAfter)
	}
}

func TestRemainingCapacityMetadata(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 3}})

	d := l.CheckAndRecord("k")
	if d.Remaining["w"] != 2 {
		t.Errorf("expected remaining 2 after first attempt, got %d", d.Remaining["w"])
	}
	d = l.CheckAndRecord("k")
	d = l.CheckAndRecord("k")
	if d.Remaining["w"] != 0 {
		t.Errorf("expected remaining 0 at the limit, got %d", d.Remaining["w"])
	}
}

func TestWindowsAreIndependent(t *testing.T) {
	// An hourly budget of 3 must deny the 4th attempt even though the
	// daily budget of 10 is unspent.
	l := newTestLimiter(t, []Window{
		{Name: "hourly", Duration: time.Hour, Max: 3},
		{Name: "daily", Duration: 24 * time.Hour, Max: 10},
	})

	for i := 0; i < 3; i++ {
		if d := l.CheckAndRecord("k"); !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
	}

	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("4th attempt within the hour: expected denied")
	}
	if d.RetryAfter != time.Hour {
		t.Errorf("expected the violated hourly window's duration, got %v", d.RetryAfter)
	}

	status := l.GetStatus("k")
	if status["daily"].Count != 3 {
		t.Errorf("expected 3 daily entries, got %d", status["daily"].Count)
	}
}

func TestDailyBudgetDeniesAfterHourlyResets(t *testing.T) {
	// Short windows stand in for hourly/daily so the tight window can
	// roll over in real time.
	l := newTestLimiter(t, []Window{
		{Name: "tight", Duration: 50 * time.Millisecond, Max: 2},
		{Name: "wide", Duration: time.Hour, Max: 3},
	})

	l.CheckAndRecord("k")
	l.CheckAndRecord("k")

	// Tight window rolled over; the wide window still remembers.
	time.Sleep(60 * time.Millisecond)

	if d := l.CheckAndRecord("k"); !d.Allowed {
		t.Fatal("3rd attempt after tight rollover: expected allowed")
	}

	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("4th attempt: expected denied by the wide window")
	}
	if d.RetryAfter != time.Hour {
		t.Errorf("expected the wide window's duration, got %v", d.RetryAfter)
	}
}

func TestRetryAfterFromTightestViolatedWindow(t *testing.T) {
	l := newTestLimiter(t, []Window{
		{Name: "minute", Duration: time.Minute, Max: 1},
		{Name: "hour", Duration: time.Hour, Max: 1},
	})

	l.CheckAndRecord("k")

	// Both windows are violated; the hint must come from the tightest.
	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("expected denied")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("expected 1m retry hint, got %v", d.RetryAfter)
	}
}

func TestDenialRecordsNothing(t *testing.T) {
	l := newTestLimiter(t, []Window{
		{Name: "tight", Duration: 50 * time.Millisecond, Max: 1},
		{Name: "wide", Duration: time.Hour, Max: 5},
	})

	l.CheckAndRecord("k")
	l.CheckAndRecord("k") // denied by tight; must not consume wide budget

	if got := l.GetStatus("k")["wide"].Count; got != 1 {
		t.Errorf("denied attempt consumed wide budget: count %d", got)
	}
}

func TestScenarioSingleSecondWindow(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Second, Max: 2}})

	if d := l.CheckAndRecord("k"); !d.Allowed {
		t.Fatal("1st: expected allowed")
	}
	if d := l.CheckAndRecord("k"); !d.Allowed {
		t.Fatal("2nd: expected allowed")
	}
	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("3rd within the same second: expected denied")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("expected retry_after of 1s, got %v", d.RetryAfter)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 1}})

	l.CheckAndRecord("a")
	if d := l.CheckAndRecord("a"); d.Allowed {
		t.Fatal("expected a denied")
	}
	if d := l.CheckAndRecord("b"); !d.Allowed {
		t.Fatal("expected b allowed")
	}
}

func TestGetStatusDoesNotRecord(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 2}})

	l.CheckAndRecord("k")
	for i := 0; i < 5; i++ {
		l.GetStatus("k")
	}

	status := l.GetStatus("k")
	if status["w"].Count != 1 {
		t.Errorf("status reads must not record; count %d", status["w"].Count)
	}
	if !status["w"].CanSubmit {
		t.Error("expected CanSubmit true with 1/2 used")
	}
}

func TestCleanupPreservesLiveEntries(t *testing.T) {
	store := NewMemoryStore()
	l := New("test", []Window{{Name: "w", Duration: 50 * time.Millisecond, Max: 10}}, store, time.Minute, testLogger())
	defer l.Stop()

	l.CheckAndRecord("old")
	time.Sleep(60 * time.Millisecond)
	l.CheckAndRecord("fresh")

	removed := l.Cleanup()
	if removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
	if got := l.GetStatus("fresh")["w"].Count; got != 1 {
		t.Errorf("cleanup touched a live entry: count %d", got)
	}
	if got := l.GetStatus("old")["w"].Count; got != 0 {
		t.Errorf("expected old key empty, got %d", got)
	}
}

func TestCleanupBoundedByLargestWindow(t *testing.T) {
	store := NewMemoryStore()
	l := New("test", []Window{
		{Name: "tight", Duration: 30 * time.Millisecond, Max: 10},
		{Name: "wide", Duration: time.Hour, Max: 10},
	}, store, time.Minute, testLogger())
	defer l.Stop()

	l.CheckAndRecord("k")
	time.Sleep(40 * time.Millisecond)

	// The entry expired for the tight window but not for the wide one,
	// so cleanup must not remove anything yet.
	if removed := l.Cleanup(); removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
	if got := l.GetStatus("k")["wide"].Count; got != 1 {
		t.Errorf("wide window lost a live entry: count %d", got)
	}
}

func TestNilStoreFailsOpen(t *testing.T) {
	l := New("lazy", []Window{{Name: "w", Duration: time.Hour, Max: 3}}, nil, time.Minute, testLogger())
	defer l.Stop()

	d := l.CheckAndRecord("k")
	if !d.Allowed {
		t.Fatal("first use with nil store must be allowed")
	}
	if got := l.GetStatus("k")["w"].Count; got != 1 {
		t.Errorf("expected the lazy store to hold the attempt, count %d", got)
	}
}

func TestSetWindowsTakesEffect(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 5}})

	for i := 0; i < 3; i++ {
		if d := l.CheckAndRecord("k"); !d.Allowed {
			t.Fatalf("attempt %d: expected allowed under max 5", i+1)
		}
	}

	// Tighten the limit in place; recorded entries keep counting against
	// the same window name.
	l.SetWindows([]Window{{Name: "w", Duration: time.Hour, Max: 2}})

	d := l.CheckAndRecord("k")
	if d.Allowed {
		t.Fatal("expected denial under the reloaded max of 2")
	}
	if status := l.GetStatus("k")["w"]; status.Limit != 2 || status.Count != 3 {
		t.Errorf("expected count 3 against limit 2, got %+v", status)
	}

	// Raising the limit admits again.
	l.SetWindows([]Window{{Name: "w", Duration: time.Hour, Max: 10}})
	if d := l.CheckAndRecord("k"); !d.Allowed {
		t.Fatal("expected allowed under the raised max")
	}
}

func TestWindowsReturnsCopy(t *testing.T) {
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: 5}})

	got := l.Windows()
	got[0].Max = 1

	if d := l.CheckAndRecord("k"); !d.Allowed {
		t.Fatal("mutating the returned slice must not affect the limiter")
	}
}

func TestConcurrentAdmissionNeverExceedsMax(t *testing.T) {
	const max = 25
	l := newTestLimiter(t, []Window{{Name: "w", Duration: time.Hour, Max: max}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.CheckAndRecord("shared"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != max {
		t.Fatalf("expected exactly %d admitted, got %d", max, allowed)
	}
	if got := l.GetStatus("shared")["w"].Count; got != max {
		t.Errorf("expected %d recorded entries, got %d", max, got)
	}
}
