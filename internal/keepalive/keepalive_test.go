package keepalive_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-tracker/internal/keepalive"
	"github.com/basket/go-tracker/internal/session"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeVerifier struct {
	state session.State
	calls atomic.Int32
}

func (f *fakeVerifier) Verify(context.Context) (session.State, error) {
	f.calls.Add(1)
	return f.state, nil
}

type fakeRefresher struct{ calls atomic.Int32 }

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls.Add(1)
	return nil
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := keepalive.NewScheduler(keepalive.Config{Schedule: "every five minutes", Session: &fakeVerifier{}})
	if err == nil {
		t.Fatal("expected parse error")
	}
	_, err = keepalive.NewScheduler(keepalive.Config{Schedule: "*/5 * * * *"})
	if err == nil {
		t.Fatal("expected error without session")
	}
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	v := &fakeVerifier{state: session.Authenticated}
	r := &fakeRefresher{}
	s, err := keepalive.NewScheduler(keepalive.Config{
		Schedule:  "*/5 * * * *",
		Session:   v,
		Refresher: r,
		Interval:  5 * time.Millisecond,
		Now:       clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !s.NextRun().Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, s.NextRun())
	}

	time.Sleep(30 * time.Millisecond)
	if v.calls.Load() != 0 {
		t.Fatalf("fired before due: %d calls", v.calls.Load())
	}

	clk.Advance(5 * time.Minute)
	waitFor(t, 2*time.Second, func() bool { return r.calls.Load() == 1 })
	if v.calls.Load() != 1 {
		t.Fatalf("expected one verification, got %d", v.calls.Load())
	}
	if !s.NextRun().Equal(want.Add(5 * time.Minute)) {
		t.Fatalf("next run not advanced: %s", s.NextRun())
	}
}

func TestRunOnce_SkipsRefreshWhenAnonymous(t *testing.T) {
	v := &fakeVerifier{state: session.Anonymous}
	r := &fakeRefresher{}
	s, err := keepalive.NewScheduler(keepalive.Config{Schedule: "* * * * *", Session: v, Refresher: r})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.RunOnce(context.Background())
	if v.calls.Load() != 1 || r.calls.Load() != 0 {
		t.Fatalf("expected verify only, got verify=%d refresh=%d", v.calls.Load(), r.calls.Load())
	}
	if s.Runs() != 1 {
		t.Fatalf("expected 1 run, got %d", s.Runs())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := keepalive.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
	if _, err := keepalive.NextRunTime("bad", after); err == nil {
		t.Fatal("expected error for bad expression")
	}
}
