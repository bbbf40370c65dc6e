package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, running due timers inline in time order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var start = time.Date(2026, time.October, 14, 12, 0, 30, 0, time.UTC)

func TestSchedule_FailingFiringDoesNotUnregister(t *testing.T) {
	clock := newFakeClock(start)
	s := New(Options{Clock: clock})
	defer s.Stop()

	calls := 0
	id, err := s.Schedule("every minute", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("send failed")
		}
		return nil
	})
	require.NoError(t, err)

	job, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "* * * * *", job.Expr)
	assert.Equal(t, start.Truncate(time.Minute).Add(time.Minute), job.NextRun)

	clock.Advance(30 * time.Second)
	job, ok = s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, job.Runs)
	assert.Equal(t, "send failed", job.LastError)
	assert.Equal(t, time.Date(2026, time.October, 14, 12, 2, 0, 0, time.UTC), job.NextRun)

	clock.Advance(time.Minute)
	assert.Equal(t, 2, calls)
	job, _ = s.Get(id)
	assert.Equal(t, 2, job.Runs)
	assert.Empty(t, job.LastError)
	assert.Equal(t, time.Date(2026, time.October, 14, 12, 2, 0, 0, time.UTC), job.LastRun)
}

func TestSchedule_PanickingActionIsRecovered(t *testing.T) {
	clock := newFakeClock(start)
	s := New(Options{Clock: clock})
	defer s.Stop()

	calls := 0
	id, err := s.Schedule("* * * * *", func(ctx context.Context) error {
		calls++
		panic("boom")
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, calls)
	job, ok := s.Get(id)
	require.True(t, ok)
	assert.Contains(t, job.LastError, "boom")
}

func TestSchedule_InvalidTrigger(t *testing.T) {
	s := New(Options{Clock: newFakeClock(start)})
	defer s.Stop()

	for _, trigger := range []string{"", "every fortnight", "* * *", "every 90 minutes"} {
		_, err := s.Schedule(trigger, func(context.Context) error { return nil })
		require.Error(t, err, trigger)
		assert.ErrorIs(t, err, ErrInvalidTrigger)
		var ite *InvalidTriggerError
		assert.ErrorAs(t, err, &ite)
	}
	assert.Empty(t, s.jobs)
}

func TestScheduleWithID_RejectsDuplicates(t *testing.T) {
	s := New(Options{Clock: newFakeClock(start)})
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.ScheduleWithID("daily", "digest", "every day", noop))
	err := s.ScheduleWithID("daily", "other", "every hour", noop)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Len(t, s.jobs, 1)
	job, ok := s.Get("daily")
	require.True(t, ok)
	assert.Equal(t, "digest", job.Name)
}

func TestUnschedule(t *testing.T) {
	clock := newFakeClock(start)
	s := New(Options{Clock: clock})
	defer s.Stop()

	calls := 0
	id, err := s.Schedule("every minute", func(context.Context) error { calls++; return nil })
	require.NoError(t, err)

	assert.True(t, s.Unschedule(id))
	assert.False(t, s.Unschedule(id))
	assert.False(t, s.Unschedule("missing"))
	assert.Equal(t, 0, clock.pending())

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, calls)
}

func TestStop_DisarmsAndRejectsNewJobs(t *testing.T) {
	clock := newFakeClock(start)
	var runs []Job
	s := New(Options{Clock: clock, OnRun: func(j Job) { runs = append(runs, j) }})

	var gotCtx context.Context
	_, err := s.Schedule("every minute", func(ctx context.Context) error { gotCtx = ctx; return nil })
	require.NoError(t, err)
	clock.Advance(time.Minute)
	require.Len(t, runs, 1)

	s.Stop()
	s.Stop()
	assert.Equal(t, 0, clock.pending())
	require.NotNil(t, gotCtx)
	assert.Error(t, gotCtx.Err())

	clock.Advance(10 * time.Minute)
	assert.Len(t, runs, 1)

	_, err = s.Schedule("every minute", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStop_WaitsForRunningAction(t *testing.T) {
	s := New(Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	s.mu.Lock()
	s.jobs["j"] = &entry{job: Job{ID: "j", Expr: "* * * * *"}, action: func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}}
	s.mu.Unlock()

	go s.fire("j", 0)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while an action was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNextRun_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	next, err := NextRun("0 9 * * *", start, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.October, 15, 6, 0, 0, 0, time.UTC), next.UTC())
}

func TestNormalizeTrigger(t *testing.T) {
	cases := map[string]string{
		"Every  Minute":    "* * * * *",
		"every hour":       "0 * * * *",
		"every 15 minutes": "*/15 * * * *",
		"@daily":           "@daily",
		"30 8 * * 1-5":     "30 8 * * 1-5",
		"0 9 * * MON-FRI":  "0 9 * * MON-FRI",
		" 0  9 * * Mon ":   "0 9 * * Mon",
		"@Hourly":          "@Hourly",
	}
	for in, want := range cases {
		got, err := NormalizeTrigger(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNextRunFor(t *testing.T) {
	next, err := NextRunFor("every hour", time.UTC)
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 0, next.Minute())

	_, err = NextRunFor("sometimes", time.UTC)
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}
