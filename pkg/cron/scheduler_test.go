package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/mnemo/pkg/commandqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// opencensus (via genai) starts a stats worker at package init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestNextRun(t *testing.T) {
	from := time.Date(2024, 12, 25, 14, 7, 0, 0, time.UTC)

	t.Run("five field expression", func(t *testing.T) {
		next, err := NextRun("0 3 * * *", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 12, 26, 3, 0, 0, 0, time.UTC), next)
	})

	t.Run("every descriptor", func(t *testing.T) {
		next, err := NextRun("@every 1h", from)
		require.NoError(t, err)
		assert.Equal(t, from.Add(time.Hour), next)
	})

	t.Run("time zone prefix", func(t *testing.T) {
		next, err := NextRun("CRON_TZ=UTC */15 * * * *", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 12, 25, 14, 15, 0, 0, time.UTC), next.UTC())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NextRun("not a schedule", from)
		assert.Error(t, err)

		_, err = NextRun("", from)
		assert.Error(t, err)
	})
}

func TestScheduler_Register(t *testing.T) {
	s := New(Options{})
	defer stopScheduler(t, s)

	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("b", "@daily", noop))
	require.NoError(t, s.Register("a", "0 3 * * *", noop))

	err := s.Register("a", "@hourly", noop)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	assert.Error(t, s.Register("", "@daily", noop))
	assert.Error(t, s.Register("c", "@daily", nil))
	assert.Error(t, s.Register("c", "bogus", noop))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "b", jobs[1].Name)
	assert.False(t, jobs[0].State.NextRun.IsZero())

	job, ok := s.Job("b")
	require.True(t, ok)
	assert.Equal(t, "@daily", job.Schedule)

	_, ok = s.Job("missing")
	assert.False(t, ok)
}

func TestScheduler_RunNow(t *testing.T) {
	var events []Event
	var mu sync.Mutex

	s := New(Options{OnEvent: func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	}})
	defer stopScheduler(t, s)

	fail := true
	require.NoError(t, s.Register("flaky", "@daily", func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}))
	require.NoError(t, s.Register("idle", "@daily", func(context.Context) error {
		return ErrSkipped
	}))

	ctx := context.Background()

	err := s.RunNow(ctx, "flaky")
	assert.EqualError(t, err, "boom")
	job, _ := s.Job("flaky")
	assert.Equal(t, StatusError, job.State.LastStatus)
	assert.Equal(t, "boom", job.State.LastError)
	assert.Equal(t, 1, job.State.ConsecutiveErrors)

	fail = false
	require.NoError(t, s.RunNow(ctx, "flaky"))
	job, _ = s.Job("flaky")
	assert.Equal(t, StatusOK, job.State.LastStatus)
	assert.Empty(t, job.State.LastError)
	assert.Equal(t, 0, job.State.ConsecutiveErrors)
	assert.Equal(t, 2, job.State.Runs)

	require.NoError(t, s.RunNow(ctx, "idle"))
	job, _ = s.Job("idle")
	assert.Equal(t, StatusSkipped, job.State.LastStatus)

	assert.ErrorIs(t, s.RunNow(ctx, "missing"), ErrUnknownJob)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, StatusError, events[0].Status)
	assert.True(t, events[0].Manual)
	assert.Equal(t, StatusSkipped, events[2].Status)
}

func TestScheduler_RunNowThroughQueueCollapsesOverlap(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()

	s := New(Options{Queue: queue})
	defer stopScheduler(t, s)

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Register("slow", "@daily", func(ctx context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.RunNow(ctx, "slow"))
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.RunNow(ctx, "slow"))
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_Timeout(t *testing.T) {
	s := New(Options{Timeout: 20 * time.Millisecond})
	defer stopScheduler(t, s)

	require.NoError(t, s.Register("stuck", "@daily", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := s.RunNow(context.Background(), "stuck")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	s := New(Options{})

	require.NoError(t, s.Register("tick", "@every 1s", func(context.Context) error {
		return nil
	}))
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.Job("tick")
		return job.State.Runs >= 1
	}, 3*time.Second, 20*time.Millisecond)

	job, _ := s.Job("tick")
	assert.False(t, job.State.LastRun.IsZero())
	assert.False(t, job.State.NextRun.IsZero())

	stopScheduler(t, s)
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := New(Options{})

	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Register("long", "@every 1s", func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	stopScheduler(t, s)
	stopScheduler(t, s)

	assert.ErrorIs(t, s.RunNow(context.Background(), "long"), ErrStopped)
	assert.ErrorIs(t, s.Register("late", "@daily", func(context.Context) error { return nil }), ErrStopped)
}
