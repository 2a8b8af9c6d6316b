package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/commandqueue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       JobFunc
	id       cron.EntryID
	state    JobState
}

// Scheduler runs named jobs on cron schedules. Runs go through the command
// queue's cron lane with the job name as dedup key, so a job never overlaps
// itself whether it was triggered by the schedule or by RunNow.
type Scheduler struct {
	cron    *cron.Cron
	opts    Options
	logger  zerolog.Logger
	mu      sync.RWMutex
	jobs    map[string]*entry
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Jobs are added with Register and fire after Start.
func New(opts Options) *Scheduler {
	observability.EnsureRegistered()

	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := log.Logger.With().Str("component", "cron").Logger()
	clog := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog)),
		),
		opts:   opts,
		logger: logger,
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a named job.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: function is required", name)
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	e := &entry{name: name, spec: spec, schedule: sched, fn: fn}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.run(s.ctx, name, false); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug().Err(err).Str("job", name).Msg("Scheduled run returned error")
		}
	}))
	s.jobs[name] = e

	s.logger.Info().Str("job", name).Str("schedule", spec).Msg("Job registered")
	return nil
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or for ctx to expire. It is safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// RunNow runs a job immediately and returns its error. A skipped run is
// not an error. If the job is already running the caller waits for that
// run instead of starting another.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	return s.run(ctx, name, true)
}

// Jobs returns a snapshot of every registered job sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, s.snapshotLocked(e))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Job returns a snapshot of the named job.
func (s *Scheduler) Job(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.snapshotLocked(e), true
}

func (s *Scheduler) snapshotLocked(e *entry) Job {
	state := e.state
	if s.started && !s.stopped {
		state.NextRun = s.cron.Entry(e.id).Next
	} else {
		state.NextRun = e.schedule.Next(time.Now().In(s.opts.Location))
	}
	return Job{Name: e.name, Schedule: e.spec, State: state}
}

func (s *Scheduler) run(ctx context.Context, name string, manual bool) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	task := func(taskCtx context.Context) (interface{}, error) {
		return nil, s.execute(taskCtx, e, manual)
	}

	var err error
	if s.opts.Queue != nil {
		_, err = s.opts.Queue.EnqueueWithContext(ctx, commandqueue.LaneCron, task,
			&commandqueue.TaskOptions{DedupKey: name})
	} else {
		_, err = task(ctx)
	}
	if errors.Is(err, ErrSkipped) {
		return nil
	}
	return err
}

func (s *Scheduler) execute(ctx context.Context, e *entry, manual bool) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.cron", "cron.run",
		attribute.String("job", e.name),
		attribute.Bool("manual", manual))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	logger.Info().Str("job", e.name).Bool("manual", manual).Msg("Executing job")

	start := time.Now()
	err := e.fn(ctx)
	duration := time.Since(start)

	status := StatusOK
	switch {
	case errors.Is(err, ErrSkipped):
		status = StatusSkipped
	case err != nil:
		status = StatusError
		_ = tracing.Fail(span, err)
	}

	s.mu.Lock()
	e.state.LastRun = start
	e.state.LastDuration = duration
	e.state.LastStatus = status
	e.state.Runs++
	if status == StatusError {
		e.state.LastError = err.Error()
		e.state.ConsecutiveErrors++
	} else {
		e.state.LastError = ""
		e.state.ConsecutiveErrors = 0
	}
	consecutive := e.state.ConsecutiveErrors
	s.mu.Unlock()

	observability.RecordMaintenanceRun(e.name, status)

	if status == StatusError {
		logger.Error().
			Err(err).
			Str("job", e.name).
			Int("consecutive_errors", consecutive).
			Msg("Job execution failed")
	} else {
		logger.Info().
			Str("job", e.name).
			Str("status", status).
			Dur("duration", duration).
			Msg("Job execution completed")
	}

	if s.opts.OnEvent != nil {
		evt := Event{Job: e.name, Status: status, Duration: duration, Manual: manual}
		if status == StatusError {
			evt.Error = err.Error()
		}
		s.opts.OnEvent(evt)
	}

	return err
}
