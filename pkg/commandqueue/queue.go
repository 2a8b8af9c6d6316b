package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// LaneMain is the default lane for interactive work.
	LaneMain = "main"
	// LaneCron runs maintenance jobs.
	LaneCron = "cron"

	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventAborted   = "aborted"
)

var (
	// ErrClosed is returned for tasks enqueued after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks removed by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks removed by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrAborted is returned to tasks removed or cancelled by AbortLane.
	ErrAborted = errors.New("task aborted")
)

// SessionLane returns the lane that serializes work for a session.
func SessionLane(sessionID string) string {
	return "session:" + sessionID
}

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning and calls OnWait when the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
	// DedupKey collapses tasks with the same key: while one is queued or
	// running, later callers wait for and share its result.
	DedupKey string
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
	cancel     context.CancelFunc
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     map[string]*taskRecord
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// Config configures a CommandQueue.
type Config struct {
	// Lanes maps lane names to their concurrency. Unknown lanes are created
	// on first use with concurrency 1.
	Lanes map[string]int
	// DedupTTL caches results of tasks with a DedupKey for this long after
	// they finish. Zero only collapses tasks that overlap.
	DedupTTL time.Duration
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    atomic.Bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	flightMu sync.Mutex
	inflight map[string]*flight
	dedup    *dedupCache

	eventMu       sync.RWMutex
	eventHandlers map[string][]EventHandler
}

type flight struct {
	done chan struct{}
	res  taskResult
}

// New creates a CommandQueue with the main and cron lanes.
func New() *CommandQueue {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a CommandQueue from cfg.
func NewWithConfig(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		inflight:      make(map[string]*flight),
		eventHandlers: make(map[string][]EventHandler),
	}
	if cfg.DedupTTL > 0 {
		cq.dedup = newDedupCache(ctx, cfg.DedupTTL)
	}

	cq.lane(LaneMain, 1)
	cq.lane(LaneCron, 1)
	for name, concurrency := range cfg.Lanes {
		cq.SetConcurrency(name, concurrency)
	}
	return cq
}

// lane returns the named lane, creating it with concurrency when missing.
func (cq *CommandQueue) lane(name string, concurrency int) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	if concurrency < 1 {
		concurrency = 1
	}
	ls = &laneState{concurrency: concurrency, running: make(map[string]*taskRecord)}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) existingLane(name string) *laneState {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.lanes[name]
}

// Enqueue adds a task to the lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the lane and waits for its result. The
// task runs with ctx; cancelling ctx while the task is queued removes it.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.DedupKey == "" {
		return cq.enqueue(ctx, lane, task, opts)
	}

	key := lane + "\x00" + opts.DedupKey
	if cq.dedup != nil {
		if res, ok := cq.dedup.Get(key); ok {
			return res.value, res.err
		}
	}

	cq.flightMu.Lock()
	if f, ok := cq.inflight[key]; ok {
		cq.flightMu.Unlock()
		select {
		case <-f.done:
			return f.res.value, f.res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	cq.inflight[key] = f
	cq.flightMu.Unlock()

	value, err := cq.enqueue(ctx, lane, task, opts)

	f.res = taskResult{value: value, err: err}
	cq.flightMu.Lock()
	delete(cq.inflight, key)
	cq.flightMu.Unlock()
	close(f.done)

	if cq.dedup != nil && err == nil {
		cq.dedup.Set(key, f.res)
	}
	return value, err
}

func (cq *CommandQueue) enqueue(ctx context.Context, lane string, task Task, opts TaskOptions) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	if cq.closed.Load() {
		return nil, tracing.Fail(span, ErrClosed)
	}
	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls := cq.lane(lane, 1)

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: taskID, Data: map[string]interface{}{"queue_size": queueSize}})

	if opts.WarnAfter > 0 {
		cq.wg.Add(1)
		go cq.warnIfWaiting(record, lane, ls)
	}

	cq.processLane(lane, ls)

	select {
	case res := <-record.result:
		if res.err != nil {
			span.RecordError(res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		// Still queued: drop it. Already running: the task sees ctx.
		if cq.remove(ls, record) {
			observability.SetQueueSize(lane, cq.GetQueueSize(lane))
		}
		return nil, tracing.Fail(span, ctx.Err())
	}
}

func (cq *CommandQueue) remove(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if cq.closed.Load() {
		reject(ls, ErrClosed)
		return
	}
	for len(ls.running) < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		runCtx, cancel := context.WithCancel(record.ctx)
		stop := context.AfterFunc(cq.ctx, cancel)
		record.cancel = func() {
			stop()
			cancel()
		}
		ls.running[record.id] = record

		taskLogger := tracing.LoggerFromContext(record.ctx, log.Logger)
		taskLogger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Int("running", len(ls.running)).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(runCtx, lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(ctx context.Context, lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()
	defer record.cancel()

	ctx, span := tracing.StartSpan(ctx, "mnemo.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	start := time.Now()
	value, err := cq.run(ctx, record)
	duration := time.Since(start)

	ls.mu.Lock()
	delete(ls.running, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.Fail(span, err)
		logger.Error().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})

	cq.processLane(lane, ls)
}

func (cq *CommandQueue) run(ctx context.Context, record *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return record.task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string, ls *laneState) {
	defer cq.wg.Done()
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r == record {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()
	if queuePos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.existingLane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.existingLane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.running)
}

// IsActive reports whether the lane has queued or running tasks.
func (cq *CommandQueue) IsActive(lane string) bool {
	ls := cq.existingLane(lane)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.running) > 0 || len(ls.queue) > 0
}

// LaneStats describes one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: len(ls.running), Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// reject fails every queued task of ls with err and returns how many there were.
func reject(ls *laneState, err error) int {
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: err}
	}
	ls.queue = nil
	return count
}

// ClearLane removes all queued tasks from a lane
func (cq *CommandQueue) ClearLane(lane string) int {
	ls := cq.existingLane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	count := reject(ls, ErrLaneCleared)
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)
	return count
}

// ResetLane increments the generation counter for a lane and rejects its
// queued tasks. Running tasks finish normally.
func (cq *CommandQueue) ResetLane(lane string) {
	ls := cq.existingLane(lane)
	if ls == nil {
		return
	}
	ls.mu.Lock()
	ls.generation++
	generation := ls.generation
	reject(ls, ErrLaneReset)
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("generation", generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// AbortLane cancels the running tasks of a lane and rejects its queued
// tasks. It returns the number of tasks affected.
func (cq *CommandQueue) AbortLane(lane string) int {
	ls := cq.existingLane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	count := reject(ls, ErrAborted)
	for _, record := range ls.running {
		record.cancel()
		count++
	}
	ls.mu.Unlock()

	if count > 0 {
		log.Info().Str("lane", lane).Int("aborted", count).Msg("Lane aborted")
		cq.emit(Event{Type: EventAborted, Lane: lane, Data: map[string]interface{}{"count": count}})
	}
	observability.SetQueueSize(lane, 0)
	return count
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane, concurrency)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if oldMax != concurrency {
		log.Debug().Str("lane", lane).Int("old_max", oldMax).Int("new_max", concurrency).Msg("Lane concurrency updated")
	}
	if concurrency > oldMax {
		cq.processLane(lane, ls)
	}
}

// WaitForActive waits for all running tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.running) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	if !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	cq.mu.RLock()
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.RUnlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		reject(ls, ErrClosed)
		ls.mu.Unlock()
	}

	cq.cancel()
	cq.wg.Wait()
	if cq.dedup != nil {
		cq.dedup.Stop()
	}
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

// emit calls handlers synchronously
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
