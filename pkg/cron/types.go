package cron

import (
	"context"
	"errors"
	"time"

	"github.com/harun/mnemo/pkg/commandqueue"
)

// JobFunc is the work a scheduled job performs. Returning ErrSkipped marks
// the run as skipped rather than failed.
type JobFunc func(ctx context.Context) error

var (
	// ErrSkipped reports that a job had nothing to do.
	ErrSkipped = errors.New("job skipped")
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrStopped is returned once the scheduler has been stopped.
	ErrStopped = errors.New("scheduler is stopped")
)

// Run status values
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	NextRun           time.Time     `json:"next_run,omitempty"`
	LastRun           time.Time     `json:"last_run,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	Runs              int           `json:"runs"`
}

// Job is a snapshot of a registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

// Event is emitted after every run.
type Event struct {
	Job      string        `json:"job"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Manual   bool          `json:"manual"`
}

// Options configures the scheduler
type Options struct {
	// Queue serializes runs on the cron lane. Without it jobs run inline.
	Queue *commandqueue.CommandQueue
	// Location for schedule evaluation. Defaults to time.Local.
	Location *time.Location
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
	// OnEvent is called after every run.
	OnEvent func(Event)
}
