// Package jobtracker owns the state of the current (or most recent) backup job.
//
// The progress it reports is an estimate, not a measurement of archived
// bytes: by default a Ticker advances it on a fixed cadence regardless of how
// far the archive really is. A ByteCounter source can replace the ticker when
// the archive engine is able to measure itself. Done and Progress therefore say
// nothing about whether the artifact is complete; the archive outcome is
// recorded separately in Job.Archive.
//
// There is exactly one job per Tracker. Reset overwrites it, which silently
// abandons whatever was tracking the previous job.
package jobtracker

import (
	"sync"
	"time"
)

const (
	// MaxProgress is the progress ceiling.
	MaxProgress = 100
	// DefaultStep is the size of one progress tick.
	DefaultStep = 10
)

// ArchiveState is the outcome of the archive run behind a job.
type ArchiveState string

const (
	ArchiveIdle      ArchiveState = "idle"
	ArchiveRunning   ArchiveState = "running"
	ArchiveSucceeded ArchiveState = "succeeded"
	ArchiveFailed    ArchiveState = "failed"
)

// Snapshot is the polling view of a job.
type Snapshot struct {
	Progress int  `json:"progress"`
	Done     bool `json:"done"`
}

// Job is the detailed view of a job.
type Job struct {
	ID         string       `json:"id"`
	Progress   int          `json:"progress"`
	Done       bool         `json:"done"`
	OutputFile string       `json:"outputFile"`
	StartedAt  time.Time    `json:"startedAt"`
	Archive    ArchiveState `json:"archive"`
	Error      string       `json:"error,omitempty"`
}

// Tracker guards the single job's mutable state. The zero value is not usable; call New.
type Tracker struct {
	mu  sync.RWMutex
	job Job
}

// New returns a Tracker whose snapshot is {0, false} until the first Reset.
func New() *Tracker {
	return &Tracker{job: Job{Archive: ArchiveIdle}}
}

// Reset starts tracking a new job: progress 0, not done.
func (t *Tracker) Reset(id, outputFile string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job = Job{
		ID:         id,
		OutputFile: outputFile,
		StartedAt:  startedAt,
		Archive:    ArchiveRunning,
	}
}

// Advance adds step to the progress, capped at MaxProgress. Reaching the
// ceiling marks the job done; later calls change nothing. It reports whether
// the job is done.
func (t *Tracker) Advance(step int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Done {
		return true
	}
	if step > 0 {
		t.job.Progress = min(t.job.Progress+step, MaxProgress)
	}
	if t.job.Progress >= MaxProgress {
		t.job.Done = true
	}
	return t.job.Done
}

// Set raises the progress to percent. Lower values are ignored so progress
// never goes backwards. It reports whether the job is done.
func (t *Tracker) Set(percent int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Done {
		return true
	}
	if percent > t.job.Progress {
		t.job.Progress = min(percent, MaxProgress)
	}
	if t.job.Progress >= MaxProgress {
		t.job.Done = true
	}
	return t.job.Done
}

// Complete records the outcome of the archive run for job id. Outcomes of a
// job that has since been replaced by Reset are dropped.
func (t *Tracker) Complete(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.ID != id {
		return
	}
	if err != nil {
		t.job.Archive = ArchiveFailed
		t.job.Error = err.Error()
		return
	}
	t.job.Archive = ArchiveSucceeded
	t.job.Error = ""
}

// Snapshot returns the polling view of the current job.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{Progress: t.job.Progress, Done: t.job.Done}
}

// Job returns a copy of the current job.
func (t *Tracker) Job() Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job
}
