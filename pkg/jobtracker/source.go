package jobtracker

import (
	"context"
	"time"
)

// DefaultInterval is the cadence of the progress sources.
const DefaultInterval = time.Second

// Source drives a Tracker's progress for one job. Run blocks until the job
// is done or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, t *Tracker)
}

// Ticker is the synthetic progress source: it advances the tracker by Step
// every Interval, whatever the archive is doing.
type Ticker struct {
	Interval time.Duration
	Step     int
}

func (s Ticker) Run(ctx context.Context, t *Tracker) {
	interval, step := s.Interval, s.Step
	if interval <= 0 {
		interval = DefaultInterval
	}
	if step <= 0 {
		step = DefaultStep
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Advance(step) {
				return
			}
		}
	}
}

// Measurer is an archive run that can report how many bytes it has read.
type Measurer interface {
	Measured() (read, total int64, ok bool)
	Done() <-chan struct{}
	Err() error
}

// ByteCounter derives progress from the bytes an archive run has read. It
// stays below MaxProgress until the run reports success. A failed run leaves
// the progress where it was.
type ByteCounter struct {
	Interval time.Duration
	Archive  Measurer
}

// measuredCeiling is the highest percentage reported before the run has finished.
const measuredCeiling = MaxProgress - 1

func (s ByteCounter) Run(ctx context.Context, t *Tracker) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Archive.Done():
			if s.Archive.Err() == nil {
				t.Set(MaxProgress)
			}
			return
		case <-ticker.C:
			read, total, ok := s.Archive.Measured()
			if !ok || total <= 0 {
				continue
			}
			t.Set(min(int(read*MaxProgress/total), measuredCeiling))
		}
	}
}
