// Package scheduler starts backup requests on cron schedules.
//
// A scheduled backup goes through the same entry point as an HTTP request, so
// it resets the tracked job exactly like a client request would.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/hints"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// ErrNoSchedules is a hint returned by New when there is nothing to schedule.
var ErrNoSchedules = hints.New("no backup schedules configured")

// Runner starts a backup.
type Runner interface {
	HandleBackupRequest(ctx context.Context, req engine.BackupRequest) (engine.Result, error)
}

// Schedule is one recurring backup. Spec uses the standard five-field cron
// syntax or one of the @-descriptors.
type Schedule struct {
	Name            string
	Spec            string
	SourcePath      string
	DestinationPath string
}

// Scheduler runs a fixed set of schedules.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// New registers schedules with a cron runner. It returns ErrNoSchedules if
// schedules is empty.
func New(runner Runner, schedules []Schedule, opts ...cron.Option) (*Scheduler, error) {
	if len(schedules) == 0 {
		return nil, ErrNoSchedules
	}

	logger := cronLogger{}
	opts = append([]cron.Option{
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(opts...),
		runner:  runner,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID, len(schedules)),
	}
	for _, schedule := range schedules {
		id, err := s.cron.AddFunc(schedule.Spec, func() { s.fire(schedule) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q (%s): %w", schedule.Name, schedule.Spec, err)
		}
		s.entries[schedule.Name] = id
	}
	return s, nil
}

// Start begins running schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for name, id := range s.entries {
		plog.Info("Backup scheduled", "schedule", name, "next", s.cron.Entry(id).Next)
	}
}

// Next returns when the named schedule fires next. ok is false for unknown
// names, and the time is zero before Start.
func (s *Scheduler) Next(name string) (next time.Time, ok bool) {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop stops scheduling and waits for running triggers to return, or for ctx
// to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(schedule Schedule) {
	plog.Info("Starting scheduled backup", "schedule", schedule.Name)
	res, err := s.runner.HandleBackupRequest(s.ctx, engine.BackupRequest{
		SourcePath:      schedule.SourcePath,
		DestinationPath: schedule.DestinationPath,
	})
	if err != nil {
		plog.Error("Scheduled backup failed", "schedule", schedule.Name, "error", err)
		return
	}
	plog.Info("Scheduled backup started", "schedule", schedule.Name, "job", res.JobID, "archive", res.BackupFile)
}

// cronLogger routes cron's own logging through plog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	plog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
