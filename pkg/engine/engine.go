// Package engine accepts backup requests and runs them as background jobs.
//
// A request is validated, the archive run is launched without waiting for it,
// the shared job tracker is reset and a progress task is started. The
// response only says the job was started. Clients poll for progress.
//
// Overlapping requests are not rejected. Each one resets the single tracked
// job and starts its own progress task, so a client polling during an overlap
// sees the progress of both tasks interleaved until the first one finishes.
// The most recent request always owns the reported job.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-backupd/pkg/hints"
	"github.com/paulschiretz/pgl-backupd/pkg/jobtracker"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// StartedMessage is the message of every accepted backup request.
const StartedMessage = "Backup started successfully!"

var (
	// ErrInvocationFailed classifies errors where the archive run could not
	// be started, or failed while the request was waiting for it.
	ErrInvocationFailed = errors.New("backup failed")
	// ErrServiceClosed is returned for requests made after Close.
	ErrServiceClosed = errors.New("backup service is closed")
)

// InvocationError carries the diagnostic text of a failed archive run.
type InvocationError struct {
	Diagnostic string
	Err        error
}

func (e *InvocationError) Error() string { return "Backup failed: " + e.Diagnostic }

func (e *InvocationError) Unwrap() []error { return []error{ErrInvocationFailed, e.Err} }

// BackupRequest names the directory to archive and where to put the archive.
type BackupRequest struct {
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

// Result is returned for an accepted backup request.
type Result struct {
	Message    string `json:"message"`
	BackupFile string `json:"backupFile"`
	JobID      string `json:"jobId"`
}

// Validator resolves and checks the paths of a request.
type Validator interface {
	Validate(sourcePath, destinationPath string) (preflight.ResolvedPaths, error)
}

// Retainer prunes old archives in a destination directory. Archives named in
// protected must be left alone. A hint error means there was nothing to do.
type Retainer interface {
	Apply(ctx context.Context, dir string, protected ...string) error
}

// Options tunes a Service. The zero value gives a one second ticker that
// advances by ten and answers without waiting for the archive.
type Options struct {
	ProgressSource ProgressSource
	Interval       time.Duration
	Step           int
	// AwaitArchive makes HandleBackupRequest wait for the archive run to
	// finish before answering. A failed run is then reported to the caller.
	AwaitArchive bool
	// Retention, if set, runs in the destination directory after every
	// successful archive run.
	Retention Retainer

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Service runs backup jobs. It owns the tracker's writers and every
// goroutine it starts; Close stops them.
type Service struct {
	validator Validator
	invoker   pathcompression.Invoker
	tracker   *jobtracker.Tracker
	opts      Options
	tasks     *taskGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates a Service. The tracker is shared with readers but must
// not be reset by anyone else.
func NewService(validator Validator, invoker pathcompression.Invoker, tracker *jobtracker.Tracker, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = jobtracker.DefaultInterval
	}
	if opts.Step <= 0 {
		opts.Step = jobtracker.DefaultStep
	}
	if opts.ProgressSource == "" {
		opts.ProgressSource = TickerProgress
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		validator: validator,
		invoker:   invoker,
		tracker:   tracker,
		opts:      opts,
		tasks:     newTaskGroup(),
		inFlight:  make(map[string]struct{}),
	}
}

// HandleBackupRequest validates req, starts the archive run and a progress
// task for it, and returns the name of the artifact being produced.
//
// Validation errors are returned unchanged. A destination directory created
// during validation is left in place even when a later step fails. If the
// archive run cannot be started the tracker is not touched.
func (s *Service) HandleBackupRequest(ctx context.Context, req BackupRequest) (Result, error) {
	if s.tasks.isClosed() {
		return Result{}, ErrServiceClosed
	}

	paths, err := s.validator.Validate(req.SourcePath, req.DestinationPath)
	if err != nil {
		plog.Warn("Backup request rejected", "source", req.SourcePath, "destination", req.DestinationPath, "error", err)
		return Result{}, err
	}

	startedAt := s.opts.Now()
	// The run must outlive the request, so it gets the service lifetime context.
	h, err := s.invoker.Start(s.tasks.ctx, paths, startedAt)
	if err != nil {
		plog.Error("Archive could not be started", "source", paths.Source, "error", err)
		return Result{}, &InvocationError{Diagnostic: pathcompression.Diagnostic(err), Err: err}
	}
	s.setInFlight(h.OutputFile, true)

	id := s.opts.NewID()
	if s.opts.AwaitArchive {
		if err := h.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				// The client went away; the run carries on untracked.
				s.watch("", h, true)
				return Result{}, err
			}
			s.setInFlight(h.OutputFile, false)
			plog.Error("Archive failed", "archive", h.OutputFile, "error", err)
			return Result{}, &InvocationError{Diagnostic: pathcompression.Diagnostic(err), Err: err}
		}
		// Pruned before answering so the caller sees the final directory.
		s.setInFlight(h.OutputFile, false)
		s.applyRetention(ctx, h.OutputFile)
	}

	s.tracker.Reset(id, h.OutputFile, startedAt)
	plog.Info("Backup started", "job", id, "source", paths.Source, "archive", h.OutputFile)

	source := s.progressSource(h)
	if err := s.tasks.goTask(func(ctx context.Context) { source.Run(ctx, s.tracker) }); err != nil {
		s.setInFlight(h.OutputFile, false)
		return Result{}, err
	}
	s.watch(id, h, !s.opts.AwaitArchive)

	return Result{Message: StartedMessage, BackupFile: h.OutputFile, JobID: id}, nil
}

// watch records the outcome of the run behind job id once it finishes. An
// empty id only logs the outcome. Retention runs after a successful run if
// retain is set.
func (s *Service) watch(id string, h *pathcompression.Handle, retain bool) {
	err := s.tasks.goTask(func(ctx context.Context) {
		// The lifetime context also cancels the run, so Done always follows.
		<-h.Done()
		s.setInFlight(h.OutputFile, false)
		runErr := h.Err()
		if runErr != nil {
			plog.Error("Archive failed", "job", id, "archive", h.OutputFile, "error", runErr)
		} else {
			plog.Info("Archive finished", "job", id, "archive", h.OutputFile)
		}
		if id != "" {
			s.tracker.Complete(id, runErr)
		}
		if runErr == nil && retain {
			s.applyRetention(ctx, h.OutputFile)
		}
	})
	if err != nil {
		s.setInFlight(h.OutputFile, false)
		plog.Debug("Not watching archive run", "archive", h.OutputFile, "reason", err)
	}
}

func (s *Service) setInFlight(path string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.inFlight[path] = struct{}{}
	} else {
		delete(s.inFlight, path)
	}
}

// applyRetention prunes the directory of the finished archive. Archives still
// being written are protected. The finished one is the newest candidate and
// always fills the first slot of the policy.
func (s *Service) applyRetention(ctx context.Context, archivePath string) {
	if s.opts.Retention == nil {
		return
	}
	s.mu.Lock()
	protected := make([]string, 0, len(s.inFlight))
	for p := range s.inFlight {
		protected = append(protected, p)
	}
	s.mu.Unlock()

	dir := filepath.Dir(archivePath)
	if err := s.opts.Retention.Apply(ctx, dir, protected...); err != nil {
		if hints.IsHint(err) {
			plog.Debug("Retention skipped", "path", dir, "reason", err)
			return
		}
		plog.Warn("Retention failed", "path", dir, "error", err)
	}
}

func (s *Service) progressSource(h *pathcompression.Handle) jobtracker.Source {
	if s.opts.ProgressSource == BytesProgress {
		if _, _, ok := h.Measured(); ok {
			return jobtracker.ByteCounter{Interval: s.opts.Interval, Archive: h}
		}
		plog.Debug("Archive engine cannot measure progress, using ticker")
	}
	return jobtracker.Ticker{Interval: s.opts.Interval, Step: s.opts.Step}
}

// HandleProgressRequest returns the polling view of the current job.
func (s *Service) HandleProgressRequest() jobtracker.Snapshot {
	return s.tracker.Snapshot()
}

// Status returns the detailed view of the current job.
func (s *Service) Status() jobtracker.Job {
	return s.tracker.Job()
}

// Close stops accepting requests, cancels every progress task and archive run
// and waits for them to return, or for ctx to be done.
func (s *Service) Close(ctx context.Context) error {
	return s.tasks.close(ctx)
}
