package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/config"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/hints"
	"github.com/paulschiretz/pgl-backupd/pkg/httpapi"
	"github.com/paulschiretz/pgl-backupd/pkg/lockfile"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/scheduler"
)

// shutdownTimeout bounds how long in-flight requests and archive runs get to
// finish once the service is asked to stop.
const shutdownTimeout = 30 * time.Second

// RunServe runs the HTTP backup service until ctx is cancelled.
func RunServe(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadConfig(flagparse.Serve, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	if runConfig.LockFile != "" {
		lock, err := lockfile.Acquire(ctx, runConfig.LockFile, buildinfo.Name+" "+runConfig.Addr(), lockfile.Options{})
		if err != nil {
			var active *lockfile.ErrLockActive
			if errors.As(err, &active) {
				return fmt.Errorf("another instance is already running: %w", err)
			}
			return err
		}
		defer lock.Release()
	}

	svc, err := newService(runConfig, runConfig.Archive.Await)
	if err != nil {
		return err
	}

	sched, err := newScheduler(svc, runConfig.Schedules)
	if err != nil {
		return err
	}

	router := httpapi.NewServer(svc, httpapi.Options{
		StaticDir:  runConfig.HTTP.StaticDir,
		CORSOrigin: runConfig.HTTP.CORSOrigin,
	}).Router()
	server := &http.Server{
		Addr:              runConfig.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		plog.Info(buildinfo.Name+" listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	if sched != nil {
		sched.Start()
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		plog.Info("Shutdown requested, stopping " + buildinfo.Name)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := svc.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	plog.Info(buildinfo.Name + " stopped")
	return nil
}

// newScheduler creates the scheduler for the configured schedules. It returns
// nil when there are none.
func newScheduler(runner scheduler.Runner, schedules []config.ScheduleConfig) (*scheduler.Scheduler, error) {
	specs := make([]scheduler.Schedule, 0, len(schedules))
	for _, s := range schedules {
		specs = append(specs, scheduler.Schedule{
			Name:            s.Name,
			Spec:            s.Cron,
			SourcePath:      s.SourcePath,
			DestinationPath: s.DestinationPath,
		})
	}

	sched, err := scheduler.New(runner, specs)
	if err != nil {
		if hints.IsHint(err) {
			plog.Info("Scheduler disabled", "reason", err)
			return nil, nil
		}
		return nil, err
	}
	return sched, nil
}
