package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/jobtracker"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/pathretention"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// TestHelperProcess isn't a real test. It stands in for the tar tool when
// mockCommand is used.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) < 3 {
		os.Exit(3)
	}
	switch {
	case strings.Contains(args[0], "fail"):
		fmt.Fprintln(os.Stderr, "tar: source vanished")
		os.Exit(2)
	case strings.Contains(args[0], "slow"):
		time.Sleep(30 * time.Second)
	}
	if err := os.WriteFile(args[2], []byte("archive"), 0644); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func mockCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

// staticValidator returns fixed results without touching the filesystem.
type staticValidator struct {
	paths preflight.ResolvedPaths
	err   error
	calls int
}

func (v *staticValidator) Validate(src, dst string) (preflight.ResolvedPaths, error) {
	v.calls++
	return v.paths, v.err
}

func newSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0644); err != nil {
		t.Fatal(err)
	}
	return src
}

func newService(t *testing.T, v engine.Validator, inv pathcompression.Invoker, opts engine.Options) (*engine.Service, *jobtracker.Tracker) {
	t.Helper()
	tracker := jobtracker.New()
	svc := engine.NewService(v, inv, tracker, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Errorf("service did not close: %v", err)
		}
	})
	return svc, tracker
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleBackupRequest_Success(t *testing.T) {
	src := newSource(t)
	dst := filepath.Join(t.TempDir(), "out")
	inv := pathcompression.NewNativeInvoker(pathcompression.TarGz, pathcompression.Fastest, 0, false)
	svc, _ := newService(t, preflight.NewValidator(true), inv, engine.Options{
		Interval: time.Millisecond,
		NewID:    func() string { return "job-1" },
	})

	res, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: src, DestinationPath: dst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Message != engine.StartedMessage {
		t.Errorf("unexpected message %q", res.Message)
	}
	if res.JobID != "job-1" {
		t.Errorf("unexpected job id %q", res.JobID)
	}
	if filepath.Dir(res.BackupFile) != dst {
		t.Errorf("artifact %q not in destination %q", res.BackupFile, dst)
	}

	waitFor(t, "progress to finish", func() bool { return svc.HandleProgressRequest() == jobtracker.Snapshot{Progress: 100, Done: true} })
	waitFor(t, "archive to succeed", func() bool { return svc.Status().Archive == jobtracker.ArchiveSucceeded })

	info, err := os.Stat(res.BackupFile)
	if err != nil || info.Size() == 0 {
		t.Errorf("expected a non-empty artifact, stat err=%v", err)
	}
}

func TestHandleBackupRequest_ResetBeforeResponse(t *testing.T) {
	tracker := jobtracker.New()
	tracker.Reset("old", "old.tar.gz", time.Now())
	for !tracker.Advance(jobtracker.DefaultStep) {
	}

	paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
	inv := pathcompression.NewToolInvoker("tar", pathcompression.TarGz, mockCommand)
	svc := engine.NewService(&staticValidator{paths: paths}, inv, tracker, engine.Options{Interval: time.Hour})
	defer svc.Close(context.Background())

	res, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.HandleProgressRequest(); got != (jobtracker.Snapshot{Progress: 0, Done: false}) {
		t.Errorf("expected reset snapshot at response time, got %+v", got)
	}
	job := svc.Status()
	if job.ID != res.JobID || job.OutputFile != res.BackupFile {
		t.Errorf("tracker does not describe the new job: %+v", job)
	}
}

func TestHandleBackupRequest_ValidationErrorLeavesTracker(t *testing.T) {
	inv := pathcompression.NewToolInvoker("tar", pathcompression.TarGz, mockCommand)
	svc, tracker := newService(t, preflight.NewValidator(false), inv, engine.Options{})

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: file, DestinationPath: t.TempDir()})
	if !preflight.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("expected 'not a directory' in %q", err)
	}
	if job := tracker.Job(); job.ID != "" || job.Archive != jobtracker.ArchiveIdle {
		t.Errorf("tracker was touched: %+v", job)
	}
}

func TestHandleBackupRequest_LaunchFailure(t *testing.T) {
	paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
	inv := pathcompression.NewToolInvoker(filepath.Join(t.TempDir(), "missing-tar"), pathcompression.TarGz, nil)
	svc, tracker := newService(t, &staticValidator{paths: paths}, inv, engine.Options{})

	_, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
	if !errors.Is(err, engine.ErrInvocationFailed) {
		t.Fatalf("expected ErrInvocationFailed, got %v", err)
	}
	if !errors.Is(err, pathcompression.ErrLaunchFailed) {
		t.Errorf("expected the launch error to be kept in the chain, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Backup failed: ") {
		t.Errorf("unexpected message %q", err)
	}
	if got := tracker.Snapshot(); got != (jobtracker.Snapshot{}) {
		t.Errorf("tracker changed after launch failure: %+v", got)
	}
	if tracker.Job().ID != "" {
		t.Error("tracker was reset after launch failure")
	}
}

func TestHandleBackupRequest_AwaitArchive(t *testing.T) {
	t.Run("Tool failure is reported", func(t *testing.T) {
		paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
		inv := pathcompression.NewToolInvoker("tar-fail", pathcompression.TarGz, mockCommand)
		svc, tracker := newService(t, &staticValidator{paths: paths}, inv, engine.Options{AwaitArchive: true})

		_, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
		if !errors.Is(err, engine.ErrInvocationFailed) {
			t.Fatalf("expected ErrInvocationFailed, got %v", err)
		}
		if err.Error() != "Backup failed: tar: source vanished" {
			t.Errorf("unexpected message %q", err)
		}
		if tracker.Job().ID != "" {
			t.Error("tracker was reset for a failed awaited run")
		}
	})

	t.Run("Success answers after the archive exists", func(t *testing.T) {
		paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
		inv := pathcompression.NewToolInvoker("tar", pathcompression.TarGz, mockCommand)
		svc, _ := newService(t, &staticValidator{paths: paths}, inv, engine.Options{AwaitArchive: true, Interval: time.Hour})

		res, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
		if err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(res.BackupFile)
		if err != nil || string(data) != "archive" {
			t.Errorf("artifact not complete at response time: %q, %v", data, err)
		}
	})
}

func TestHandleBackupRequest_ArchiveFailureRecorded(t *testing.T) {
	paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
	inv := pathcompression.NewToolInvoker("tar-fail", pathcompression.TarGz, mockCommand)
	svc, _ := newService(t, &staticValidator{paths: paths}, inv, engine.Options{Interval: time.Hour})

	if _, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"}); err != nil {
		t.Fatalf("request should be accepted before the tool fails: %v", err)
	}
	waitFor(t, "archive failure", func() bool { return svc.Status().Archive == jobtracker.ArchiveFailed })
	if job := svc.Status(); job.Error == "" {
		t.Error("expected the tool diagnostic in the job error")
	}
	if svc.HandleProgressRequest().Done {
		t.Error("archive failure must not mark the job done")
	}
}

func TestHandleBackupRequest_OverlapLastWriteWins(t *testing.T) {
	paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
	inv := pathcompression.NewToolInvoker("tar", pathcompression.TarGz, mockCommand)
	ids := []string{"first", "second"}
	svc, _ := newService(t, &staticValidator{paths: paths}, inv, engine.Options{
		Interval: time.Hour,
		NewID: func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		},
	})

	first, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if first.BackupFile == second.BackupFile {
		t.Errorf("overlapping requests share artifact %q", first.BackupFile)
	}
	if job := svc.Status(); job.ID != "second" || job.OutputFile != second.BackupFile {
		t.Errorf("expected the second request to own the job, got %+v", job)
	}
	waitFor(t, "second archive outcome", func() bool { return svc.Status().Archive == jobtracker.ArchiveSucceeded })
}

func TestHandleBackupRequest_BytesProgress(t *testing.T) {
	src := newSource(t)
	inv := pathcompression.NewNativeInvoker(pathcompression.TarZst, pathcompression.Fastest, 0, false)
	svc, _ := newService(t, preflight.NewValidator(true), inv, engine.Options{
		ProgressSource: engine.BytesProgress,
		Interval:       time.Millisecond,
	})

	if _, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: src, DestinationPath: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "measured progress to finish", func() bool { return svc.HandleProgressRequest().Done })
	if job := svc.Status(); job.Progress != jobtracker.MaxProgress {
		t.Errorf("expected full progress, got %+v", job)
	}
}

// recordingRetainer records the directories it is applied to.
type recordingRetainer struct {
	mu   sync.Mutex
	dirs []string
}

func (r *recordingRetainer) Apply(ctx context.Context, dir string, protected ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	return nil
}

func (r *recordingRetainer) applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

func TestRetention(t *testing.T) {
	t.Run("Prunes After Success", func(t *testing.T) {
		src := newSource(t)
		dst := t.TempDir()
		oldArchive := filepath.Join(dst, pathcompression.ArchiveFileName(time.Date(2020, time.January, 1, 10, 0, 0, 0, time.UTC), pathcompression.TarGz))
		if err := os.WriteFile(oldArchive, []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}

		inv := pathcompression.NewNativeInvoker(pathcompression.TarGz, pathcompression.Default, 0, false)
		svc, _ := newService(t, preflight.NewValidator(true), inv, engine.Options{
			Interval:  time.Hour,
			Retention: pathretention.New(pathretention.Policy{Days: 1}, pathretention.Options{}),
		})

		res, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: src, DestinationPath: dst})
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, "old archive to be pruned", func() bool {
			_, err := os.Stat(oldArchive)
			return os.IsNotExist(err)
		})
		if _, err := os.Stat(res.BackupFile); err != nil {
			t.Errorf("new archive was removed: %v", err)
		}
	})

	t.Run("Skipped After Failure", func(t *testing.T) {
		paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
		retainer := &recordingRetainer{}
		inv := pathcompression.NewToolInvoker("tar-fail", pathcompression.TarGz, mockCommand)
		svc, _ := newService(t, &staticValidator{paths: paths}, inv, engine.Options{Interval: time.Hour, Retention: retainer})

		if _, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "archive failure", func() bool { return svc.Status().Archive == jobtracker.ArchiveFailed })

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Fatal(err)
		}
		if dirs := retainer.applied(); len(dirs) != 0 {
			t.Errorf("retention ran after a failed archive: %v", dirs)
		}
	})

	t.Run("Runs In Destination", func(t *testing.T) {
		paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
		retainer := &recordingRetainer{}
		inv := pathcompression.NewToolInvoker("tar", pathcompression.TarGz, mockCommand)
		svc, _ := newService(t, &staticValidator{paths: paths}, inv, engine.Options{Interval: time.Hour, Retention: retainer})

		if _, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "retention", func() bool { return len(retainer.applied()) == 1 })
		if got := retainer.applied()[0]; got != paths.Destination {
			t.Errorf("retention applied to %q, want %q", got, paths.Destination)
		}
	})
}

func TestClose(t *testing.T) {
	paths := preflight.ResolvedPaths{Source: t.TempDir(), Destination: t.TempDir()}
	inv := pathcompression.NewToolInvoker("tar-slow", pathcompression.TarGz, mockCommand)
	tracker := jobtracker.New()
	svc := engine.NewService(&staticValidator{paths: paths}, inv, tracker, engine.Options{Interval: time.Hour})

	if _, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if job := tracker.Job(); job.Archive != jobtracker.ArchiveFailed {
		t.Errorf("expected the killed run to be recorded as failed, got %+v", job)
	}

	_, err := svc.HandleBackupRequest(context.Background(), engine.BackupRequest{SourcePath: "s", DestinationPath: "d"})
	if !errors.Is(err, engine.ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed after Close, got %v", err)
	}
}

func TestParseProgressSource(t *testing.T) {
	testCases := []struct {
		in      string
		want    engine.ProgressSource
		wantErr bool
	}{
		{"", engine.TickerProgress, false},
		{"ticker", engine.TickerProgress, false},
		{"bytes", engine.BytesProgress, false},
		{"percent", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := engine.ParseProgressSource(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseProgressSource(%q) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseProgressSource(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
