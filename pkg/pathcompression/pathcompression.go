// Package pathcompression turns a source directory into a compressed tarball.
//
// An Invoker starts one archive run and returns at once with a Handle; the
// archive itself is produced in the background and the Handle signals when it
// has finished. Two engines exist: the external tar tool, started as a child
// process with an argument vector (never through a shell), and a native
// in-process writer.
//
// A failed run may leave a partial or empty artifact behind. Callers must not
// rely on the destination being clean after a failure.
package pathcompression

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// ErrLaunchFailed is returned by Start when the archive run could not be started at all.
var ErrLaunchFailed = errors.New("archive could not be started")

// archiveFilePrefix is the name prefix of every artifact.
const archiveFilePrefix = "backup-"

// maxNameAttempts bounds the search for an unused artifact name.
const maxNameAttempts = 1000

// Invoker starts archive runs.
type Invoker interface {
	// Start reserves the output file under paths.Destination, launches the
	// archive run and returns without waiting for it. now is the instant the
	// artifact name is derived from.
	Start(ctx context.Context, paths preflight.ResolvedPaths, now time.Time) (*Handle, error)
}

// Options configures the Invoker returned by New.
type Options struct {
	Engine       Engine
	Format       Format
	Level        Level
	ToolPath     string
	BufferSizeKB int
	Metrics      bool
	// CommandContext creates the child process for the tool engine. Nil means exec.CommandContext.
	CommandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// New creates the Invoker selected by opts.Engine.
func New(opts Options) (Invoker, error) {
	switch opts.Engine {
	case ToolEngine, "":
		return NewToolInvoker(opts.ToolPath, opts.Format, opts.CommandContext), nil
	case NativeEngine:
		return NewNativeInvoker(opts.Format, opts.Level, opts.BufferSizeKB, opts.Metrics), nil
	default:
		return nil, fmt.Errorf("unsupported archive engine: %s", opts.Engine)
	}
}

// ToolError reports an archive tool that ran but did not succeed.
type ToolError struct {
	Tool     string
	ExitCode int
	// Output is the diagnostic text the tool wrote to stderr.
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Diagnostic returns the text best suited to explain err to a client: the
// tool's own output for a ToolError, the error message otherwise.
func Diagnostic(err error) string {
	var te *ToolError
	if errors.As(err, &te) && te.Output != "" {
		return te.Output
	}
	return err.Error()
}

// Handle tracks one archive run. Completion is signalled exactly once.
type Handle struct {
	// OutputFile is the absolute path of the artifact.
	OutputFile string

	done chan struct{}
	err  error

	// Only set by engines that can measure their progress.
	metrics    pathcompressionmetrics.Metrics
	totalBytes atomic.Int64
}

func newHandle(outputFile string) *Handle {
	return &Handle{OutputFile: outputFile, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done returns a channel that is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the outcome of the run. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the run finishes or ctx is done, whichever happens first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Measured reports the bytes read so far and the total bytes to read. ok is
// false for engines that cannot measure, and total is 0 until it is known.
func (h *Handle) Measured() (read, total int64, ok bool) {
	if h.metrics == nil {
		return 0, 0, false
	}
	return h.metrics.BytesRead(), h.totalBytes.Load(), true
}

// ArchiveFileName returns the artifact name for instant t: "backup-" followed by
// the digits-only UTC timestamp and the format extension.
func ArchiveFileName(t time.Time, format Format) string {
	return archiveFilePrefix + util.CompactTimestamp(t) + "." + format.String()
}

// ParseArchiveFileName reports whether name is an artifact name produced by
// ArchiveFileName and returns the instant and format encoded in it.
func ParseArchiveFileName(name string) (time.Time, Format, bool) {
	rest, ok := strings.CutPrefix(name, archiveFilePrefix)
	if !ok {
		return time.Time{}, "", false
	}
	stamp, ext, ok := strings.Cut(rest, ".")
	if !ok {
		return time.Time{}, "", false
	}
	format, ok := stringToFormat[ext]
	if !ok {
		return time.Time{}, "", false
	}
	t, err := util.ParseCompactTimestamp(stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, format, true
}

// reserveArchiveFile creates an empty placeholder for the artifact so that no
// two runs ever write the same file. When the name for now is taken the
// instant is moved forward one millisecond at a time.
func reserveArchiveFile(dir string, now time.Time, format Format) (string, error) {
	t := now
	for range maxNameAttempts {
		path := filepath.Join(dir, ArchiveFileName(t, format))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, util.UserWritableFilePerms)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create archive file %s: %w", path, err)
		}
		t = t.Add(time.Millisecond)
	}
	return "", fmt.Errorf("no free archive file name in %s", dir)
}
