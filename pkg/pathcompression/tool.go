package pathcompression

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// DefaultToolPath is the archive tool used when none is configured.
const DefaultToolPath = "tar"

// ToolInvoker archives by running the tar tool as a child process.
type ToolInvoker struct {
	toolPath string
	format   Format

	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewToolInvoker creates a ToolInvoker. An empty toolPath selects DefaultToolPath
// and a nil commandContext selects exec.CommandContext.
func NewToolInvoker(toolPath string, format Format, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *ToolInvoker {
	if toolPath == "" {
		toolPath = DefaultToolPath
	}
	if format == "" {
		format = TarGz
	}
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &ToolInvoker{
		toolPath:       toolPath,
		format:         format,
		commandContext: commandContext,
	}
}

// Args returns the argument vector for archiving the contents of sourceDir
// into archivePath. The trailing "." with -C roots the archive at the source's
// top level.
func (i *ToolInvoker) Args(archivePath, sourceDir string) []string {
	if i.format == TarZst {
		return []string{"--zstd", "-cf", archivePath, "-C", sourceDir, "."}
	}
	return []string{"-czf", archivePath, "-C", sourceDir, "."}
}

func (i *ToolInvoker) Start(ctx context.Context, paths preflight.ResolvedPaths, now time.Time) (*Handle, error) {
	outputFile, err := reserveArchiveFile(paths.Destination, now, i.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	args := i.Args(outputFile, paths.Source)
	cmd := i.createCommand(ctx, i.toolPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	plog.Info("Starting archive tool", "tool", i.toolPath, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		_ = os.Remove(outputFile)
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, i.toolPath, err)
	}

	h := newHandle(outputFile)
	go func() {
		h.finish(i.wait(cmd, &stderr))
	}()
	return h, nil
}

// wait reaps the child and converts a failed run into a *ToolError.
func (i *ToolInvoker) wait(cmd *exec.Cmd, stderr *bytes.Buffer) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ToolError{
		Tool:     i.toolPath,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
}
