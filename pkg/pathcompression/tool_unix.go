//go:build !windows

package pathcompression

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates the archive tool's exec.Cmd on Unix-like systems.
func (i *ToolInvoker) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cmd := i.commandContext(ctx, name, arg...)
	// Run the tool in its own process group so a cancelled context (service
	// shutdown) terminates the tool and any helper it spawned, e.g. gzip.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}
