//go:build windows

package pathcompression

import (
	"context"
	"os/exec"
)

// createCommand creates the archive tool's exec.Cmd on Windows. tar.exe ships
// with Windows 10 and later.
func (i *ToolInvoker) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return i.commandContext(ctx, name, arg...)
}
