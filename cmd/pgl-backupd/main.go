package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-backupd/cmd"
	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		// Usage was printed.
		return nil
	case flagparse.Version:
		return cmd.RunVersion()
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())
	switch command {
	case flagparse.Serve:
		return cmd.RunServe(ctx, flagMap)
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// The context is canceled on Ctrl+C or when the service manager stops us.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
