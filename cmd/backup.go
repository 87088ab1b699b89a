package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// RunBackup archives one directory with the configured engine and waits for
// the archive to be written.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	source, _ := flagMap["source"].(string)
	destination, _ := flagMap["destination"].(string)
	if source == "" || destination == "" {
		return fmt.Errorf("the -source and -destination flags are required to run a backup")
	}

	runConfig, err := loadConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}

	svc, err := newService(runConfig, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			plog.Warn("Backup service did not stop cleanly", "error", err)
		}
	}()

	startTime := time.Now()
	res, err := svc.HandleBackupRequest(ctx, engine.BackupRequest{SourcePath: source, DestinationPath: destination})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" backup finished successfully.", "archive", res.BackupFile, "duration", duration)
	fmt.Println(res.BackupFile)
	return nil
}
