package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/config"
	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/jobtracker"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/pathretention"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// newService wires the backup service for cfg.
func newService(cfg config.Config, awaitArchive bool) (*engine.Service, error) {
	invoker, err := pathcompression.New(pathcompression.Options{
		Engine:       cfg.Archive.Engine,
		Format:       cfg.Archive.Format,
		Level:        cfg.Archive.Level,
		ToolPath:     cfg.Archive.ToolPath,
		BufferSizeKB: cfg.Archive.BufferSizeKB,
		Metrics:      cfg.Archive.Metrics,
	})
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		ProgressSource: cfg.Progress.Source,
		Interval:       time.Duration(cfg.Progress.IntervalMillis) * time.Millisecond,
		Step:           cfg.Progress.Step,
		AwaitArchive:   awaitArchive,
	}
	if cfg.Archive.Retention.Enabled() {
		opts.Retention = pathretention.New(cfg.Archive.Retention, pathretention.Options{
			Workers: cfg.Archive.DeleteWorkers,
			Metrics: cfg.Archive.Metrics,
		})
	}

	return engine.NewService(preflight.NewValidator(true), invoker, jobtracker.New(), opts), nil
}

// loadConfig loads the config file selected by the flags or the environment
// and overlays the environment and the flags for command.
func loadConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	explicit, _ := flagMap["config"].(string)
	path := config.ResolvePath(explicit, os.Getenv)

	loadedConfig, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := loadedConfig.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	return runConfig, nil
}
