package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/pathretention"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the
// working directory when no path is given.
const ConfigFileName = "pgl-backupd.config.json"

const (
	// EnvConfigPath names the environment variable holding the config file path.
	EnvConfigPath = "PGL_BACKUPD_CONFIG"
	// EnvPort names the environment variable selecting the listening port.
	EnvPort = "PORT"
)

type HTTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// StaticDir is served for requests that match no route. Empty disables it.
	StaticDir  string `json:"staticDir"`
	CORSOrigin string `json:"corsOrigin" comment:"Allowed CORS origin. Empty allows any origin."`
}

type ArchiveConfig struct {
	Engine       pathcompression.Engine `json:"engine"`
	ToolPath     string                 `json:"toolPath"`
	Format       pathcompression.Format `json:"format"`
	Level        pathcompression.Level  `json:"level" comment:"Only used by the native engine."`
	BufferSizeKB int                    `json:"bufferSizeKB"`
	Metrics      bool                   `json:"metrics"`
	// Await makes a backup request wait for the archive before answering.
	Await bool `json:"await"`
	// Retention prunes old archives in a destination after each successful
	// run. The zero policy keeps every archive.
	Retention     pathretention.Policy `json:"retention"`
	DeleteWorkers int                  `json:"deleteWorkers"`
}

type ProgressConfig struct {
	Source         engine.ProgressSource `json:"source"`
	IntervalMillis int                   `json:"intervalMillis"`
	Step           int                   `json:"step"`
}

// ScheduleConfig is a backup started by the daemon itself on a cron schedule.
type ScheduleConfig struct {
	Name            string `json:"name"`
	Cron            string `json:"cron"`
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

type Config struct {
	Version  string `json:"version"`
	LogLevel string `json:"logLevel"`
	// LockFile, if set, is held by the serve command so that only one daemon
	// runs with this configuration.
	LockFile  string           `json:"lockFile"`
	HTTP      HTTPConfig       `json:"http"`
	Archive   ArchiveConfig    `json:"archive"`
	Progress  ProgressConfig   `json:"progress"`
	Schedules []ScheduleConfig `json:"schedules"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		LockFile: "",
		HTTP: HTTPConfig{
			Host:       "",      // All interfaces.
			Port:       5000,    // Overridden by the PORT environment variable.
			StaticDir:  "build", // Client bundle served next to the API.
			CORSOrigin: "",
		},
		Archive: ArchiveConfig{
			Engine:       pathcompression.ToolEngine, // External tar, the most portable archive format.
			ToolPath:     pathcompression.DefaultToolPath,
			Format:       pathcompression.TarGz,
			Level:        pathcompression.Default,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
			Metrics:      false,
			Await:        false,
			Retention:     pathretention.Policy{},
			DeleteWorkers: pathretention.DefaultDeleteWorkers,
		},
		Progress: ProgressConfig{
			Source:         engine.TickerProgress,
			IntervalMillis: 1000,
			Step:           10,
		},
		Schedules: []ScheduleConfig{},
	}
}

// ResolvePath returns the config file path: explicit if set, else the
// PGL_BACKUPD_CONFIG environment variable, else ConfigFileName in the
// working directory.
func ResolvePath(explicit string, getenv func(string) string) string {
	if explicit != "" {
		return explicit
	}
	if p := getenv(EnvConfigPath); p != "" {
		return p
	}
	return ConfigFileName
}

// Load reads the configuration file at path on top of the defaults.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			plog.Debug("No configuration file found, using defaults", "path", absPath)
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values so missing fields in the file keep them.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	config.Version = buildinfo.Version
	return config, nil
}

// Generate writes configToGenerate as indented JSON to path, replacing any
// existing file atomically.
func Generate(configToGenerate Config, path string) error {
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(absPath), filepath.Base(absPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(jsonData, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Chmod(util.UserWritableFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return fmt.Errorf("failed to move config file into place: %w", err)
	}

	plog.Info("Successfully saved config file", "path", absPath)
	return nil
}

// ApplyEnv overlays settings taken from the environment. Only PORT is read.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	raw := getenv(EnvPort)
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s environment variable %q: %w", EnvPort, raw, err)
	}
	c.HTTP.Port = port
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.LockFile != "" {
		lockFile, err := util.ExpandPath(c.LockFile)
		if err != nil {
			return fmt.Errorf("could not expand lockFile: %w", err)
		}
		c.LockFile = filepath.Clean(lockFile)
	}
	if c.HTTP.StaticDir != "" {
		staticDir, err := util.ExpandPath(c.HTTP.StaticDir)
		if err != nil {
			return fmt.Errorf("could not expand http.staticDir: %w", err)
		}
		c.HTTP.StaticDir = filepath.Clean(staticDir)
	}

	if _, err := pathcompression.ParseEngine(c.Archive.Engine.String()); err != nil {
		return err
	}
	if _, err := pathcompression.ParseFormat(c.Archive.Format.String()); err != nil {
		return err
	}
	if c.Archive.Engine == pathcompression.ToolEngine && c.Archive.ToolPath == "" {
		return fmt.Errorf("archive.toolPath cannot be empty when archive.engine is 'tool'")
	}
	if c.Archive.BufferSizeKB <= 0 {
		return fmt.Errorf("archive.bufferSizeKB must be greater than 0")
	}
	if err := c.Archive.Retention.Validate(); err != nil {
		return fmt.Errorf("archive.retention: %w", err)
	}
	if c.Archive.DeleteWorkers < 1 {
		return fmt.Errorf("archive.deleteWorkers must be at least 1")
	}

	if _, err := engine.ParseProgressSource(c.Progress.Source.String()); err != nil {
		return err
	}
	if c.Progress.IntervalMillis <= 0 {
		return fmt.Errorf("progress.intervalMillis must be greater than 0")
	}
	if c.Progress.Step < 1 || c.Progress.Step > 100 {
		return fmt.Errorf("progress.step must be between 1 and 100, got %d", c.Progress.Step)
	}
	if c.Progress.Source == engine.BytesProgress && c.Archive.Engine != pathcompression.NativeEngine {
		plog.Warn("progress.source 'bytes' needs archive.engine 'native', falling back to the ticker")
		c.Progress.Source = engine.TickerProgress
	}

	names := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d].name cannot be empty", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("schedules[%d].name %q is used more than once", i, s.Name)
		}
		names[s.Name] = struct{}{}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedules[%d] (%s): invalid cron expression %q: %w", i, s.Name, s.Cron, err)
		}
		if s.SourcePath == "" || s.DestinationPath == "" {
			return fmt.Errorf("schedules[%d] (%s): sourcePath and destinationPath are required", i, s.Name)
		}
		for _, p := range []*string{&c.Schedules[i].SourcePath, &c.Schedules[i].DestinationPath} {
			expanded, err := util.ExpandPath(*p)
			if err != nil {
				return fmt.Errorf("schedules[%d] (%s): could not expand %q: %w", i, s.Name, *p, err)
			}
			*p = expanded
		}
	}
	return nil
}

// LogSummary logs a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"listen", c.Addr(),
		"static_dir", c.HTTP.StaticDir,
		"archive", fmt.Sprintf("e:%s f:%s", c.Archive.Engine, c.Archive.Format),
		"progress", fmt.Sprintf("s:%s i:%dms", c.Progress.Source, c.Progress.IntervalMillis),
		"await", c.Archive.Await,
		"metrics", c.Archive.Metrics,
	}
	switch c.Archive.Engine {
	case pathcompression.ToolEngine:
		logArgs = append(logArgs, "tool", c.Archive.ToolPath)
	case pathcompression.NativeEngine:
		logArgs = append(logArgs, "level", c.Archive.Level, "buffer_size_kb", c.Archive.BufferSizeKB)
	}
	if c.Progress.Source == engine.TickerProgress {
		logArgs = append(logArgs, "step", c.Progress.Step)
	}
	if c.LockFile != "" {
		logArgs = append(logArgs, "lock_file", c.LockFile)
	}
	if c.Archive.Retention.Enabled() {
		logArgs = append(logArgs, "retention", c.Archive.Retention.String())
	}
	if c.HTTP.CORSOrigin != "" {
		logArgs = append(logArgs, "cors_origin", c.HTTP.CORSOrigin)
	}
	if len(c.Schedules) > 0 {
		logArgs = append(logArgs, "schedules", len(c.Schedules))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	merged.Schedules = append([]ScheduleConfig(nil), base.Schedules...)

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "host":
			merged.HTTP.Host = value.(string)
		case "port":
			merged.HTTP.Port = value.(int)
		case "static-dir":
			merged.HTTP.StaticDir = value.(string)
		case "cors-origin":
			merged.HTTP.CORSOrigin = value.(string)
		case "archive-engine":
			merged.Archive.Engine = value.(pathcompression.Engine)
		case "archive-tool":
			merged.Archive.ToolPath = value.(string)
		case "archive-format":
			merged.Archive.Format = value.(pathcompression.Format)
		case "archive-level":
			merged.Archive.Level = value.(pathcompression.Level)
		case "buffer-size-kb":
			merged.Archive.BufferSizeKB = value.(int)
		case "metrics":
			merged.Archive.Metrics = value.(bool)
		case "await":
			switch command {
			case flagparse.Serve, flagparse.Init:
				merged.Archive.Await = value.(bool)
			default:
			}
		case "progress-source":
			merged.Progress.Source = value.(engine.ProgressSource)
		case "progress-interval-ms":
			merged.Progress.IntervalMillis = value.(int)
		case "progress-step":
			merged.Progress.Step = value.(int)
		case "config", "source", "destination", "force":
			// Consumed by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
