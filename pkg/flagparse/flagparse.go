package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Config   *string

	// Serve
	Host       *string
	Port       *int
	StaticDir  *string
	CORSOrigin *string

	// Shared: Serve / Backup / Init
	ArchiveEngine  *string
	ArchiveTool    *string
	ArchiveFormat  *string
	ArchiveLevel   *string
	BufferSizeKB   *int
	Metrics        *bool
	Await          *bool
	ProgressSource *string
	ProgressMillis *int
	ProgressStep   *int

	// Backup specific
	Source      *string
	Destination *string

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Config = fs.String("config", "", "Path of the configuration file. Defaults to $PGL_BACKUPD_CONFIG or ./pgl-backupd.config.json.")
}

func registerArchiveFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ArchiveEngine = fs.String("archive-engine", "tool", "Archive engine to use: 'tool' (external tar) or 'native'.")
	f.ArchiveTool = fs.String("archive-tool", pathcompression.DefaultToolPath, "Path of the tar tool used by the 'tool' engine.")
	f.ArchiveFormat = fs.String("archive-format", "tar.gz", "Archive format: 'tar.gz' or 'tar.zst'.")
	f.ArchiveLevel = fs.String("archive-level", "default", "Compression level for the native engine: 'default', 'fastest', 'better', 'best'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for the native engine.")
	f.Metrics = fs.Bool("metrics", false, "Log byte and entry counts of native archive runs.")
}

func registerServeFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Host = fs.String("host", "", "Interface to listen on. Empty listens on all interfaces.")
	f.Port = fs.Int("port", 5000, "Port to listen on. Overrides the PORT environment variable.")
	f.StaticDir = fs.String("static-dir", "build", "Directory served for requests that match no API route.")
	f.CORSOrigin = fs.String("cors-origin", "", "Allowed CORS origin. Empty allows any origin.")
	f.Await = fs.Bool("await", false, "Answer backup requests only after the archive has been written.")
	f.ProgressSource = fs.String("progress-source", "ticker", "Progress source: 'ticker' or 'bytes' (native engine only).")
	f.ProgressMillis = fs.Int("progress-interval-ms", 1000, "Milliseconds between progress updates.")
	f.ProgressStep = fs.Int("progress-step", 10, "Percent added per tick by the ticker progress source.")
	registerArchiveFlags(fs, f)
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to archive. (Required)")
	f.Destination = fs.String("destination", "", "Directory the archive is written to. (Required)")
	registerArchiveFlags(fs, f)
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file without asking.")
	registerServeFlags(fs, f)
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)

	var desc string
	switch command {
	case Serve:
		registerServeFlags(fs, f)
		desc = "Run the HTTP backup service."
	case Backup:
		registerBackupFlags(fs, f)
		desc = "Archive a directory once and exit."
	case Init:
		registerInitFlags(fs, f)
		desc = "Write a configuration file with the defaults merged with the given flags."
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs.Usage = func() {
		printSubcommandUsage(command, desc, fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "config", f.Config)

	addIfUsed(flagMap, usedFlags, "host", f.Host)
	addIfUsed(flagMap, usedFlags, "port", f.Port)
	addIfUsed(flagMap, usedFlags, "static-dir", f.StaticDir)
	addIfUsed(flagMap, usedFlags, "cors-origin", f.CORSOrigin)

	addIfUsed(flagMap, usedFlags, "archive-tool", f.ArchiveTool)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "await", f.Await)
	addIfUsed(flagMap, usedFlags, "progress-interval-ms", f.ProgressMillis)
	addIfUsed(flagMap, usedFlags, "progress-step", f.ProgressStep)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "destination", f.Destination)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	if err := addParsedIfUsed(flagMap, usedFlags, "archive-engine", f.ArchiveEngine, pathcompression.ParseEngine); err != nil {
		return nil, err
	}
	if err := addParsedIfUsed(flagMap, usedFlags, "archive-format", f.ArchiveFormat, pathcompression.ParseFormat); err != nil {
		return nil, err
	}
	if err := addParsedIfUsed(flagMap, usedFlags, "archive-level", f.ArchiveLevel, pathcompression.ParseLevel); err != nil {
		return nil, err
	}
	if err := addParsedIfUsed(flagMap, usedFlags, "progress-source", f.ProgressSource, engine.ParseProgressSource); err != nil {
		return nil, err
	}
	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) (T, error)) error {
	if ptr == nil || !usedFlags[name] {
		return nil
	}
	v, err := parser(*ptr)
	if err != nil {
		return fmt.Errorf("-%s: %w", name, err)
	}
	flagMap[name] = v
	return nil
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "An HTTP service that archives directories on request.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  serve       Run the HTTP backup service\n")
	fmt.Fprintf(fs.Output(), "  backup      Archive a directory once and exit\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "An HTTP service that archives directories on request.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
