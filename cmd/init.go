package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-backupd/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backupd/pkg/config"
	"github.com/paulschiretz/pgl-backupd/pkg/flagparse"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	explicit, _ := flagMap["config"].(string)
	path := config.ResolvePath(explicit, os.Getenv)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for %s: %w", path, err)
	}

	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	if _, err := os.Stat(absPath); err == nil && !force {
		fmt.Printf("WARNING: Configuration file already exists at %s.\n", absPath)
		fmt.Printf("Settings given as flags will replace the ones in the file.\n")
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
	}

	// Keep the settings of an existing file. A file that fails to load is
	// replaced with the defaults.
	baseConfig, err := config.Load(absPath)
	if err != nil {
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := config.Generate(runConfig, absPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
