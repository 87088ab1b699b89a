// Package preflight resolves and validates the paths of a backup request before
// any archive work is started. It is the single validation gate: everything
// downstream trusts a ResolvedPaths value.
//
// Validation is free of side effects on the source. The only filesystem change
// it may make is creating a missing destination directory (and its ancestors),
// which is idempotent and never rolled back.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// Validation error kinds. Use errors.Is to test for them.
var (
	ErrMissingField            = errors.New("missing required field")
	ErrSourceNotFound          = errors.New("source directory not found")
	ErrDestinationCreateFailed = errors.New("destination directory could not be created")
	ErrDestinationNotDirectory = errors.New("destination is not a directory")
	ErrDestinationNotWritable  = errors.New("destination directory is not writable")
)

// writeTestFileName is the probe file created and removed by the writability check.
const writeTestFileName = ".pgl-backupd-writetest.tmp"

// ResolvedPaths holds the absolute, cleaned and symlink-free form of a request's paths.
type ResolvedPaths struct {
	Source      string
	Destination string
}

// ValidationError is returned for every client-caused path problem.
type ValidationError struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error
	// Msg is the human readable message sent back to the client.
	Msg string
	// Err is the underlying filesystem error, if any.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks and resolves source/destination pairs.
type Validator struct {
	checkWritable bool
}

// NewValidator creates a Validator. When checkWritable is set, the destination
// is probed with a temporary file so permission problems surface as a
// validation error instead of a failed archive later on.
func NewValidator(checkWritable bool) *Validator {
	return &Validator{checkWritable: checkWritable}
}

// Validate resolves sourcePath and destinationPath relative to the process
// working directory and checks that both are usable directories. A missing
// destination is created. The paths are used exactly as given: no trimming
// and no tilde expansion.
func (v *Validator) Validate(sourcePath, destinationPath string) (ResolvedPaths, error) {
	// Both fields are checked before touching the filesystem so a half-filled
	// request never creates a directory.
	if strings.TrimSpace(sourcePath) == "" {
		return ResolvedPaths{}, &ValidationError{Kind: ErrMissingField, Msg: "sourcePath is required"}
	}
	if strings.TrimSpace(destinationPath) == "" {
		return ResolvedPaths{}, &ValidationError{Kind: ErrMissingField, Msg: "destinationPath is required"}
	}

	src, err := v.resolveSource(sourcePath)
	if err != nil {
		return ResolvedPaths{}, err
	}
	dst, err := v.resolveDestination(destinationPath)
	if err != nil {
		return ResolvedPaths{}, err
	}
	return ResolvedPaths{Source: src, Destination: dst}, nil
}

func (v *Validator) resolveSource(sourcePath string) (string, error) {
	absPath, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", &ValidationError{Kind: ErrSourceNotFound, Msg: fmt.Sprintf("invalid source path %s", sourcePath), Err: err}
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ValidationError{Kind: ErrSourceNotFound, Msg: fmt.Sprintf("source directory %s does not exist", absPath)}
		}
		return "", &ValidationError{Kind: ErrSourceNotFound, Msg: fmt.Sprintf("cannot access source directory %s", absPath), Err: err}
	}
	if !info.IsDir() {
		return "", &ValidationError{Kind: ErrSourceNotFound, Msg: fmt.Sprintf("source path %s is not a directory", absPath)}
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", &ValidationError{Kind: ErrSourceNotFound, Msg: fmt.Sprintf("cannot resolve source directory %s", absPath), Err: err}
	}
	return resolved, nil
}

func (v *Validator) resolveDestination(destinationPath string) (string, error) {
	absPath, err := filepath.Abs(destinationPath)
	if err != nil {
		return "", &ValidationError{Kind: ErrDestinationCreateFailed, Msg: fmt.Sprintf("invalid destination path %s", destinationPath), Err: err}
	}

	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", &ValidationError{Kind: ErrDestinationNotDirectory, Msg: fmt.Sprintf("destination path %s is not a directory", absPath)}
		}
	default:
		// Anything we cannot stat is handed to MkdirAll, which reports the
		// precise reason (permissions, a file in the ancestry, ...).
		if err := os.MkdirAll(absPath, util.UserWritableDirPerms); err != nil {
			return "", &ValidationError{Kind: ErrDestinationCreateFailed, Msg: fmt.Sprintf("failed to create destination directory %s", absPath), Err: err}
		}
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", &ValidationError{Kind: ErrDestinationCreateFailed, Msg: fmt.Sprintf("cannot resolve destination directory %s", absPath), Err: err}
	}

	if v.checkWritable {
		if err := checkWritable(resolved); err != nil {
			return "", &ValidationError{Kind: ErrDestinationNotWritable, Msg: fmt.Sprintf("destination directory %s is not writable", resolved), Err: err}
		}
	}
	return resolved, nil
}

// checkWritable performs a write check by creating and deleting a temporary file.
func checkWritable(dir string) error {
	tempFile := filepath.Join(dir, writeTestFileName)
	f, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(tempFile)
}
