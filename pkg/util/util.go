package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// compactTimestampLayout is the ISO-8601 UTC layout with millisecond precision.
// CompactTimestamp strips every separator from it.
const compactTimestampLayout = "2006-01-02T15:04:05.000Z"

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// NormalizePath converts a relative OS path into the forward-slash form used
// for archive entry names.
func NormalizePath(relPath string) string {
	return filepath.ToSlash(relPath)
}

// CompactTimestamp formats t in UTC as a digits-only string (YYYYMMDDhhmmssSSS).
// The result sorts lexically in chronological order.
func CompactTimestamp(t time.Time) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, t.UTC().Format(compactTimestampLayout))
}

// ParseCompactTimestamp parses the output of CompactTimestamp back into a UTC time.
func ParseCompactTimestamp(s string) (time.Time, error) {
	if len(s) != 17 {
		return time.Time{}, fmt.Errorf("invalid compact timestamp %q: want 17 digits", s)
	}
	// Reinsert the fraction separator so the stdlib parser accepts the milliseconds.
	return time.ParseInLocation("20060102150405.000", s[:14]+"."+s[14:], time.UTC)
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}
