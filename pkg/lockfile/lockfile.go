// Package lockfile keeps a second daemon from running with the same state.
//
// The lock is a JSON file created with O_EXCL. Its owner rewrites it on every
// heartbeat; a file that has not been touched for StaleAfter is considered
// abandoned and may be taken over. Takeover writes a fresh file with a random
// nonce and reads it back, so of two racing processes only one wins.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// Defaults for Options.
const (
	DefaultHeartbeat = time.Minute
	staleFactor      = 3
	maxAttempts      = 3
	retryDelay       = 100 * time.Millisecond
)

// Content is what the lock file holds.
type Content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Owner      string    `json:"owner"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	Content
	Age time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is held by %s (PID %d on host '%s'), last updated %s ago",
		e.Owner, e.PID, e.Hostname, e.Age.Truncate(time.Second))
}

var (
	// ErrLostRace is returned when another process took over a stale lock first.
	ErrLostRace = errors.New("lost race during stale lock takeover")
	// ErrCorruptLockFile means the lock file is empty or not valid JSON.
	ErrCorruptLockFile = errors.New("lock file is corrupt or empty")
)

// Options tunes the heartbeat. StaleAfter defaults to three heartbeats.
type Options struct {
	Heartbeat  time.Duration
	StaleAfter time.Duration
}

// Lock is a held lock. Release it when done.
type Lock struct {
	path    string
	opts    Options
	cancel  context.CancelFunc
	stopped chan struct{}

	mu      sync.Mutex
	content Content
	held    bool
}

// Acquire takes the lock at path for owner. It returns *ErrLockActive if a
// live process holds it.
func Acquire(ctx context.Context, path, owner string, opts Options) (*Lock, error) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = staleFactor * opts.Heartbeat
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute path for lock file %s: %w", path, err)
	}

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(owner)
		if err != nil {
			return nil, err
		}

		err = createExclusive(absPath, content)
		if err == nil {
			return start(absPath, content, opts), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		current, readErr := read(absPath)
		switch {
		case errors.Is(readErr, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", absPath)
		case readErr != nil:
			return nil, readErr
		default:
			age := time.Since(current.LastUpdate)
			if age < opts.StaleAfter {
				return nil, &ErrLockActive{Content: current, Age: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "path", absPath, "pid", current.PID, "age", age.Truncate(time.Second))
		}

		if err := takeOver(absPath, content); err != nil {
			plog.Debug("Lock takeover failed, retrying", "path", absPath, "error", err)
			time.Sleep(retryDelay)
			continue
		}
		return start(absPath, content, opts), nil
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", absPath, maxAttempts)
}

func newContent(owner string) (Content, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, fmt.Errorf("failed to get hostname: %w", err)
	}
	return Content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Owner:      owner,
		LastUpdate: time.Now().UTC(),
		Nonce:      uuid.NewString(),
	}, nil
}

func start(path string, content Content, opts Options) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		path:    path,
		opts:    opts,
		cancel:  cancel,
		stopped: make(chan struct{}),
		content: content,
		held:    true,
	}
	go l.heartbeat(ctx)
	plog.Debug("Lock acquired", "path", path)
	return l
}

// Path returns the absolute path of the lock file.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.cancel()
	<-l.stopped
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(l.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeAtomic(l.path, content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
			}
		}
	}
}

// createExclusive creates path only if it does not exist yet.
func createExclusive(path string, content Content) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(content); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return f.Close()
}

// takeOver replaces a stale lock and checks that the replacement survived.
func takeOver(path string, content Content) error {
	if err := writeAtomic(path, content); err != nil {
		return err
	}
	current, err := read(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if current.Nonce != content.Nonce {
		return ErrLostRace
	}
	return nil
}

// writeAtomic writes content to a temp file next to path and renames it over
// path, so readers never see a partial file.
func writeAtomic(path string, content Content) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// read parses the lock file. An empty or partial file may be one another
// process is still creating, so it is re-read a few times before it is
// reported as corrupt.
func read(path string) (Content, error) {
	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			time.Sleep(retryDelay / 2)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
			continue
		}
		var content Content
		if lastErr = json.Unmarshal(data, &content); lastErr == nil {
			return content, nil
		}
	}
	return Content{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}
