// Package lock implements the working-copy lock that serializes agent edit
// cycles in one jj workspace.
//
// The lock is held while the file .jj/jjagent-wc.lock exists. It is created
// by the pre-edit hook and removed by the post-edit or stop hook, which run
// in different processes, so ownership is recorded in the file itself as
// JSON metadata rather than in an OS lock tied to one process. A short OS
// file lock on a sibling ".mu" file makes each read-check-write of the
// metadata atomic across processes.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/schpet/jjagent/cmd/jjagent/cli/logging"
	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
)

// Defaults for Options.
const (
	DefaultTimeout          = 5 * time.Minute
	DefaultStaleAfter       = 90 * time.Second
	DefaultInitialBackoff   = 100 * time.Millisecond
	DefaultMaxBackoff       = 5 * time.Second
	DefaultProgressInterval = 10 * time.Second
)

var (
	// ErrNotHeld is returned by Inspect when no lock file exists.
	ErrNotHeld = errors.New("working-copy lock is not held")

	// ErrCorrupt is returned by Inspect when the lock file cannot be parsed.
	ErrCorrupt = errors.New("working-copy lock file is corrupt")
)

// Metadata is the content of the lock file.
type Metadata struct {
	SessionID   string    `json:"session_id"`
	CallID      string    `json:"call_id,omitempty"`
	PID         int       `json:"pid"`
	OwnerPID    int       `json:"owner_pid,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Token       string    `json:"token"`
}

// HeldFor returns how long the lock has been held as of now.
func (m *Metadata) HeldFor(now time.Time) time.Duration {
	return now.Sub(m.AcquiredAt).Round(time.Second)
}

// Stale reports whether the heartbeat is older than staleAfter.
func (m *Metadata) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(m.HeartbeatAt) > staleAfter
}

// OwnerDead reports whether the lock names an owner process on this host
// that is no longer running.
func (m *Metadata) OwnerDead() bool {
	if m.OwnerPID <= 0 || m.Hostname != hostname() {
		return false
	}
	return !isProcessRunning(m.OwnerPID)
}

// reentrant reports whether callID of holderID may re-enter this lock.
func (m *Metadata) reentrant(holderID, callID string) bool {
	if m.SessionID != holderID {
		return false
	}
	return callID == "" || m.CallID == callID
}

// Options controls acquisition.
type Options struct {
	// Timeout bounds the total wait.
	Timeout time.Duration
	// StaleAfter is how old a heartbeat may get before the lock counts as abandoned.
	StaleAfter time.Duration
	// InitialBackoff is the first retry delay; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ProgressInterval is the longest gap between progress reports while waiting.
	ProgressInterval time.Duration
	// Progress receives human-readable waiting messages. Defaults to stderr.
	Progress io.Writer
	// OwnerPID names a process whose exit abandons the lock. Leave it zero
	// when the lock must outlive the acquiring process, as hook locks do.
	OwnerPID int
	// CallID names the in-flight call of the holder, such as a tool use ID.
	// The holder re-enters its lock only from the same call; an empty CallID
	// claims the lock for the holder as a whole.
	CallID string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Progress == nil {
		o.Progress = os.Stderr
	}
	return o
}

// TimeoutError is returned when the lock could not be acquired in time.
type TimeoutError struct {
	Holder  string
	HeldFor time.Duration
	Path    string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for the working-copy lock held by session %s for %s; "+
		"if that session is no longer running, remove %s or run 'jjagent lock clear'",
		e.Waited.Round(time.Second), e.Holder, e.HeldFor, e.Path)
}

// OwnershipError is returned when a holder tries to use a lock it no longer owns.
type OwnershipError struct {
	Path     string
	Expected string
	// Actual is the current holder, or nil when the lock file is gone.
	Actual *Metadata
}

func (e *OwnershipError) Error() string {
	if e.Actual == nil {
		return fmt.Sprintf("working-copy lock %s is no longer held by session %s: lock file is missing", e.Path, e.Expected)
	}
	return fmt.Sprintf("working-copy lock %s is no longer held by session %s: now held by session %s",
		e.Path, e.Expected, e.Actual.SessionID)
}

// Guard is a held lock.
type Guard struct {
	path string
	meta Metadata
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Metadata returns the metadata written when the guard was obtained.
func (g *Guard) Metadata() Metadata { return g.meta }

// Acquire takes the working-copy lock of the workspace at root for holderID,
// waiting with exponential backoff until opts.Timeout. If the same call of
// holderID already holds the lock it is refreshed and returned; another call
// of the same holder waits like any other acquirer. Abandoned locks are reclaimed
// at once. Only ctx cancellation or the timeout end the wait.
func Acquire(ctx context.Context, root, holderID string, opts Options) (*Guard, error) {
	if holderID == "" {
		return nil, errors.New("lock holder ID cannot be empty")
	}
	opts = opts.withDefaults()
	path := paths.LockPath(root)
	ctx = logging.WithComponent(ctx, "lock")

	start := time.Now()
	deadline := start.Add(opts.Timeout)
	backoff := opts.InitialBackoff
	var lastReport time.Time

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = w.Close() }()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events = w.Events
		} else {
			logging.Debug(ctx, "lock watcher unavailable", slog.String("error", err.Error()))
		}
	}

	for {
		guard, holder, err := tryAcquire(ctx, path, holderID, opts)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			logging.LogDuration(ctx, slog.LevelDebug, "lock acquired", start, slog.String("path", path))
			return guard, nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return nil, &TimeoutError{
				Holder:  holder.SessionID,
				HeldFor: holder.HeldFor(now),
				Path:    path,
				Waited:  now.Sub(start),
			}
		}
		if lastReport.IsZero() || now.Sub(lastReport) >= opts.ProgressInterval {
			reportProgress(ctx, opts.Progress, holder, now)
			lastReport = now
		}

		wait := min(backoff, deadline.Sub(now), lastReport.Add(opts.ProgressInterval).Sub(now))
		if err := waitForChange(ctx, wait, events, path); err != nil {
			return nil, fmt.Errorf("waiting for working-copy lock: %w", err)
		}
		backoff = min(backoff*2, opts.MaxBackoff)
	}
}

func reportProgress(ctx context.Context, w io.Writer, holder *Metadata, now time.Time) {
	fmt.Fprintf(w, "jjagent: waiting for working-copy lock held by session %s for %s\n",
		holder.SessionID, holder.HeldFor(now))
	logging.Info(ctx, "waiting for working-copy lock",
		slog.String("holder", holder.SessionID),
		slog.Int("holder_pid", holder.PID),
		slog.Duration("held_for", holder.HeldFor(now)),
	)
}

// waitForChange sleeps for d or until the lock file is removed or replaced.
func waitForChange(ctx context.Context, d time.Duration, events <-chan fsnotify.Event, path string) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == path && ev.Has(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) {
				return nil
			}
		}
	}
}

// tryAcquire makes one attempt. It returns the guard on success, or the
// current holder when the lock is busy.
func tryAcquire(ctx context.Context, path, holderID string, opts Options) (*Guard, *Metadata, error) {
	var guard *Guard
	var holder *Metadata
	err := withMutex(path, func() error {
		now := time.Now()
		current, err := readMetadata(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// free
		case err != nil:
			logging.Warn(ctx, "reclaiming unreadable working-copy lock",
				slog.String("path", path), slog.String("error", err.Error()))
		case current.reentrant(holderID, opts.CallID):
			current.HeartbeatAt = now
			current.PID = os.Getpid()
			if opts.OwnerPID > 0 {
				current.OwnerPID = opts.OwnerPID
			}
			if err := writeMetadata(path, current); err != nil {
				return err
			}
			logging.Debug(ctx, "working-copy lock re-entered", slog.String("path", path))
			guard = &Guard{path: path, meta: *current}
			return nil
		case current.Stale(now, opts.StaleAfter):
			logging.Warn(ctx, "reclaiming stale working-copy lock",
				slog.String("holder", current.SessionID),
				slog.Time("heartbeat_at", current.HeartbeatAt),
			)
		case current.OwnerDead():
			logging.Warn(ctx, "reclaiming working-copy lock of exited process",
				slog.String("holder", current.SessionID),
				slog.Int("owner_pid", current.OwnerPID),
			)
		default:
			holder = current
			return nil
		}

		meta := &Metadata{
			SessionID:   holderID,
			CallID:      opts.CallID,
			PID:         os.Getpid(),
			OwnerPID:    opts.OwnerPID,
			Hostname:    hostname(),
			AcquiredAt:  now,
			HeartbeatAt: now,
			Token:       uuid.NewString(),
		}
		if err := writeMetadata(path, meta); err != nil {
			return err
		}
		guard = &Guard{path: path, meta: *meta}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return guard, holder, nil
}

// Heartbeat refreshes the heartbeat timestamp.
func (g *Guard) Heartbeat() error {
	return withMutex(g.path, func() error {
		current, err := g.verify()
		if err != nil {
			return err
		}
		current.HeartbeatAt = time.Now()
		if err := writeMetadata(g.path, current); err != nil {
			return err
		}
		g.meta = *current
		return nil
	})
}

// Release removes the lock if this guard still owns it. It returns an
// *OwnershipError if the lock was reclaimed or removed in the meantime.
func (g *Guard) Release() error {
	return withMutex(g.path, func() error {
		if _, err := g.verify(); err != nil {
			return err
		}
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	})
}

// verify checks holder and token. Callers hold the mutex.
func (g *Guard) verify() (*Metadata, error) {
	current, err := readMetadata(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &OwnershipError{Path: g.path, Expected: g.meta.SessionID}
	}
	if err != nil {
		return nil, &OwnershipError{Path: g.path, Expected: g.meta.SessionID, Actual: &Metadata{SessionID: "<unreadable>"}}
	}
	if current.SessionID != g.meta.SessionID || current.Token != g.meta.Token {
		return nil, &OwnershipError{Path: g.path, Expected: g.meta.SessionID, Actual: current}
	}
	return current, nil
}

// ReleaseHeld removes the lock of the workspace at root if holderID holds
// it, from any process. It reports whether a lock was removed.
func ReleaseHeld(ctx context.Context, root, holderID string) (bool, error) {
	path := paths.LockPath(root)
	released := false
	err := withMutex(path, func() error {
		current, err := readMetadata(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil || current.SessionID != holderID {
			return nil //nolint:nilerr // an unreadable or foreign lock is not ours to release
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		released = true
		return nil
	})
	if released {
		logging.Debug(logging.WithComponent(ctx, "lock"), "working-copy lock released", slog.String("path", path))
	}
	return released, err
}

// Inspect returns the current lock metadata. It returns ErrNotHeld when
// the lock is free and wraps ErrCorrupt when the file cannot be parsed.
func Inspect(root string) (*Metadata, error) {
	path := paths.LockPath(root)
	meta, err := readMetadata(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return meta, nil
}

// ForceClear removes the lock regardless of holder. It is the operator's
// escape hatch for a lock left by a crashed session.
func ForceClear(root string) error {
	path := paths.LockPath(root)
	return withMutex(path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	})
}

// withMutex runs fn while holding the OS file lock that guards path.
func withMutex(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	mu := flock.New(path + ".mu")
	if err := mu.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", mu.Path(), err)
	}
	defer func() { _ = mu.Unlock() }()
	return fn()
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the workspace root
	if err != nil {
		return nil, err //nolint:wrapcheck // callers test for os.ErrNotExist
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing lock file: %w", err)
	}
	if meta.SessionID == "" || meta.Token == "" {
		return nil, errors.New("lock file is missing session_id or token")
	}
	return &meta, nil
}

// writeMetadata replaces the lock file atomically so readers never see a
// partial write.
func writeMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// isProcessRunning checks if a process exists using signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
