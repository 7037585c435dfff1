package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Directory and file constants
const (
	// ControlDir is jj's per-workspace control directory.
	ControlDir = ".jj"

	// LockFileName is the working-copy lock, created inside ControlDir.
	LockFileName = "jjagent-wc.lock"

	// SettingsDir holds jjagent configuration, relative to the workspace root.
	SettingsDir = ".jjagent"

	SettingsFileName      = "settings.json"
	LocalSettingsFileName = "settings.local.json"

	// LogFileName is the JSONL log written to the user cache directory.
	LogFileName = "jjagent.jsonl"
)

// ErrNotWorkspace is returned when no enclosing directory holds a .jj directory.
var ErrNotWorkspace = errors.New("not inside a jj workspace")

// workspaceRootCache caches the workspace root to avoid repeated directory walks.
// The cache is keyed by the current working directory to handle directory changes.
var (
	workspaceRootMu       sync.RWMutex
	workspaceRootCache    string
	workspaceRootCacheDir string
)

// WorkspaceRoot returns the jj workspace root for the current directory.
// The result is cached per working directory.
// Returns ErrNotWorkspace if not inside a jj workspace.
func WorkspaceRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	workspaceRootMu.RLock()
	if workspaceRootCache != "" && workspaceRootCacheDir == cwd {
		cached := workspaceRootCache
		workspaceRootMu.RUnlock()
		return cached, nil
	}
	workspaceRootMu.RUnlock()

	root, err := FindWorkspaceRoot(cwd)
	if err != nil {
		return "", err
	}

	workspaceRootMu.Lock()
	workspaceRootCache = root
	workspaceRootCacheDir = cwd
	workspaceRootMu.Unlock()

	return root, nil
}

// ClearWorkspaceRootCache clears the cached workspace root.
// This is primarily useful for testing when changing directories.
func ClearWorkspaceRootCache() {
	workspaceRootMu.Lock()
	workspaceRootCache = ""
	workspaceRootCacheDir = ""
	workspaceRootMu.Unlock()
}

// FindWorkspaceRoot walks up from dir to the nearest directory containing
// a .jj directory. It never creates anything.
func FindWorkspaceRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for {
		info, err := os.Stat(filepath.Join(abs, ControlDir))
		if err == nil && info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w: %s", ErrNotWorkspace, dir)
		}
		abs = parent
	}
}

// LockPath returns the working-copy lock file path for a workspace root.
func LockPath(root string) string {
	return filepath.Join(root, ControlDir, LockFileName)
}

// SettingsPath returns the shared settings file path for a workspace root.
func SettingsPath(root string) string {
	return filepath.Join(root, SettingsDir, SettingsFileName)
}

// LocalSettingsPath returns the personal settings override path for a workspace root.
func LocalSettingsPath(root string) string {
	return filepath.Join(root, SettingsDir, LocalSettingsFileName)
}

// LogFilePath returns $XDG_CACHE_HOME/jjagent/jjagent.jsonl, falling back to
// the platform user cache directory.
func LogFilePath() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate cache directory: %w", err)
		}
		base = dir
	}
	return filepath.Join(base, "jjagent", LogFileName), nil
}
