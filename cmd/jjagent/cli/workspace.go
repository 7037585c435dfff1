package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/schpet/jjagent/cmd/jjagent/cli/jj"
	"github.com/schpet/jjagent/cmd/jjagent/cli/lock"
	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/schpet/jjagent/cmd/jjagent/cli/settings"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// newBackend opens the engine for a workspace root. Tests replace it with
// an in-memory repository.
var newBackend = func(root string) vcs.Backend {
	return jj.New(root)
}

// workspace bundles what commands need to work on one jj workspace.
type workspace struct {
	root     string
	backend  vcs.Backend
	settings *settings.Settings
}

// openWorkspace locates the workspace containing dir, or the current
// directory when dir is empty.
func openWorkspace(dir string) (*workspace, error) {
	var root string
	var err error
	if dir == "" {
		root, err = paths.WorkspaceRoot()
	} else {
		root, err = paths.FindWorkspaceRoot(dir)
	}
	if err != nil {
		return nil, err
	}

	s, err := settings.LoadFrom(root)
	if err != nil {
		return nil, err
	}
	return &workspace{root: root, backend: newBackend(root), settings: s}, nil
}

// lockOptions returns the configured lock options with progress going to w.
func (ws *workspace) lockOptions(w io.Writer) (lock.Options, error) {
	opts, err := ws.settings.LockOptions()
	if err != nil {
		return lock.Options{}, err
	}
	opts.Progress = w
	return opts, nil
}

// withLock runs fn while holding the working-copy lock on behalf of this
// command process. The lock is tied to this process's pid, so a crashed
// command never blocks agents for longer than it takes to notice.
func (ws *workspace) withLock(ctx context.Context, progress io.Writer, fn func() error) (err error) {
	opts, err := ws.lockOptions(progress)
	if err != nil {
		return err
	}
	opts.OwnerPID = os.Getpid()

	guard, err := lock.Acquire(ctx, ws.root, "jjagent-cli-"+strconv.Itoa(os.Getpid()), opts)
	if err != nil {
		return fmt.Errorf("acquiring working-copy lock: %w", err)
	}
	defer func() {
		if relErr := guard.Release(); relErr != nil && err == nil {
			err = fmt.Errorf("releasing working-copy lock: %w", relErr)
		}
	}()

	if err := ws.backend.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing working copy: %w", err)
	}
	return fn()
}

// notWorkspaceError turns ErrNotWorkspace into a short user-facing message.
func notWorkspaceError(err error) error {
	if errors.Is(err, paths.ErrNotWorkspace) {
		return errors.New("not inside a jj workspace (run 'jj git init' first)")
	}
	return err
}
