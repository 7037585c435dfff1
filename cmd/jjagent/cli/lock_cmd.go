package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/schpet/jjagent/cmd/jjagent/cli/lock"
	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the working-copy lock",
		Long: `The working-copy lock serializes agent sessions that edit the same jj
workspace. It lives in .jj/jjagent-wc.lock.`,
	}

	cmd.AddCommand(newLockStatusCmd())
	cmd.AddCommand(newLockClearCmd())

	return cmd
}

func newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the working-copy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runLockStatus(ws, cmd.OutOrStdout(), time.Now())
		},
	}
}

func runLockStatus(ws *workspace, w io.Writer, now time.Time) error {
	path := paths.LockPath(ws.root)
	meta, err := lock.Inspect(ws.root)
	switch {
	case errors.Is(err, lock.ErrNotHeld):
		fmt.Fprintln(w, "Lock: free")
		return nil
	case errors.Is(err, lock.ErrCorrupt):
		fmt.Fprintf(w, "Lock: corrupt (%s)\n", path)
		fmt.Fprintln(w, "The next session to wait on it will reclaim it, or run 'jjagent lock clear'.")
		return nil
	case err != nil:
		return err
	}

	opts, err := ws.settings.LockOptions()
	if err != nil {
		return err
	}
	staleAfter := opts.StaleAfter

	fmt.Fprintln(w, "Lock: held")
	fmt.Fprintf(w, "  Holder:    %s\n", meta.SessionID)
	if meta.CallID != "" {
		fmt.Fprintf(w, "  Call:      %s\n", meta.CallID)
	}
	fmt.Fprintf(w, "  PID:       %d\n", meta.PID)
	if meta.OwnerPID > 0 {
		fmt.Fprintf(w, "  Owner PID: %d\n", meta.OwnerPID)
	}
	if meta.Hostname != "" {
		fmt.Fprintf(w, "  Host:      %s\n", meta.Hostname)
	}
	fmt.Fprintf(w, "  Held for:  %s\n", meta.HeldFor(now))
	fmt.Fprintf(w, "  Heartbeat: %s ago\n", now.Sub(meta.HeartbeatAt).Round(time.Second))

	switch {
	case meta.Stale(now, staleAfter):
		fmt.Fprintf(w, "  Stale:     yes (no heartbeat for over %s)\n", staleAfter)
	case meta.OwnerDead():
		fmt.Fprintln(w, "  Stale:     yes (owner process exited)")
	default:
		fmt.Fprintln(w, "  Stale:     no")
	}
	return nil
}

func newLockClearCmd() *cobra.Command {
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the working-copy lock",
		Long: `Clear deletes the working-copy lock regardless of who holds it. Use it
only when a session has died without releasing the lock and you do not want
to wait for it to go stale.

Without --force, prompts for confirmation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}

			if !forceFlag {
				if !IsAccessibleMode() && !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("refusing to clear the lock without a terminal; pass --force")
				}

				var confirmed bool
				form := NewAccessibleForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title("Clear the working-copy lock?").
							Description("Any session still holding it may then edit concurrently with others.").
							Value(&confirmed),
					),
				)
				if err := form.Run(); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						return nil
					}
					return fmt.Errorf("failed to get confirmation: %w", err)
				}
				if !confirmed {
					return nil
				}
			}

			return runLockClear(ws, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

func runLockClear(ws *workspace, w io.Writer) error {
	meta, err := lock.Inspect(ws.root)
	if errors.Is(err, lock.ErrNotHeld) {
		fmt.Fprintln(w, "Lock is not held.")
		return nil
	}
	if err := lock.ForceClear(ws.root); err != nil {
		return fmt.Errorf("clearing lock: %w", err)
	}
	if meta != nil {
		fmt.Fprintf(w, "Cleared lock held by %s.\n", meta.SessionID)
	} else {
		fmt.Fprintln(w, "Cleared lock.")
	}
	return nil
}
