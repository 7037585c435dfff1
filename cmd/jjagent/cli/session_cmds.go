package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/schpet/jjagent/cmd/jjagent/cli/session"
	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/validation"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
	"github.com/spf13/cobra"
)

func newChangeIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-id <session-id>",
		Short: "Print the change ID of a session's current change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runChangeID(cmd.Context(), ws, cmd.OutOrStdout(), args[0])
		},
	}
}

func runChangeID(ctx context.Context, ws *workspace, w io.Writer, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	current, err := session.NewResolver(ws.backend).FindCurrent(ctx, session.NewID(sessionID), session.AllScope)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, current.ChangeID)
	return nil
}

func newSessionIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session-id [revision]",
		Short: "Print the session ID recorded on a change (default @)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev := vcs.WorkingCopy
			if len(args) == 1 {
				rev = args[0]
			}
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runSessionID(cmd.Context(), ws, cmd.OutOrStdout(), rev)
		},
	}
}

func runSessionID(ctx context.Context, ws *workspace, w io.Writer, rev string) error {
	if err := validation.ValidateRevision(rev); err != nil {
		return err
	}
	c, err := ws.backend.Show(ctx, rev)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rev, err)
	}
	sid, ok := session.SessionOf(c)
	if !ok {
		return fmt.Errorf("change %s has no %s trailer", c.ChangeID, trailers.SessionKey)
	}
	fmt.Fprintln(w, sid)
	return nil
}

func newDescribeCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "describe <session-id> -m <message>",
		Short: "Replace a session change's description, keeping its trailers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runDescribe(cmd.Context(), ws, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], message)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "New description, without trailers")
	_ = cmd.MarkFlagRequired("message") //nolint:errcheck // flag is defined above

	return cmd
}

func runDescribe(ctx context.Context, ws *workspace, w, errOut io.Writer, sessionID, message string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("message must not be empty")
	}

	return ws.withLock(ctx, errOut, func() error {
		current, err := session.NewResolver(ws.backend).FindCurrent(ctx, session.NewID(sessionID), session.AllScope)
		if err != nil {
			return err
		}
		if err := ws.backend.Describe(ctx, current.ChangeID, trailers.ReplaceText(current.Description, message)); err != nil {
			return fmt.Errorf("describing %s: %w", current.ChangeID, err)
		}
		fmt.Fprintf(w, "Updated description of %s\n", current.ChangeID)
		return nil
	})
}

func newSplitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split <session-id|revision>",
		Short: "Start a new numbered part of a session just below @",
		Long: `Split starts a new part of a session. The new part is inserted directly
below the working-copy change, so later agent edits go there instead of into
the session's earlier change.

The argument is a session ID or a revision carrying a Claude-session-id trailer.
It must be an ancestor of @.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runSplit(cmd.Context(), ws, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
}

func runSplit(ctx context.Context, ws *workspace, w, errOut io.Writer, ref string) error {
	return ws.withLock(ctx, errOut, func() error {
		target, id, err := resolveSessionRef(ctx, ws, ref)
		if err != nil {
			return err
		}
		if err := requireProperAncestor(ctx, ws, target.ChangeID); err != nil {
			return err
		}

		parts, err := session.NewResolver(ws.backend).CountParts(ctx, id, session.AllScope)
		if err != nil {
			return err
		}
		changeID, err := ws.backend.InsertBefore(ctx, vcs.WorkingCopy, session.PartMessage(id, parts+1))
		if err != nil {
			return fmt.Errorf("inserting session part: %w", err)
		}
		fmt.Fprintln(w, changeID)
		return nil
	})
}

// resolveSessionRef accepts a session ID or a revision with a session trailer.
func resolveSessionRef(ctx context.Context, ws *workspace, ref string) (vcs.Commit, session.ID, error) {
	if validation.ValidateSessionID(ref) == nil {
		id := session.NewID(ref)
		current, err := session.NewResolver(ws.backend).FindCurrent(ctx, id, session.AllScope)
		if err == nil {
			return current, id, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return vcs.Commit{}, session.ID{}, err
		}
	}

	if err := validation.ValidateRevision(ref); err != nil {
		return vcs.Commit{}, session.ID{}, err
	}
	c, err := ws.backend.Show(ctx, ref)
	if err != nil {
		return vcs.Commit{}, session.ID{}, fmt.Errorf("%q is neither a known session nor a revision: %w", ref, err)
	}
	sid, ok := session.SessionOf(c)
	if !ok {
		return vcs.Commit{}, session.ID{}, fmt.Errorf("change %s has no %s trailer", c.ChangeID, trailers.SessionKey)
	}
	return c, session.NewID(sid), nil
}

// requireProperAncestor fails unless changeID is an ancestor of @ other than @ itself.
func requireProperAncestor(ctx context.Context, ws *workspace, changeID string) error {
	wc, err := ws.backend.Show(ctx, vcs.WorkingCopy)
	if err != nil {
		return fmt.Errorf("reading working copy: %w", err)
	}
	if wc.ChangeID == changeID {
		return fmt.Errorf("change %s is the working copy; pick one of its ancestors", changeID)
	}
	ok, err := ws.backend.IsAncestor(ctx, changeID, wc.ChangeID)
	if err != nil {
		return fmt.Errorf("checking ancestry of %s: %w", changeID, err)
	}
	if !ok {
		return fmt.Errorf("change %s is not an ancestor of @", changeID)
	}
	return nil
}

func newIntoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "into <session-id> <revision>",
		Short: "Track a session on an existing ancestor of @",
		Long: `Into adds the Claude-session-id trailer to an existing change, so the
session's future edits are squashed into it. The change must be an ancestor
of @ and the session must not already have a change.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runInto(cmd.Context(), ws, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], args[1])
		},
	}
}

func runInto(ctx context.Context, ws *workspace, w, errOut io.Writer, sessionID, rev string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validation.ValidateRevision(rev); err != nil {
		return err
	}
	id := session.NewID(sessionID)

	return ws.withLock(ctx, errOut, func() error {
		target, err := ws.backend.Show(ctx, rev)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rev, err)
		}
		if existing, ok := session.SessionOf(target); ok {
			if existing == id.Full() {
				fmt.Fprintf(w, "%s already tracks session %s\n", target.ChangeID, id.Short())
				return nil
			}
			return fmt.Errorf("change %s already belongs to session %s", target.ChangeID, existing)
		}
		if err := requireProperAncestor(ctx, ws, target.ChangeID); err != nil {
			return err
		}

		current, err := session.NewResolver(ws.backend).FindCurrent(ctx, id, ws.settings.Scope())
		switch {
		case err == nil:
			return fmt.Errorf("session %s is already tracked by change %s; use 'jjagent split' to start a new part",
				id.Short(), current.ChangeID)
		case !errors.Is(err, session.ErrNotFound):
			return err
		}

		message := trailers.WithTrailer(target.Description, trailers.SessionKey, id.Full())
		if err := ws.backend.Describe(ctx, target.ChangeID, message); err != nil {
			return fmt.Errorf("describing %s: %w", target.ChangeID, err)
		}
		fmt.Fprintln(w, target.ChangeID)
		return nil
	})
}

func newIssueCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "issue -m <message>",
		Short: "Create a session change for a new session ID and print the ID",
		Long: `Issue creates a session change directly below @ under a freshly generated
session ID and prints that ID. Pass the ID to an agent session to have its
edits land in the change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace("")
			if err != nil {
				return notWorkspaceError(err)
			}
			return runIssue(cmd.Context(), ws, cmd.OutOrStdout(), cmd.ErrOrStderr(), message)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Description for the new change")

	return cmd
}

func runIssue(ctx context.Context, ws *workspace, w, errOut io.Writer, message string) error {
	id := session.NewID(uuid.NewString())
	description := session.SessionMessage(id)
	if strings.TrimSpace(message) != "" {
		description = session.CustomMessage(id, message)
	}

	return ws.withLock(ctx, errOut, func() error {
		changeID, err := ws.backend.InsertBefore(ctx, vcs.WorkingCopy, description)
		if err != nil {
			return fmt.Errorf("creating session change: %w", err)
		}
		fmt.Fprintf(errOut, "jjagent: created change %s\n", changeID)
		fmt.Fprintln(w, id.Full())
		return nil
	})
}
