package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/schpet/jjagent/cmd/jjagent/cli/session"
	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/validation"
	"github.com/spf13/cobra"
)

// StatuslineInput is the subset of the agent's statusline payload we read.
// Unknown fields are ignored.
type StatuslineInput struct {
	SessionID string `json:"session_id"`
	Workspace struct {
		CurrentDir string `json:"current_dir"`
	} `json:"workspace"`
}

const statuslineIDLen = 8

func newStatuslineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statusline",
		Short: "Print the current session's change for an agent statusline",
		Long: `Statusline reads the agent's statusline JSON on stdin and prints the
session's current change as "<change-id> <commit-id> <title>". It prints
nothing outside a jj workspace or when the session has no change yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatusline(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runStatusline(ctx context.Context, in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read statusline input: %w", err)
	}
	var input StatuslineInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to parse statusline input: %w", err)
	}

	line, err := statuslineFor(ctx, input)
	if err != nil {
		return err
	}
	if line != "" {
		fmt.Fprintln(out, line)
	}
	return nil
}

// statuslineFor returns the line to show, or "" when there is nothing to show.
func statuslineFor(ctx context.Context, input StatuslineInput) (string, error) {
	if input.SessionID == "" || input.Workspace.CurrentDir == "" {
		return "", nil
	}
	if validation.ValidateSessionID(input.SessionID) != nil {
		return "", nil
	}

	ws, err := openWorkspace(input.Workspace.CurrentDir)
	if errors.Is(err, paths.ErrNotWorkspace) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	current, err := session.NewResolver(ws.backend).FindCurrent(ctx, session.NewID(input.SessionID), session.AllScope)
	if errors.Is(err, session.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	title := trailers.Parse(current.Description).Title
	return fmt.Sprintf("%s %s %s", shortID(current.ChangeID), shortID(current.CommitID), title), nil
}

func shortID(id string) string {
	if len(id) > statuslineIDLen {
		return id[:statuslineIDLen]
	}
	return id
}
