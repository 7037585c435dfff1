package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schpet/jjagent/cmd/jjagent/cli/coordinator"
	"github.com/schpet/jjagent/cmd/jjagent/cli/logging"
	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/schpet/jjagent/cmd/jjagent/cli/settings"
	"github.com/schpet/jjagent/cmd/jjagent/cli/telemetry"
	"github.com/spf13/cobra"
)

// Claude Code hook names.
const (
	HookNamePreToolUse  = "pre-tool-use"
	HookNamePostToolUse = "post-tool-use"
	HookNameStop        = "stop"
)

// hookAliases keeps the event names used by earlier releases working.
var hookAliases = map[string][]string{
	HookNamePreToolUse:  {"PreToolUse"},
	HookNamePostToolUse: {"PostToolUse"},
	HookNameStop:        {"Stop"},
}

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hooks",
		Short:  "Hook handlers",
		Long:   "Commands called by agent hooks. These are internal and not for direct user use.",
		Hidden: true,
	}

	claude := &cobra.Command{
		Use:     "claude",
		Aliases: []string{"claude-code"},
		Short:   "Claude Code hook handlers",
		Hidden:  true,
	}
	for _, name := range []string{HookNamePreToolUse, HookNamePostToolUse, HookNameStop} {
		claude.AddCommand(newHookVerbCmd(name))
	}
	cmd.AddCommand(claude)

	return cmd
}

// newClaudeCmd serves the "claude hooks <Event>" form written into Claude
// Code settings by earlier releases.
func newClaudeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "claude",
		Short:  "Claude Code integration",
		Hidden: true,
	}
	hooks := &cobra.Command{
		Use:    "hooks",
		Short:  "Claude Code hook handlers",
		Hidden: true,
	}
	for _, name := range []string{HookNamePreToolUse, HookNamePostToolUse, HookNameStop} {
		hooks.AddCommand(newHookVerbCmd(name))
	}
	cmd.AddCommand(hooks)
	return cmd
}

func newHookVerbCmd(hookName string) *cobra.Command {
	return &cobra.Command{
		Use:     hookName,
		Aliases: hookAliases[hookName],
		Short:   "Called on " + hookName,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHook(cmd.Context(), hookName, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runHook handles one hook invocation. Every path writes exactly one
// HookResponse to out. Outside a jj workspace, or when disabled, the hook
// is a silent pass-through.
func runHook(ctx context.Context, hookName string, in io.Reader, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	input, err := parseHookInput(in)
	if err != nil {
		return failHook(out, errOut, fmt.Errorf("reading %s hook input: %w", hookName, err))
	}

	if settings.DisabledByEnv() {
		return writeHookResponse(out, continueResponse())
	}

	ws, err := openWorkspace(input.Cwd)
	if errors.Is(err, paths.ErrNotWorkspace) {
		return writeHookResponse(out, continueResponse())
	}
	if err != nil {
		return failHook(out, errOut, err)
	}
	if !ws.settings.Enabled {
		return writeHookResponse(out, continueResponse())
	}

	logging.SetLogLevelGetter(func() string { return ws.settings.LogLevel })
	if err := logging.Init(input.SessionID); err != nil {
		return failHook(out, errOut, err)
	}
	defer logging.Close()

	ctx = logging.WithHook(logging.WithComponent(ctx, "hooks"), hookName)
	ctx = logging.WithTool(ctx, input.ToolName)
	logging.Debug(ctx, "hook invoked")

	opts, err := ws.lockOptions(errOut)
	if err != nil {
		return failHook(out, errOut, err)
	}
	coord := coordinator.New(ws.backend, ws.root,
		coordinator.WithLockOptions(opts),
		coordinator.WithScope(ws.settings.Scope()),
	)

	req := coordinator.Request{
		SessionID: input.SessionID,
		Tool:      input.ToolName,
		ToolUseID: input.ToolUseID,
	}
	var res coordinator.Result
	switch hookName {
	case HookNamePreToolUse:
		res, err = coord.PreEdit(ctx, req)
	case HookNamePostToolUse:
		res, err = coord.PostEdit(ctx, req)
	case HookNameStop:
		res, err = coord.Stop(ctx, req)
	default:
		err = fmt.Errorf("unknown hook %q", hookName)
	}

	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
	}
	logging.LogDuration(ctx, slog.LevelDebug, "hook completed", start,
		slog.String("outcome", outcome),
		slog.Bool("success", err == nil),
	)
	trackHook(ws.settings, hookName, outcome, time.Since(start))

	if err != nil {
		logging.Error(ctx, "hook failed", slog.String("error", err.Error()))
		return failHook(out, errOut, err)
	}

	if res.Outcome == coordinator.OutcomeRolledBack {
		fmt.Fprintf(errOut, "jjagent: edit conflicted with later changes; kept as new session part %s\n", res.Session)
	}
	return writeHookResponse(out, continueResponse())
}

// failHook reports err to the agent and the operator, then returns a
// SilentError so main does not print it a second time.
func failHook(out, errOut io.Writer, err error) error {
	fmt.Fprintf(errOut, "jjagent: %v\n", err)
	if writeErr := writeHookResponse(out, stopResponse(err.Error())); writeErr != nil {
		return writeErr
	}
	return NewSilentError(err)
}

func trackHook(s *settings.Settings, hookName, outcome string, elapsed time.Duration) {
	client := telemetry.NewClient(Version, s.Telemetry)
	defer client.Close()
	client.TrackHook(hookName, outcome, elapsed)
}
