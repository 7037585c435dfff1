package cli

import (
	"fmt"
	"runtime"

	"github.com/schpet/jjagent/cmd/jjagent/cli/settings"
	"github.com/schpet/jjagent/cmd/jjagent/cli/telemetry"
	"github.com/spf13/cobra"
)

const longDescription = `jjagent keeps a coding agent's edits in their own jj change.

Each agent session gets a session change that sits below your working-copy
change. Before every file edit the agent's hook moves @ onto a scratch
"precommit"; afterwards the edit is squashed into the session change and @
returns to your commit. Edits that would conflict become a new numbered part
of the session instead.

Install the hooks for Claude Code by pointing PreToolUse, PostToolUse and
Stop at:

  jjagent hooks claude pre-tool-use
  jjagent hooks claude post-tool-use
  jjagent hooks claude stop
`

const environmentHelp = `
Environment Variables:
  JJAGENT_DISABLE       Set to 1 to make every hook a pass-through.
  JJAGENT_LOCK_TIMEOUT  How long a hook waits for the working-copy lock (e.g. 30s).
  JJAGENT_LOG           Set to 1 to log to $XDG_CACHE_HOME/jjagent/jjagent.jsonl.
  JJAGENT_LOG_FILE      Log to this file instead.
  JJAGENT_LOG_LEVEL     debug, info, warn or error.
  ACCESSIBLE            Set to any value to use plain text prompts instead
                        of interactive TUI elements.
`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jjagent",
		Short: "Track coding agent sessions as jj changes",
		Long:  longDescription + environmentHelp,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// Settings errors are ignored here; nil telemetry means disabled.
			s, err := settings.Load()
			if err != nil {
				s = settings.Default()
			}
			client := telemetry.NewClient(Version, s.Telemetry)
			defer client.Close()
			client.TrackCommand(cmd, s.Enabled)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newHooksCmd())
	cmd.AddCommand(newClaudeCmd())
	cmd.AddCommand(newChangeIDCmd())
	cmd.AddCommand(newSessionIDCmd())
	cmd.AddCommand(newDescribeCmd())
	cmd.AddCommand(newSplitCmd())
	cmd.AddCommand(newIntoCmd())
	cmd.AddCommand(newIssueCmd())
	cmd.AddCommand(newLockCmd())
	cmd.AddCommand(newStatuslineCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "jjagent %s (%s)\n", Version, Commit)
			fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
