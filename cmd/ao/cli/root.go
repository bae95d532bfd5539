// Package cli wires the orchestrator engine to its command surface.
// Commands stay thin: argument parsing and output formatting only, the
// engine semantics live in the library packages.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	// Builtin plugins register themselves from init().
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/claudecode"
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/githubscm"
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/githubtracker"
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/gitworkspace"
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/notify"
	_ "github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/procruntime"
)

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// configPath is the persistent --config flag value.
var configPath string

// NewRootCmd builds the ao command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ao",
		Short: "Supervise coding-agent sessions",
		Long: "ao spawns AI coding agents against isolated worktrees, watches their\n" +
			"terminals, CI, and reviews, and nudges or escalates when they drift.",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.agent-orchestrator/config.yaml)")

	cmd.AddCommand(newSpawnCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newKillCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ao %s (%s) %s/%s\n", Version, Commit, runtime.GOOS, runtime.GOARCH)
		},
	}
}
