package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scriptcore",
		Short: "scriptcore - resilient execution of scripts in a stateful session",
		Long: `scriptcore runs Starlark scripts against one long-lived session and keeps
that session healthy.

Features:
  - Globals persist between scripts in the same session
  - Serialized, cancellable execution with streamed output
  - Error classification into stable codes
  - Retry with exponential backoff and jitter for transient failures
  - Circuit breaker around the session's dependency
  - Corruption detection and session recovery
  - Rego admission policies and an execution journal`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print verbose script messages")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newShellCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
