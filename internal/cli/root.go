// Package cli wires kitops's command-line surface: flag parsing,
// validation, and assembly of the config/state/supervisor stack.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var opts cliOptions

type cliOptions struct {
	stateFile  string
	configFile string
	repoDir    string

	url         string
	branch      string
	action      string
	environment []string

	githubAppID          string
	githubPrivateKeyFile string
	githubStatusContext  string
	intervalStr          string
	timeoutStr           string
	onceOnly             bool
}

var rootCmd = &cobra.Command{
	Use:   "kitops",
	Short: "Reconcile remote Git repositories with local command execution",
	Long: `kitops is a long-running agent that watches one or more Git branches and,
whenever a branch's tip commit changes, runs a configured sequence of
external commands against a fresh checkout of that commit.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(opts)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.stateFile, "state-file", "./state.yaml", "persisted state location")
	flags.StringVar(&opts.configFile, "config-file", "", "task list source (mutually exclusive with --url/--action)")
	flags.StringVar(&opts.repoDir, "repo-dir", "", "parent directory for per-task mirrors (auto-created temp dir if omitted)")
	flags.StringVar(&opts.url, "url", "", "single-task mode: Git URL")
	flags.StringVar(&opts.branch, "branch", "main", "single-task mode: branch")
	flags.StringVar(&opts.action, "action", "", "single-task mode: command, interpreted as /bin/sh -c <action>")
	flags.StringArrayVar(&opts.environment, "environment", nil, "single-task mode: command environment, repeated KEY=VALUE")
	flags.StringVar(&opts.githubAppID, "github-app-id", "", "enable hosted-provider auth: GitHub App id")
	flags.StringVar(&opts.githubPrivateKeyFile, "github-private-key-file", "", "enable hosted-provider auth: GitHub App private key file")
	flags.StringVar(&opts.githubStatusContext, "github-status-context", "", "additionally push commit statuses under this context")
	flags.StringVar(&opts.intervalStr, "interval", "", "poll cadence (e.g. 1h, 30m, 10s); mutually exclusive with --once-only")
	flags.StringVar(&opts.timeoutStr, "timeout", "", "per-run wall-clock budget")
	flags.BoolVar(&opts.onceOnly, "once-only", false, "exit after the first Idle tick")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kitops %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
