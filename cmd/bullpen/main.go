// Package main is the bullpen daemon entry point. Running the bare command
// starts the daemon; database maintenance rides along as subcommands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var cfgDir string

var rootCmd = &cobra.Command{
	Use:   "bullpen",
	Short: "Local orchestrator for fleets of AI coding agents",
	Long: `Bullpen manages autonomous AI coding agents, each working on a GitHub
issue inside its own git worktree and tmux session. The daemon exposes a
REST API and a WebSocket event stream on localhost.

Running bullpen with no subcommand starts the daemon.`,
	Version:      version,
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgDir, "config", "c", "",
		"directory containing config.yaml (also searches . and ~/.bullpen)")
	rootCmd.AddCommand(serveCmd, backupCmd, vacuumCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
