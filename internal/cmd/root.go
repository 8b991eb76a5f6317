// Package cmd implements the ccbridge CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ccbridge",
	Short: "Bridge CLI coding sessions into Telegram",
	Long: `ccbridge mirrors interactive CLI coding sessions into a Telegram forum
chat, one topic per session, and injects chat replies back into the
originating tmux pane.

Hook scripts emit events over a unix socket; the daemon correlates them
to sessions, creates a forum topic per session, and renders events as
messages. Replies in a topic are typed back into the pane that owns it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ccbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ccbridge %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
