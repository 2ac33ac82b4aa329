// Package cmd implements the osgrep command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/logging"
)

var logCleanup func()

var rootCmd = &cobra.Command{
	Use:   "osgrep",
	Short: "Local semantic code search",
	Long: `osgrep indexes a repository once and then answers natural-language
queries with ranked code spans. Index with "osgrep index", query with
"osgrep search", or run the HTTP shell with "osgrep serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The worker subcommand must keep stdout clean for the RPC stream.
		if cmd.Name() == "worker" {
			return nil
		}
		cleanup, err := logging.SetupDefault()
		if err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		logCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			logCleanup()
		}
	},
}

// Execute runs the command tree.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workerCmd)
}
