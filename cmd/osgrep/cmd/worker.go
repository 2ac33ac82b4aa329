package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/worker"
)

// workerCmd is the hidden entry point the pool spawns. It speaks JSON-RPC
// over stdio, so nothing else may write to stdout in this process.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worker.Serve(cmd.Context())
	},
}
