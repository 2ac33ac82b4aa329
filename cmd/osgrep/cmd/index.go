package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/config"
	"github.com/aliou/osgrep/internal/meta"
	"github.com/aliou/osgrep/internal/store"
	"github.com/aliou/osgrep/internal/syncer"
	"github.com/aliou/osgrep/internal/worker"
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a repository for semantic search",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		dataDir, err := cfg.DataDir()
		if err != nil {
			return err
		}
		st, err := store.Open(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		metaPath, err := config.MetaPath()
		if err != nil {
			return err
		}

		pool := worker.NewPool(worker.PoolOptions{
			Workers:     cfg.Workers.Count,
			Timeout:     cfg.WorkerTimeout(),
			MaxRSSBytes: int64(cfg.Workers.MaxRSSMB) * 1024 * 1024,
		})
		defer pool.Destroy()

		tty := isatty.IsTerminal(os.Stderr.Fd())
		start := time.Now()

		report, err := syncer.Sync(cmd.Context(), syncer.Options{
			ProjectRoot:    root,
			Store:          st,
			Meta:           meta.NewStore(metaPath),
			Inference:      pool,
			Workers:        cfg.Workers.Count,
			EmbedBatchSize: cfg.Index.EmbedBatchSize,
			FlushRows:      cfg.Index.FlushRows,
			OnProgress: func(p syncer.Progress) {
				if tty && p.Phase == syncer.PhaseIndex {
					fmt.Fprintf(os.Stderr, "\r%s %d/%d %s\033[K",
						p.Phase, p.Processed, p.Total, p.CurrentPath)
				}
			},
		})
		if tty {
			fmt.Fprint(os.Stderr, "\r\033[K")
		}
		if err != nil {
			return err
		}

		fmt.Printf("scanned %d files in %s: %d new, %d changed, %d unchanged, %d stale, %d indexed, %d errors\n",
			report.Scanned, time.Since(start).Round(time.Millisecond),
			report.New, report.Changed, report.Unchanged, report.Stale,
			report.Indexed, report.Errors)
		return nil
	},
}
