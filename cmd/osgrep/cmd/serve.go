package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/config"
	"github.com/aliou/osgrep/internal/meta"
	"github.com/aliou/osgrep/internal/search"
	"github.com/aliou/osgrep/internal/server"
	"github.com/aliou/osgrep/internal/store"
	"github.com/aliou/osgrep/internal/syncer"
	"github.com/aliou/osgrep/internal/watcher"
	"github.com/aliou/osgrep/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Run the HTTP search server for a repository",
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
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
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
		metaStore := meta.NewStore(metaPath)

		pool := worker.NewPool(worker.PoolOptions{
			Workers:     cfg.Workers.Count,
			Timeout:     cfg.WorkerTimeout(),
			MaxRSSBytes: int64(cfg.Workers.MaxRSSMB) * 1024 * 1024,
		})
		defer pool.Destroy()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		syncOpts := syncer.Options{
			ProjectRoot:    root,
			Store:          st,
			Meta:           metaStore,
			Inference:      pool,
			Workers:        cfg.Workers.Count,
			EmbedBatchSize: cfg.Index.EmbedBatchSize,
			FlushRows:      cfg.Index.FlushRows,
		}

		// Initial sync to readiness before accepting queries.
		report, err := syncer.Sync(ctx, syncOpts)
		if err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
		slog.Info("initial_sync_complete",
			slog.Int("indexed", report.Indexed), slog.Int("errors", report.Errors))

		if cfg.Index.Watch {
			w, werr := watcher.New(root)
			if werr != nil {
				slog.Warn("watch_unavailable", slog.String("error", werr.Error()))
			} else {
				go w.Run(ctx)
				go resyncOnEvents(ctx, w, syncOpts)
			}
		}

		searcher, err := search.NewSearcher(st, pool,
			search.WithTuning(cfg.Search.CandidateK, cfg.Search.RerankDepth, cfg.Search.RRFConstant))
		if err != nil {
			return err
		}
		srv, err := server.New(root, searcher)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "osgrep serving on port %d\n", port)
		return srv.ListenAndServe(ctx, port)
	},
}

// resyncOnEvents re-runs the same sync diff whenever the watcher emits a
// debounced batch. Watch mode is a repeat of the diff algorithm on a
// trigger, not a separate state machine.
func resyncOnEvents(ctx context.Context, w *watcher.Watcher, opts syncer.Options) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			slog.Debug("watch_resync", slog.Int("events", len(batch)))
			if _, err := syncer.Sync(ctx, opts); err != nil {
				slog.Warn("watch_resync_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config or OSGREP_PORT)")
}
