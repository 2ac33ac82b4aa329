package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/config"
	"github.com/aliou/osgrep/internal/oserr"
	"github.com/aliou/osgrep/internal/search"
	"github.com/aliou/osgrep/internal/store"
	"github.com/aliou/osgrep/internal/worker"
)

var (
	searchLimit int
	searchPath  string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index with a natural-language query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dataDir, err := cfg.DataDir()
		if err != nil {
			return err
		}

		st, err := store.OpenIfExists(dataDir)
		if err != nil {
			if oserr.HasCode(err, oserr.CodeStoreMissing) {
				// No index yet: empty results, not an error.
				return printResults(nil)
			}
			return err
		}
		defer st.Close()

		// Rebuild the ANN index for large stores; a no-op otherwise.
		if err := st.CreateVectorIndex(cmd.Context()); err != nil {
			return err
		}

		pool := worker.NewPool(worker.PoolOptions{
			Workers:     cfg.Workers.Count,
			Timeout:     cfg.WorkerTimeout(),
			MaxRSSBytes: int64(cfg.Workers.MaxRSSMB) * 1024 * 1024,
		})
		defer pool.Destroy()

		searcher, err := search.NewSearcher(st, pool,
			search.WithTuning(cfg.Search.CandidateK, cfg.Search.RerankDepth, cfg.Search.RRFConstant))
		if err != nil {
			return err
		}

		var filters search.Filters
		if searchPath != "" {
			filters.All = append(filters.All, search.Filter{
				Key: "path", Operator: "starts_with", Value: searchPath,
			})
		}

		results, err := searcher.Search(cmd.Context(), query, searchLimit, filters)
		if err != nil {
			return err
		}
		return printResults(results)
	},
}

// printResults emits TSV when piped and an aligned table on a TTY.
func printResults(results []search.Result) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		for _, r := range results {
			fmt.Printf("%s\t%d\t%d\t%.4f\t%s\n",
				r.Path, r.StartLine, r.NumLines, r.Score, firstLine(r.Text))
		}
		return nil
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(w, "%s:%d\t%.4f\t%s\n", r.Path, r.StartLine, r.Score, firstLine(r.Text))
	}
	return w.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringVarP(&searchPath, "path", "p", "", "restrict results to a path prefix")
}
