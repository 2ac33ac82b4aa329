// Package syncer orchestrates indexing runs: enumerate, diff against the
// meta-store, delete stale rows, chunk and embed changed files with bounded
// concurrency, and finalize indexes.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aliou/osgrep/internal/chunk"
	"github.com/aliou/osgrep/internal/lock"
	"github.com/aliou/osgrep/internal/logging"
	"github.com/aliou/osgrep/internal/meta"
	"github.com/aliou/osgrep/internal/scanner"
	"github.com/aliou/osgrep/internal/store"
	"github.com/aliou/osgrep/internal/worker"
)

// Progress phases reported to OnProgress.
const (
	PhaseEnumerate = "enumerate"
	PhaseIndex     = "index"
	PhaseFinalize  = "finalize"
)

// Progress is one progress callback payload.
type Progress struct {
	Phase       string
	Processed   int
	Total       int
	CurrentPath string
}

// Report summarizes a sync run.
type Report struct {
	Scanned   int
	New       int
	Changed   int
	Unchanged int
	Stale     int
	Indexed   int
	Errors    int
}

// Options configures a sync run.
type Options struct {
	ProjectRoot string
	Store       store.Store
	Meta        *meta.Store
	Inference   worker.Inference

	// Workers sizes the pipeline: in-flight files are capped at 2×Workers.
	Workers int

	// EmbedBatchSize is the number of chunk texts per embed request.
	EmbedBatchSize int

	// FlushRows caps buffered rows between store.Add calls.
	FlushRows int

	OnProgress func(Progress)
}

// Sync runs one indexing pass. Per-file errors are contained; lock and
// schema errors abort. On context cancellation it stops scheduling new
// files, drains outstanding work, flushes produced rows, and releases the
// lock before returning ctx.Err().
func Sync(ctx context.Context, opts Options) (*Report, error) {
	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = worker.DefaultEmbedBatchSize
	}
	if opts.FlushRows <= 0 {
		opts.FlushRows = 500
	}
	if opts.OnProgress == nil {
		opts.OnProgress = func(Progress) {}
	}

	held, err := lock.Acquire(filepath.Join(root, ".osgrep"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			slog.Warn("lock_release_failed", slog.String("error", rerr.Error()))
		}
	}()

	report := &Report{}

	// Enumerate.
	sc, err := scanner.New()
	if err != nil {
		return nil, err
	}
	opts.OnProgress(Progress{Phase: PhaseEnumerate})
	paths, err := sc.Scan(ctx, root, scanner.Options{})
	if err != nil {
		return report, err
	}
	report.Scanned = len(paths)
	opts.OnProgress(Progress{Phase: PhaseEnumerate, Total: len(paths), Processed: len(paths)})

	if err := opts.Meta.Load(); err != nil {
		return report, err
	}

	// Diff against the meta-store.
	type job struct {
		abs    string
		rel    string
		digest string
		data   []byte
	}
	var jobs []job
	onDisk := make(map[string]struct{}, len(paths))
	for _, abs := range paths {
		rel, relErr := filepath.Rel(root, abs)
		if relErr != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		onDisk[abs] = struct{}{}

		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			slog.Warn("file_read_failed",
				slog.String("path", rel), slog.String("error", readErr.Error()))
			report.Errors++
			continue
		}
		digest := meta.Digest(data)

		switch prev, ok := opts.Meta.Get(abs); {
		case !ok:
			report.New++
			jobs = append(jobs, job{abs: abs, rel: rel, digest: digest, data: data})
		case prev != digest:
			report.Changed++
			jobs = append(jobs, job{abs: abs, rel: rel, digest: digest, data: data})
		default:
			report.Unchanged++
		}
	}

	// Delete stale rows: tracked paths under this root that are gone from
	// disk, plus any store drift from an interrupted earlier run.
	stale := make(map[string]string) // abs -> rel
	prefix := root + string(filepath.Separator)
	for _, abs := range opts.Meta.Paths() {
		if !strings.HasPrefix(abs, prefix) {
			continue
		}
		if _, ok := onDisk[abs]; !ok {
			rel, relErr := filepath.Rel(root, abs)
			if relErr == nil {
				stale[abs] = filepath.ToSlash(rel)
			}
		}
	}
	if storePaths, perr := opts.Store.PathSet(ctx); perr == nil {
		for rel := range storePaths {
			abs := filepath.Join(root, filepath.FromSlash(rel))
			if _, ok := onDisk[abs]; !ok {
				stale[abs] = rel
			}
		}
	}
	for abs, rel := range stale {
		if err := opts.Store.DeleteByPath(ctx, rel); err != nil {
			return report, fmt.Errorf("delete stale path %s: %w", rel, err)
		}
		opts.Meta.Delete(abs)
		report.Stale++
	}

	// Index new and changed files with bounded concurrency.
	var (
		mu        sync.Mutex
		buffer    []*store.Row
		processed int
	)
	// Flushes survive cancellation: rows already produced are written out.
	flushCtx := context.WithoutCancel(ctx)
	flush := func() error {
		mu.Lock()
		rows := buffer
		buffer = nil
		mu.Unlock()
		if len(rows) == 0 {
			return nil
		}
		return opts.Store.Add(flushCtx, rows)
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(2 * opts.Workers)

	for _, j := range jobs {
		// Cooperative cancellation: stop scheduling, let in-flight finish.
		if ctx.Err() != nil {
			break
		}
		j := j
		g.Go(func() error {
			start := time.Now()
			rows, ferr := indexFile(gctx, opts.Inference, opts.EmbedBatchSize, j.rel, j.digest, j.data)
			if ferr != nil {
				slog.Warn("file_index_failed",
					slog.String("path", j.rel), slog.String("error", ferr.Error()))
				mu.Lock()
				report.Errors++
				mu.Unlock()
				return nil
			}
			if logging.Profiling() {
				slog.Debug("file_indexed",
					slog.String("path", j.rel),
					slog.Int("chunks", len(rows)),
					slog.Duration("took", time.Since(start)))
			}

			// Atomic replacement: the path's old rows go before its new
			// rows are buffered.
			if derr := opts.Store.DeleteByPath(gctx, j.rel); derr != nil {
				mu.Lock()
				report.Errors++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			buffer = append(buffer, rows...)
			needFlush := len(buffer) >= opts.FlushRows
			opts.Meta.Set(j.abs, j.digest)
			report.Indexed++
			processed++
			p := Progress{Phase: PhaseIndex, Processed: processed, Total: len(jobs), CurrentPath: j.rel}
			mu.Unlock()

			opts.OnProgress(p)
			if needFlush {
				return flush()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = flush()
		_ = opts.Meta.Save()
		return report, err
	}
	if err := flush(); err != nil {
		return report, err
	}

	if ctx.Err() != nil {
		_ = opts.Meta.Save()
		return report, ctx.Err()
	}

	// Post-index: both index builds are idempotent.
	opts.OnProgress(Progress{Phase: PhaseFinalize, Processed: len(jobs), Total: len(jobs)})
	if err := opts.Store.CreateFTSIndex(ctx); err != nil {
		return report, fmt.Errorf("create fts index: %w", err)
	}
	if err := opts.Store.CreateVectorIndex(ctx); err != nil {
		return report, fmt.Errorf("create vector index: %w", err)
	}

	if err := opts.Meta.Save(); err != nil {
		return report, err
	}
	return report, nil
}

// indexFile chunks one file, embeds its pieces in batches, and assembles
// rows with neighbor context filled in.
func indexFile(ctx context.Context, inf worker.Inference, batchSize int, rel, digest string, data []byte) ([]*store.Row, error) {
	chunker := chunk.NewChunker()
	defer chunker.Close()

	pieces, err := chunker.Chunk(ctx, rel, data)
	if err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, nil
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].ChunkIndex < pieces[j].ChunkIndex })

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := inf.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	rows := make([]*store.Row, len(pieces))
	for i, p := range pieces {
		row := &store.Row{
			ID:         uuid.NewString(),
			Path:       rel,
			Hash:       digest,
			Content:    p.Content,
			StartLine:  p.StartLine,
			EndLine:    p.EndLine,
			ChunkIndex: p.ChunkIndex,
			IsAnchor:   p.IsAnchor,
			Vector:     vectors[i],
		}
		if i > 0 {
			row.ContextPrev = pieces[i-1].Content
		}
		if i < len(pieces)-1 {
			row.ContextNext = pieces[i+1].Content
		}
		rows[i] = row
	}
	return rows, nil
}
