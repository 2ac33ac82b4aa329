// Package search implements hybrid retrieval: dense and full-text candidate
// fan-out fused with reciprocal rank fusion, a neural rerank of the fused
// head, and heuristic boosts.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aliou/osgrep/internal/store"
	"github.com/aliou/osgrep/internal/worker"
)

// Fusion and blending constants.
const (
	// CandidateK is the per-source candidate fan-out.
	CandidateK = 200

	// RerankDepth is how many fused candidates get neural rescoring.
	RerankDepth = 50

	// RRFConstant is the smoothing parameter k in 1/(k+rank).
	RRFConstant = 20

	// rerankWeightCode weights the reranker for code-like queries; prose
	// queries lean slightly harder on the reranker.
	rerankWeightCode  = 0.55
	rerankWeightProse = 0.60
)

// queryCacheSize bounds the query-embedding LRU.
const queryCacheSize = 256

// Filter restricts search; the only supported shape is a path prefix.
type Filter struct {
	Key      string
	Operator string
	Value    string
}

// Filters is the filter set attached to a search.
type Filters struct {
	All []Filter
}

// Result is one ranked code span.
type Result struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	NumLines  int     `json:"num_lines"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	IsAnchor  bool    `json:"is_anchor"`
}

// Searcher runs hybrid retrieval against one store.
type Searcher struct {
	store store.Store
	inf   worker.Inference
	cache *lru.Cache[string, []float32]

	candidateK  int
	rerankDepth int
	rrfConstant int
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithTuning overrides the candidate fan-out, rerank depth, and RRF
// smoothing constant. Zero values keep the defaults.
func WithTuning(candidateK, rerankDepth, rrfConstant int) Option {
	return func(s *Searcher) {
		if candidateK > 0 {
			s.candidateK = candidateK
		}
		if rerankDepth > 0 {
			s.rerankDepth = rerankDepth
		}
		if rrfConstant > 0 {
			s.rrfConstant = rrfConstant
		}
	}
}

// NewSearcher creates a Searcher. A nil store is allowed and yields empty
// results, covering repositories that have never been indexed.
func NewSearcher(st store.Store, inf worker.Inference, opts ...Option) (*Searcher, error) {
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	s := &Searcher{
		store:       st,
		inf:         inf,
		cache:       cache,
		candidateK:  CandidateK,
		rerankDepth: RerankDepth,
		rrfConstant: RRFConstant,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Search returns at most limit results sorted by descending score.
func (s *Searcher) Search(ctx context.Context, query string, limit int, filters Filters) ([]Result, error) {
	if s.store == nil || strings.TrimSpace(query) == "" || limit <= 0 {
		return []Result{}, nil
	}

	prefix := pathPrefix(filters)

	qvec, err := s.encodeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	// Candidate fan-out: both sources in parallel, degrading to whichever
	// succeeded if one fails.
	var vecHits, ftsHits []*store.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var verr error
		vecHits, verr = s.store.VectorSearch(gctx, qvec, s.candidateK, prefix)
		if verr != nil {
			slog.Warn("vector_search_failed", slog.String("error", verr.Error()))
		}
		return nil
	})
	g.Go(func() error {
		var ferr error
		ftsHits, ferr = s.store.FTSSearch(gctx, query, s.candidateK, prefix)
		if ferr != nil {
			slog.Warn("fts_search_failed", slog.String("error", ferr.Error()))
		}
		return nil
	})
	_ = g.Wait()

	fused := fuse(s.rrfConstant, vecHits, ftsHits)
	if len(fused) == 0 {
		return []Result{}, nil
	}

	s.rescore(ctx, query, fused)

	for _, c := range fused {
		c.score += boosts(query, c.row)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].key() < fused[j].key()
	})

	if len(fused) > limit {
		fused = fused[:limit]
	}

	results := make([]Result, len(fused))
	for i, c := range fused {
		results[i] = Result{
			Path:      c.row.Path,
			StartLine: c.row.StartLine,
			NumLines:  c.row.EndLine - c.row.StartLine + 1,
			Text:      c.row.ContextPrev + c.row.Content + c.row.ContextNext,
			Score:     c.score,
			IsAnchor:  c.row.IsAnchor,
		}
	}
	return results, nil
}

// encodeQuery embeds the query once, serving repeats from the LRU.
func (s *Searcher) encodeQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := s.cache.Get(query); ok {
		return vec, nil
	}
	vec, err := s.inf.EncodeQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	s.cache.Add(query, vec)
	return vec, nil
}

// candidate tracks one fused row through scoring.
type candidate struct {
	row   *store.Row
	rrf   float64
	score float64
}

func (c *candidate) key() string {
	return fmt.Sprintf("%s:%d", c.row.Path, c.row.StartLine)
}

// fuse applies reciprocal rank fusion across the two candidate lists,
// keyed by (path, start_line). The first occurrence of a key supplies the
// record; scores sum, so fusion is commutative in its inputs.
func fuse(rrfConstant int, lists ...[]*store.Hit) []*candidate {
	byKey := make(map[string]*candidate)
	var order []string

	for _, list := range lists {
		for rank, hit := range list {
			rrf := 1.0 / float64(rrfConstant+rank+1)
			key := fmt.Sprintf("%s:%d", hit.Row.Path, hit.Row.StartLine)
			if c, ok := byKey[key]; ok {
				c.rrf += rrf
			} else {
				byKey[key] = &candidate{row: hit.Row, rrf: rrf}
				order = append(order, key)
			}
		}
	}

	fused := make([]*candidate, 0, len(byKey))
	for _, key := range order {
		fused = append(fused, byKey[key])
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].rrf != fused[j].rrf {
			return fused[i].rrf > fused[j].rrf
		}
		return fused[i].key() < fused[j].key()
	})
	return fused
}

// rescore blends normalized RRF with neural rerank scores over the fused
// head. A reranker failure falls back to pure RRF ordering; candidates
// beyond the head keep their RRF-only blend.
func (s *Searcher) rescore(ctx context.Context, query string, fused []*candidate) {
	maxRRF := fused[0].rrf
	for _, c := range fused {
		if c.rrf > maxRRF {
			maxRRF = c.rrf
		}
	}

	head := fused
	if len(head) > s.rerankDepth {
		head = head[:s.rerankDepth]
	}

	docs := make([]string, len(head))
	for i, c := range head {
		docs[i] = c.row.Content
	}

	wr := rerankWeightProse
	if looksCodeLike(query) {
		wr = rerankWeightCode
	}

	scores, err := s.inf.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(head) {
		if err != nil {
			slog.Warn("rerank_failed", slog.String("error", err.Error()))
		}
		for _, c := range fused {
			c.score = c.rrf / maxRRF
		}
		return
	}

	maxRerank := 0.0
	for _, sc := range scores {
		if sc > maxRerank {
			maxRerank = sc
		}
	}

	for i, c := range head {
		rerank := 0.0
		if maxRerank > 0 {
			rerank = scores[i] / maxRerank
		}
		c.score = wr*rerank + (1-wr)*(c.rrf/maxRRF)
	}
	for _, c := range fused[len(head):] {
		c.score = (1 - wr) * (c.rrf / maxRRF)
	}
}

// looksCodeLike reports whether the query reads as a code reference rather
// than prose: capitals, underscores, backticks, parens, or slashes.
func looksCodeLike(query string) bool {
	return strings.ContainsAny(query, "ABCDEFGHIJKLMNOPQRSTUVWXYZ_`()/")
}

// pathPrefix extracts the supported starts_with filter on path.
func pathPrefix(filters Filters) string {
	for _, f := range filters.All {
		if f.Key == "path" && f.Operator == "starts_with" {
			return f.Value
		}
	}
	return ""
}
