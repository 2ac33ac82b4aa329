package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aliou/osgrep/internal/oserr"
)

// MemoryStore is the in-memory Store used by Syncer and Searcher tests.
// It mirrors SQLiteStore semantics: dimension checks on Add, cosine-distance
// vector search, token-overlap full-text ranking.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Row // by ID

	// FailFTS and FailVector force the respective search to error, for
	// degradation tests.
	FailFTS    bool
	FailVector bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

// Add appends rows after dimension validation.
func (s *MemoryStore) Add(ctx context.Context, rows []*Row) error {
	for _, r := range rows {
		if len(r.Vector) != Dim {
			return oserr.Newf(oserr.CodeDimensionMismatch,
				"row %s: expected %d dimensions, got %d", r.ID, Dim, len(r.Vector))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cp := *r
		s.rows[r.ID] = &cp
	}
	return nil
}

// DeleteByPath removes all rows for path.
func (s *MemoryStore) DeleteByPath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.Path == path {
			delete(s.rows, id)
		}
	}
	return nil
}

// VectorSearch returns top-k rows by cosine distance.
func (s *MemoryStore) VectorSearch(ctx context.Context, vec []float32, k int, pathPrefix string) ([]*Hit, error) {
	if s.FailVector {
		return nil, oserr.New(oserr.CodeInternal, "vector search forced failure")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []*Hit
	for _, r := range s.rows {
		if pathPrefix != "" && !strings.HasPrefix(r.Path, pathPrefix) {
			continue
		}
		hits = append(hits, &Hit{Row: r, Distance: cosineDistance(vec, r.Vector)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// FTSSearch ranks rows by how many query terms their content contains.
func (s *MemoryStore) FTSSearch(ctx context.Context, query string, k int, pathPrefix string) ([]*Hit, error) {
	if s.FailFTS {
		return nil, oserr.New(oserr.CodeInternal, "fts search forced failure")
	}

	terms := ftsTokenRe.FindAllString(strings.ToLower(query), -1)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []*Hit
	for _, r := range s.rows {
		if pathPrefix != "" && !strings.HasPrefix(r.Path, pathPrefix) {
			continue
		}
		content := strings.ToLower(r.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		// Negated so lower is better, mirroring bm25() ordering.
		hits = append(hits, &Hit{Row: r, Distance: -float64(matched)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// CreateFTSIndex is a no-op.
func (s *MemoryStore) CreateFTSIndex(ctx context.Context) error { return nil }

// CreateVectorIndex is a no-op.
func (s *MemoryStore) CreateVectorIndex(ctx context.Context) error { return nil }

// CountRows returns the row count.
func (s *MemoryStore) CountRows(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// PathSet returns the distinct stored paths.
func (s *MemoryStore) PathSet(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, r := range s.rows {
		set[r.Path] = struct{}{}
	}
	return set, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Rows returns a snapshot of all rows, for test assertions.
func (s *MemoryStore) Rows() []*Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Row, 0, len(s.rows))
	for _, r := range s.rows {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// RowsForPath returns rows for one path ordered by chunk index.
func (s *MemoryStore) RowsForPath(path string) []*Row {
	var out []*Row
	for _, r := range s.Rows() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func sortHits(hits []*Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Row.ID < hits[j].Row.ID
	})
}
