// Package store implements the persistent vector+text store: SQLite rows
// with an FTS5 mirror for full-text retrieval and an in-memory HNSW graph
// for nearest-neighbor search, plus an in-memory fake for tests.
package store

import "context"

// Dim is the dense embedding dimensionality. Rows with any other vector
// length are rejected.
const Dim = 384

// VectorIndexMinRows is the row count below which CreateVectorIndex is a
// no-op: a flat scan is faster and graph construction is not worth it.
const VectorIndexMinRows = 256

// Row is one stored chunk.
type Row struct {
	ID          string
	Path        string
	Hash        string
	Content     string
	StartLine   int
	EndLine     int
	ChunkIndex  int
	IsAnchor    bool
	ContextPrev string
	ContextNext string
	Vector      []float32
}

// Hit is a search result: the row plus a retrieval distance. For vector
// search Distance is cosine distance (lower is closer); for FTS it is the
// negated match rank.
type Hit struct {
	Row      *Row
	Distance float64
}

// Store is the capability set the Syncer and Searcher depend on.
// Implementations: SQLiteStore (disk) and MemoryStore (tests).
type Store interface {
	// Add appends rows. Rows whose vector length differs from Dim are
	// rejected and nothing is written.
	Add(ctx context.Context, rows []*Row) error

	// DeleteByPath removes all rows for one repo-relative path.
	DeleteByPath(ctx context.Context, path string) error

	// VectorSearch returns the top-k rows nearest to vec, optionally
	// restricted to paths with the given prefix.
	VectorSearch(ctx context.Context, vec []float32, k int, pathPrefix string) ([]*Hit, error)

	// FTSSearch returns the top-k rows by full-text match on content.
	FTSSearch(ctx context.Context, query string, k int, pathPrefix string) ([]*Hit, error)

	// CreateFTSIndex ensures the full-text index exists. Idempotent.
	CreateFTSIndex(ctx context.Context) error

	// CreateVectorIndex builds the ANN index when the store is large
	// enough. Idempotent; a no-op below VectorIndexMinRows.
	CreateVectorIndex(ctx context.Context) error

	// CountRows returns the number of stored rows.
	CountRows(ctx context.Context) (int, error)

	// PathSet returns the distinct set of stored paths.
	PathSet(ctx context.Context) (map[string]struct{}, error)

	// Close releases resources.
	Close() error
}
