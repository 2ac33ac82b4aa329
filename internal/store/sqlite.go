package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/aliou/osgrep/internal/oserr"
)

// DBFileName is the SQLite file inside the store directory.
const DBFileName = "chunks.db"

// canonicalSchema is the current chunks table definition. Opening a store
// whose table predates the context columns triggers a one-shot migration.
const canonicalSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	hash TEXT NOT NULL,
	content TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	is_anchor INTEGER NOT NULL DEFAULT 0,
	context_prev TEXT NOT NULL DEFAULT '',
	context_next TEXT NOT NULL DEFAULT '',
	vector BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(content, id UNINDEXED);
`

// SQLiteStore is the disk-backed Store: rows and FTS5 in SQLite, ANN in an
// in-memory HNSW graph rebuilt by CreateVectorIndex.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dir    string
	index  *vectorIndex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the store under dir, migrating the schema when an
// older table layout is found.
func Open(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	path := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}

	s := &SQLiteStore{db: db, dir: dir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenIfExists opens the store only when its database file already exists.
// A missing store yields a StoreMissing error so the searcher can return
// empty results instead of creating tables as a side effect.
func OpenIfExists(dir string) (*SQLiteStore, error) {
	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, oserr.Newf(oserr.CodeStoreMissing, "no index at %s", dir)
		}
		return nil, err
	}
	return Open(dir)
}

// migrate ensures the canonical schema, rewriting the table when required
// columns are missing. The rewrite is guarded by a cross-process flock so
// only one opener performs it.
func (s *SQLiteStore) migrate() error {
	cols, err := s.tableColumns("chunks")
	if err != nil {
		return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "inspect schema", err)
	}

	if len(cols) > 0 && (!cols["context_prev"] || !cols["context_next"]) {
		guard := flock.New(filepath.Join(s.dir, ".migrate.lock"))
		if err := guard.Lock(); err != nil {
			return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "acquire migration lock", err)
		}
		defer func() { _ = guard.Unlock() }()

		// Re-check under the lock: another process may have finished.
		cols, err = s.tableColumns("chunks")
		if err != nil {
			return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "inspect schema", err)
		}
		if len(cols) > 0 && (!cols["context_prev"] || !cols["context_next"]) {
			if err := s.rewriteTable(cols); err != nil {
				return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "rewrite chunks table", err)
			}
		}
	}

	if _, err := s.db.Exec(canonicalSchema); err != nil {
		return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "create schema", err)
	}
	if _, err := s.db.Exec(ftsSchema); err != nil {
		return oserr.Wrap(oserr.CodeSchemaMigrationFailed, "create fts schema", err)
	}
	return nil
}

func (s *SQLiteStore) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// rewriteTable reads every row from the legacy layout, recreates the table
// with the canonical schema, and reinserts with missing columns as "".
func (s *SQLiteStore) rewriteTable(oldCols map[string]bool) error {
	slog.Info("store_schema_migration_start", slog.String("dir", s.dir))

	selectCols := []string{"id", "path", "hash", "content", "start_line", "end_line", "chunk_index", "is_anchor", "vector"}
	hasPrev, hasNext := oldCols["context_prev"], oldCols["context_next"]
	if hasPrev {
		selectCols = append(selectCols, "context_prev")
	}
	if hasNext {
		selectCols = append(selectCols, "context_next")
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM chunks", strings.Join(selectCols, ", ")))
	if err != nil {
		return err
	}

	var all []*Row
	for rows.Next() {
		r := &Row{}
		var isAnchor int
		var blob []byte
		dest := []any{&r.ID, &r.Path, &r.Hash, &r.Content, &r.StartLine, &r.EndLine, &r.ChunkIndex, &isAnchor, &blob}
		if hasPrev {
			dest = append(dest, &r.ContextPrev)
		}
		if hasNext {
			dest = append(dest, &r.ContextNext)
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return err
		}
		r.IsAnchor = isAnchor != 0
		r.Vector = decodeVector(blob)
		all = append(all, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DROP TABLE chunks"); err != nil {
		return err
	}
	if _, err := tx.Exec("DROP TABLE IF EXISTS chunks_fts"); err != nil {
		return err
	}
	if _, err := tx.Exec(canonicalSchema); err != nil {
		return err
	}
	if _, err := tx.Exec(ftsSchema); err != nil {
		return err
	}
	for _, r := range all {
		if err := insertRow(tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	slog.Info("store_schema_migration_done",
		slog.String("dir", s.dir), slog.Int("rows", len(all)))
	return nil
}

// Add appends rows, rejecting any batch containing a wrong-dimension vector
// before writing.
func (s *SQLiteStore) Add(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if len(r.Vector) != Dim {
			return oserr.Newf(oserr.CodeDimensionMismatch,
				"row %s: expected %d dimensions, got %d", r.ID, Dim, len(r.Vector))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		if err := insertRow(tx, r); err != nil {
			return fmt.Errorf("insert row %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add: %w", err)
	}

	if s.index != nil {
		for _, r := range rows {
			s.index.add(r.ID, r.Vector)
		}
	}
	return nil
}

func insertRow(tx *sql.Tx, r *Row) error {
	isAnchor := 0
	if r.IsAnchor {
		isAnchor = 1
	}
	_, err := tx.Exec(`INSERT OR REPLACE INTO chunks
		(id, path, hash, content, start_line, end_line, chunk_index, is_anchor, context_prev, context_next, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Path, r.Hash, r.Content, r.StartLine, r.EndLine, r.ChunkIndex,
		isAnchor, r.ContextPrev, r.ContextNext, encodeVector(r.Vector))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE id = ?`, r.ID); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO chunks_fts (content, id) VALUES (?, ?)`, r.Content, r.ID)
	return err
}

// DeleteByPath removes all rows for path. Predicates are parameterized, so
// quoting in path values cannot break out of the query.
func (s *SQLiteStore) DeleteByPath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	ids, err := s.idsForPath(ctx, path)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE id IN (SELECT id FROM chunks WHERE path = ?)`, path); err != nil {
		return fmt.Errorf("delete fts rows: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	if s.index != nil {
		s.index.remove(ids)
	}
	return nil
}

func (s *SQLiteStore) idsForPath(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// VectorSearch returns top-k by cosine distance, using the HNSW graph when
// built and a flat scan otherwise.
func (s *SQLiteStore) VectorSearch(ctx context.Context, vec []float32, k int, pathPrefix string) ([]*Hit, error) {
	if len(vec) != Dim {
		return nil, oserr.Newf(oserr.CodeDimensionMismatch,
			"query vector: expected %d dimensions, got %d", Dim, len(vec))
	}

	s.mu.RLock()
	index := s.index
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("store is closed")
	}

	if index != nil && pathPrefix == "" {
		return s.indexSearch(ctx, index, vec, k)
	}
	return s.flatScan(ctx, vec, k, pathPrefix)
}

func (s *SQLiteStore) indexSearch(ctx context.Context, index *vectorIndex, vec []float32, k int) ([]*Hit, error) {
	matches := index.search(vec, k)
	hits := make([]*Hit, 0, len(matches))
	for _, m := range matches {
		row, err := s.rowByID(ctx, m.id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue // row deleted since the graph was built
		}
		hits = append(hits, &Hit{Row: row, Distance: m.distance})
	}
	return hits, nil
}

func (s *SQLiteStore) flatScan(ctx context.Context, vec []float32, k int, pathPrefix string) ([]*Hit, error) {
	query := selectRows + " FROM chunks"
	var args []any
	if pathPrefix != "" {
		query += " WHERE path LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(pathPrefix)+"%")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, &Hit{Row: r, Distance: cosineDistance(vec, r.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Row.ID < hits[j].Row.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// FTSSearch returns top-k by FTS5 bm25 rank. The raw query is reduced to
// quoted terms so user punctuation cannot reach the MATCH parser.
func (s *SQLiteStore) FTSSearch(ctx context.Context, query string, k int, pathPrefix string) ([]*Hit, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("store is closed")
	}

	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	q := selectRowsPrefixed("c") + `, bm25(chunks_fts) AS rank
		FROM chunks_fts f JOIN chunks c ON c.id = f.id
		WHERE chunks_fts MATCH ?`
	args := []any{match}
	if pathPrefix != "" {
		q += " AND c.path LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(pathPrefix)+"%")
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		r := &Row{}
		var isAnchor int
		var blob []byte
		var rank float64
		if err := rows.Scan(&r.ID, &r.Path, &r.Hash, &r.Content, &r.StartLine, &r.EndLine,
			&r.ChunkIndex, &isAnchor, &r.ContextPrev, &r.ContextNext, &blob, &rank); err != nil {
			return nil, err
		}
		r.IsAnchor = isAnchor != 0
		r.Vector = decodeVector(blob)
		hits = append(hits, &Hit{Row: r, Distance: rank})
	}
	return hits, rows.Err()
}

// CreateFTSIndex ensures the FTS table exists. The table is maintained
// transactionally by Add/DeleteByPath, so this is cheap and idempotent.
func (s *SQLiteStore) CreateFTSIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ftsSchema)
	return err
}

// CreateVectorIndex builds the in-memory HNSW graph over all rows. Below
// VectorIndexMinRows it is a no-op: a flat scan is faster and the graph
// build is not worth it.
func (s *SQLiteStore) CreateVectorIndex(ctx context.Context) error {
	count, err := s.CountRows(ctx)
	if err != nil {
		return err
	}
	if count < VectorIndexMinRows {
		slog.Debug("vector_index_skipped", slog.Int("rows", count))
		return nil
	}

	s.mu.RLock()
	have := s.index != nil && s.index.count() == count
	s.mu.RUnlock()
	if have {
		return nil
	}

	index := newVectorIndex()
	rows, err := s.db.QueryContext(ctx, "SELECT id, vector FROM chunks")
	if err != nil {
		return fmt.Errorf("read vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		index.add(id, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	slog.Info("vector_index_built", slog.Int("rows", count))
	return nil
}

// CountRows returns the number of stored rows.
func (s *SQLiteStore) CountRows(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// PathSet returns the distinct stored paths.
func (s *SQLiteStore) PathSet(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT path FROM chunks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.index = nil
	return s.db.Close()
}

const selectRows = "SELECT id, path, hash, content, start_line, end_line, chunk_index, is_anchor, context_prev, context_next, vector"

func selectRowsPrefixed(alias string) string {
	cols := []string{"id", "path", "hash", "content", "start_line", "end_line", "chunk_index", "is_anchor", "context_prev", "context_next", "vector"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return "SELECT " + strings.Join(cols, ", ")
}

func (s *SQLiteStore) rowByID(ctx context.Context, id string) (*Row, error) {
	rows, err := s.db.QueryContext(ctx, selectRows+" FROM chunks WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(rows)
}

func scanRow(rows *sql.Rows) (*Row, error) {
	r := &Row{}
	var isAnchor int
	var blob []byte
	if err := rows.Scan(&r.ID, &r.Path, &r.Hash, &r.Content, &r.StartLine, &r.EndLine,
		&r.ChunkIndex, &isAnchor, &r.ContextPrev, &r.ContextNext, &blob); err != nil {
		return nil, err
	}
	r.IsAnchor = isAnchor != 0
	r.Vector = decodeVector(blob)
	return r, nil
}

// encodeVector packs float32s as little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// ftsTokenRe extracts the alphanumeric terms fed to MATCH.
var ftsTokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// ftsMatchExpr builds a quoted OR expression from the query's terms.
func ftsMatchExpr(query string) string {
	terms := ftsTokenRe.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(prefix string) string {
	prefix = strings.ReplaceAll(prefix, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, `%`, `\%`)
	return strings.ReplaceAll(prefix, `_`, `\_`)
}
