package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aliou/osgrep/internal/oserr"
)

func testVector(seed float32) []float32 {
	vec := make([]float32, Dim)
	for i := range vec {
		vec[i] = seed + float32(i)*0.001
	}
	return vec
}

func testRow(id, path, content string, idx int) *Row {
	return &Row{
		ID:         id,
		Path:       path,
		Hash:       "h1",
		Content:    content,
		StartLine:  idx*10 + 1,
		EndLine:    idx*10 + 5,
		ChunkIndex: idx,
		IsAnchor:   idx == 0,
		Vector:     testVector(float32(idx)),
	}
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AddAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{
		testRow("1", "a.ts", "export const x = 1;", 0),
		testRow("2", "a.ts", "function body", 1),
	}))

	count, err := s.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteStore_RejectsWrongDimension(t *testing.T) {
	s := openTestStore(t)

	bad := testRow("1", "a.ts", "x", 0)
	bad.Vector = make([]float32, 128)

	err := s.Add(context.Background(), []*Row{bad})
	require.Error(t, err)
	assert.True(t, oserr.HasCode(err, oserr.CodeDimensionMismatch))

	count, _ := s.CountRows(context.Background())
	assert.Equal(t, 0, count, "rejected batch must not write rows")
}

func TestSQLiteStore_DeleteByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{
		testRow("1", "a.ts", "alpha", 0),
		testRow("2", "b.txt", "beta", 0),
	}))
	require.NoError(t, s.DeleteByPath(ctx, "a.ts"))

	paths, err := s.PathSet(ctx)
	require.NoError(t, err)
	_, hasA := paths["a.ts"]
	_, hasB := paths["b.txt"]
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestSQLiteStore_DeleteByPath_QuotedPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tricky := "it's/a 'path'.ts"
	require.NoError(t, s.Add(ctx, []*Row{testRow("1", tricky, "content", 0)}))
	require.NoError(t, s.DeleteByPath(ctx, tricky))

	count, _ := s.CountRows(ctx)
	assert.Equal(t, 0, count)
}

func TestSQLiteStore_VectorSearch_FlatScan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{
		testRow("1", "a.ts", "alpha", 0),
		testRow("2", "b.txt", "beta", 1),
		testRow("3", "c.go", "gamma", 2),
	}))

	hits, err := s.VectorSearch(ctx, testVector(0), 2, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].Row.ID, "closest vector first")
	assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)
}

func TestSQLiteStore_VectorSearch_PathPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{
		testRow("1", "src/a.ts", "alpha", 0),
		testRow("2", "lib/b.ts", "beta", 1),
	}))

	hits, err := s.VectorSearch(ctx, testVector(0), 10, "src/")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "src/a.ts", hits[0].Row.Path)
}

func TestSQLiteStore_FTSSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{
		testRow("1", "a.ts", "the quick brown fox", 0),
		testRow("2", "b.txt", "lazy dogs sleep", 1),
	}))

	hits, err := s.FTSSearch(ctx, "quick fox", 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "1", hits[0].Row.ID)
}

func TestSQLiteStore_FTSSearch_PunctuationSafe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{testRow("1", "a.ts", "parse the config", 0)}))

	// MATCH operators and quotes in the raw query must not reach FTS5.
	_, err := s.FTSSearch(ctx, `config" OR x NEAR/2 (`, 10, "")
	assert.NoError(t, err)
}

func TestSQLiteStore_VectorIndex_SkippedBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*Row{testRow("1", "a.ts", "x", 0)}))
	require.NoError(t, s.CreateVectorIndex(ctx))

	assert.Nil(t, s.index, "index must not be built under %d rows", VectorIndexMinRows)

	// Search still works via flat scan.
	hits, err := s.VectorSearch(ctx, testVector(0), 1, "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSQLiteStore_VectorIndex_BuiltAtThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := make([]*Row, VectorIndexMinRows)
	for i := range rows {
		rows[i] = testRow(fmt.Sprintf("id-%d", i), fmt.Sprintf("f%d.go", i), "content", i)
	}
	require.NoError(t, s.Add(ctx, rows))
	require.NoError(t, s.CreateVectorIndex(ctx))

	require.NotNil(t, s.index)
	assert.Equal(t, VectorIndexMinRows, s.index.count())

	hits, err := s.VectorSearch(ctx, testVector(3), 5, "")
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestSQLiteStore_Reopen_PersistsRows(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, []*Row{testRow("1", "a.ts", "persisted", 0)}))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	count, err := s2.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpenIfExists_MissingStore(t *testing.T) {
	_, err := OpenIfExists(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, oserr.HasCode(err, oserr.CodeStoreMissing))
}

func TestSQLiteStore_MigratesLegacySchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DBFileName)

	// Build a pre-context-columns table by hand.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE chunks (
		id TEXT PRIMARY KEY, path TEXT NOT NULL, hash TEXT NOT NULL,
		content TEXT NOT NULL, start_line INTEGER NOT NULL, end_line INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL, is_anchor INTEGER NOT NULL DEFAULT 0,
		vector BLOB NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO chunks VALUES ('1', 'a.ts', 'h', 'legacy row', 1, 3, 0, 1, ?)`,
		encodeVector(testVector(1)))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	count, err := s.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := s.FTSSearch(ctx, "legacy", 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "", hits[0].Row.ContextPrev, "migrated rows fill context with empty strings")
	assert.True(t, hits[0].Row.IsAnchor)
}

func TestEncodeDecodeVector_RoundTrip(t *testing.T) {
	vec := testVector(7)
	got := decodeVector(encodeVector(vec))
	assert.Equal(t, vec, got)
}

func TestFtsMatchExpr(t *testing.T) {
	assert.Equal(t, `"hello" OR "world"`, ftsMatchExpr("hello, world!"))
	assert.Equal(t, "", ftsMatchExpr("..."))
}
