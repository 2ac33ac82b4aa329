package meta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_StableAndDistinct(t *testing.T) {
	a := Digest([]byte("export const x = 1;\n"))
	b := Digest([]byte("export const x = 1;\n"))
	c := Digest([]byte("export const x = 2;\n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // hex SHA-256
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")

	s := NewStore(path)
	require.NoError(t, s.Load())
	s.Set("/repo/a.ts", "aaa")
	s.Set("/repo/b.txt", "bbb")
	require.NoError(t, s.Save())

	s2 := NewStore(path)
	require.NoError(t, s2.Load())

	h, ok := s2.Get("/repo/a.ts")
	assert.True(t, ok)
	assert.Equal(t, "aaa", h)
	assert.Equal(t, 2, s2.Len())
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}

func TestStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(path)
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "meta.json"))
	s.Set("/repo/a.ts", "aaa")
	s.Delete("/repo/a.ts")

	_, ok := s.Get("/repo/a.ts")
	assert.False(t, ok)
}

func TestStore_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")

	s := NewStore(path)
	s.Set("/repo/a.ts", "aaa")
	require.NoError(t, s.Save())

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Paths(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "meta.json"))
	s.Set("/repo/a.ts", "aaa")
	s.Set("/repo/b.txt", "bbb")

	assert.ElementsMatch(t, []string{"/repo/a.ts", "/repo/b.txt"}, s.Paths())
}
