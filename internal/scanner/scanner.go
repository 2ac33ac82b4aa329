// Package scanner discovers indexable files under a project root, honoring
// .gitignore and .osgrepignore rules.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aliou/osgrep/internal/gitignore"
)

// DefaultMaxFileSize caps individual files; anything larger is almost
// certainly generated or binary.
const DefaultMaxFileSize = 2 * 1024 * 1024

// matcherCacheSize bounds the per-directory ignore matcher cache.
const matcherCacheSize = 512

// Options configures a scan.
type Options struct {
	// MaxFileSize skips files larger than this many bytes (default 2 MB).
	MaxFileSize int64
}

// Scanner walks a project tree and yields candidate file paths.
type Scanner struct {
	matchers *lru.Cache[string, *gitignore.Matcher]
}

// New creates a Scanner.
func New() (*Scanner, error) {
	cache, err := lru.New[string, *gitignore.Matcher](matcherCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create matcher cache: %w", err)
	}
	return &Scanner{matchers: cache}, nil
}

// Scan walks root and returns the absolute paths of all indexable files.
// Ignore rules come from the built-in defaults plus the root's .gitignore
// and .osgrepignore; nested .gitignore files apply beneath their directory.
func (s *Scanner) Scan(ctx context.Context, root string, opts Options) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory: %s", absRoot)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	rootMatcher := s.matcherFor(absRoot, true)

	var paths []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == absRoot {
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if rootMatcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if rootMatcher.Match(rel, false) {
			return nil
		}
		if s.nestedIgnored(absRoot, rel) {
			return nil
		}

		if fi, err := d.Info(); err != nil || fi.Size() > maxSize {
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// nestedIgnored applies .gitignore files in intermediate directories.
func (s *Scanner) nestedIgnored(root, rel string) bool {
	dir := filepath.Dir(rel)
	for dir != "." && dir != "/" {
		m := s.matcherFor(filepath.Join(root, dir), false)
		if m != nil {
			sub, err := filepath.Rel(dir, rel)
			if err == nil && m.Match(sub, false) {
				return true
			}
		}
		dir = filepath.Dir(dir)
	}
	return false
}

// matcherFor returns the (cached) ignore matcher for dir. The root matcher
// carries the defaults and .osgrepignore; nested matchers only their own
// .gitignore, or nil when the directory has none.
func (s *Scanner) matcherFor(dir string, isRoot bool) *gitignore.Matcher {
	if m, ok := s.matchers.Get(dir); ok {
		return m
	}

	var m *gitignore.Matcher
	if isRoot {
		m = gitignore.NewWithDefaults()
		_ = m.AddFile(filepath.Join(dir, ".gitignore"))
		_ = m.AddFile(filepath.Join(dir, ".osgrepignore"))
	} else {
		if _, err := os.Stat(filepath.Join(dir, ".gitignore")); err != nil {
			s.matchers.Add(dir, nil)
			return nil
		}
		m = gitignore.New()
		_ = m.AddFile(filepath.Join(dir, ".gitignore"))
	}

	s.matchers.Add(dir, m)
	return m
}
