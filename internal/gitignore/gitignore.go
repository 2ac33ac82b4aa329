// Package gitignore provides gitignore-style pattern matching for the file
// enumerator. It supports the common subset of the gitignore syntax:
// wildcards, `**`, anchoring, directory-only patterns, and negation.
package gitignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Matcher holds compiled ignore patterns and provides thread-safe matching.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// NewWithDefaults creates a Matcher pre-loaded with directories that are
// never worth indexing.
func NewWithDefaults() *Matcher {
	m := New()
	for _, p := range []string{
		".git/", ".osgrep/", "node_modules/", "vendor/", "dist/", "build/",
		"target/", "__pycache__/", ".venv/", "*.min.js", "*.lock",
		".gitignore", ".osgrepignore",
	} {
		m.AddPattern(p)
	}
	return m
}

// AddPattern compiles and adds one gitignore pattern. Blank lines and
// comments are ignored.
func (m *Matcher) AddPattern(pattern string) {
	pattern = strings.TrimRight(pattern, " \t")
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	r := rule{}
	if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = pattern[1:]
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	r.anchored = strings.HasPrefix(pattern, "/") || strings.Contains(strings.TrimSuffix(pattern, "/**"), "/")
	pattern = strings.TrimPrefix(pattern, "/")

	re, err := compilePattern(pattern)
	if err != nil {
		return
	}
	r.regex = re

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddFile loads patterns from an ignore file (.gitignore, .osgrepignore).
// A missing file is not an error.
func (m *Matcher) AddFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPattern(scanner.Text())
	}
	return scanner.Err()
}

// Match reports whether the slash-separated relative path is ignored.
// isDir must be true for directories so dir-only patterns apply.
// The last matching rule wins, which makes negation work.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)

	m.mu.RLock()
	defer m.mu.RUnlock()

	ignored := false
	for _, r := range m.rules {
		matched := false
		if r.dirOnly && !isDir {
			// Files match a dir-only rule through an ignored ancestor.
			matched = m.parentMatches(r, relPath)
		} else {
			matched = r.matches(relPath)
		}
		if matched {
			ignored = !r.negation
		}
	}
	return ignored
}

// parentMatches checks whether any ancestor directory of relPath matches a
// dir-only rule; files under an ignored directory are ignored too.
func (m *Matcher) parentMatches(r rule, relPath string) bool {
	parts := strings.Split(relPath, "/")
	for i := 1; i < len(parts); i++ {
		if r.matches(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func (r rule) matches(relPath string) bool {
	if r.regex.MatchString(relPath) {
		return true
	}
	if r.anchored {
		return false
	}
	// Unanchored patterns match at any depth.
	for i := strings.Index(relPath, "/"); i >= 0; i = strings.Index(relPath, "/") {
		relPath = relPath[i+1:]
		if r.regex.MatchString(relPath) {
			return true
		}
	}
	return false
}

// compilePattern turns a gitignore glob into an anchored regexp.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			sb.WriteString(`(?:[^/]+/)*`)
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString(`.*`)
			i += 2
		case pattern[i] == '*':
			sb.WriteString(`[^/]*`)
			i++
		case pattern[i] == '?':
			sb.WriteString(`[^/]`)
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	sb.WriteString("$")

	return regexp.Compile(sb.String())
}
