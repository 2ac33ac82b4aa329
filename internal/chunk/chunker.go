// Package chunk splits source files into semantically coherent windows plus
// one per-file anchor chunk. Files with a known grammar are split along
// top-level declarations; everything else falls back to paragraph splitting.
package chunk

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/aliou/osgrep/internal/oserr"
)

// Chunker turns (path, bytes) pairs into ordered Piece sequences.
// Not safe for concurrent use; the syncer creates one per file.
type Chunker struct {
	parser   *Parser
	registry *LanguageRegistry
}

// NewChunker creates a Chunker with the default language registry.
func NewChunker() *Chunker {
	return &Chunker{
		parser:   NewParser(),
		registry: DefaultRegistry(),
	}
}

// Close releases parser resources.
func (c *Chunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// Chunk splits a file into an anchor piece followed by body pieces.
// Non-UTF-8 input yields a DecodeError and no pieces. Parse failures are
// non-fatal: the file drops to the paragraph splitter.
func (c *Chunker) Chunk(ctx context.Context, path string, data []byte) ([]Piece, error) {
	if !utf8.Valid(data) {
		return nil, oserr.Newf(oserr.CodeDecodeError, "file is not valid UTF-8: %s", path)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	pieces := []Piece{buildAnchor(lines)}

	var body []Piece
	cfg := c.registry.ForPath(path)
	if cfg != nil {
		root, err := c.parser.Parse(ctx, data, cfg)
		if err != nil || root.HasError() {
			if err != nil {
				slog.Debug("chunk_parse_failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			body = paragraphPieces(lines)
		} else {
			body = c.treePieces(root, cfg, lines)
		}
	} else {
		body = paragraphPieces(lines)
	}

	for i := range body {
		body[i].ChunkIndex = i + 1
	}
	return append(pieces, body...), nil
}

// buildAnchor synthesizes the whole-file summary window from the file head.
// The anchor is always chunk index 0.
func buildAnchor(lines []string) Piece {
	end := len(lines)
	if end > AnchorMaxLines {
		end = AnchorMaxLines
	}

	size := 0
	for i := 0; i < end; i++ {
		size += len(lines[i]) + 1
		if size > AnchorMaxBytes {
			end = i + 1
			break
		}
	}

	return Piece{
		Content:    strings.Join(lines[:end], "\n"),
		StartLine:  1,
		EndLine:    end,
		ChunkIndex: 0,
		IsAnchor:   true,
	}
}

// treePieces walks the root's named children. Declarations become chunks of
// their own, with preceding comments attached; everything else accumulates
// into module-level statement runs. Oversize declarations split along child
// boundaries.
func (c *Chunker) treePieces(root *sitter.Node, cfg *LanguageConfig, lines []string) []Piece {
	var pieces []Piece

	commentStart := -1 // pending comment run start line (1-based), -1 if none
	runStart, runEnd := -1, -1

	flushRun := func() {
		if runStart >= 0 {
			pieces = append(pieces, capWindows(lines, runStart, runEnd)...)
			runStart, runEnd = -1, -1
		}
	}

	n := int(root.NamedChildCount())
	for i := 0; i < n; i++ {
		node := root.NamedChild(i)
		start := int(node.StartPoint().Row) + 1
		end := int(node.EndPoint().Row) + 1

		if cfg.IsComment(node.Type()) {
			if commentStart < 0 {
				commentStart = start
			}
			continue
		}

		if commentStart >= 0 {
			start = commentStart
			commentStart = -1
		}

		if !cfg.IsDecl(node.Type()) {
			// Module-level statement: extend the current run.
			if runStart < 0 {
				runStart = start
			} else if oversize(lines, runStart, end) {
				flushRun()
				runStart = start
			}
			runEnd = end
			continue
		}

		flushRun()
		switch {
		case oversize(lines, start, end) && node.NamedChildCount() > 0:
			pieces = append(pieces, splitNode(node, lines, start)...)
		case oversize(lines, start, end):
			pieces = append(pieces, capWindows(lines, start, end)...)
		default:
			pieces = append(pieces, window(lines, start, end))
		}
	}
	flushRun()

	// Trailing comments with no declaration after them still get indexed.
	if commentStart >= 0 {
		pieces = append(pieces, window(lines, commentStart, len(lines)))
	}

	return mergeTiny(pieces, lines)
}

// splitNode breaks an oversize declaration into windows along its child
// boundaries, grouping consecutive children while they fit the cap.
// headStart widens the first window to include attached comments.
func splitNode(node *sitter.Node, lines []string, headStart int) []Piece {
	var pieces []Piece

	groupStart := headStart
	prevEnd := headStart - 1
	n := int(node.NamedChildCount())
	for i := 0; i < n; i++ {
		child := node.NamedChild(i)
		childEnd := int(child.EndPoint().Row) + 1

		if oversize(lines, groupStart, childEnd) && prevEnd >= groupStart {
			pieces = append(pieces, capWindows(lines, groupStart, prevEnd)...)
			groupStart = int(child.StartPoint().Row) + 1
		}
		prevEnd = childEnd
	}

	nodeEnd := int(node.EndPoint().Row) + 1
	if nodeEnd >= groupStart {
		pieces = append(pieces, capWindows(lines, groupStart, nodeEnd)...)
	}
	return pieces
}

// capWindows slices [start, end] into windows of at most MaxChunkLines,
// the backstop for bodies whose children are themselves oversize.
func capWindows(lines []string, start, end int) []Piece {
	var pieces []Piece
	for s := start; s <= end; s += MaxChunkLines {
		e := s + MaxChunkLines - 1
		if e > end {
			e = end
		}
		pieces = append(pieces, window(lines, s, e))
	}
	return pieces
}

// mergeTiny coalesces adjacent one-line pieces (imports, module-level
// statements) into statement-block windows so they embed with context.
func mergeTiny(pieces []Piece, lines []string) []Piece {
	if len(pieces) < 2 {
		return pieces
	}

	var out []Piece
	cur := pieces[0]
	for _, p := range pieces[1:] {
		gap := p.StartLine - cur.EndLine
		small := cur.EndLine-cur.StartLine < 3 && p.EndLine-p.StartLine < 3
		if small && gap <= 1 && !oversize(lines, cur.StartLine, p.EndLine) {
			cur = window(lines, cur.StartLine, p.EndLine)
			continue
		}
		out = append(out, cur)
		cur = p
	}
	return append(out, cur)
}

// paragraphPieces splits on blank-line-separated paragraphs, capping each
// window at MaxChunkLines.
func paragraphPieces(lines []string) []Piece {
	var pieces []Piece

	start := -1 // current paragraph start (1-based)
	flush := func(endIdx int) {
		if start < 0 {
			return
		}
		for s := start; s <= endIdx; s += MaxChunkLines {
			e := s + MaxChunkLines - 1
			if e > endIdx {
				e = endIdx
			}
			pieces = append(pieces, window(lines, s, e))
		}
		start = -1
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i) // i is 0-based; previous line is i (1-based)
			continue
		}
		if start < 0 {
			start = i + 1
		}
	}
	flush(len(lines))
	return pieces
}

// window builds a Piece covering lines [start, end], 1-based inclusive.
func window(lines []string, start, end int) Piece {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	return Piece{
		Content:   strings.Join(lines[start-1:end], "\n"),
		StartLine: start,
		EndLine:   end,
	}
}

// oversize reports whether the [start, end] window exceeds the soft caps.
func oversize(lines []string, start, end int) bool {
	if end-start+1 > MaxChunkLines {
		return true
	}
	size := 0
	if end > len(lines) {
		end = len(lines)
	}
	for i := start - 1; i < end; i++ {
		size += len(lines[i]) + 1
		if size > MaxChunkBytes {
			return true
		}
	}
	return false
}
