package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser wraps tree-sitter parsing for the chunker. Not safe for concurrent
// use; each Chunker owns its parser.
type Parser struct {
	parser *sitter.Parser
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{parser: sitter.NewParser()}
}

// Parse parses source with the given language and returns the root node.
func (p *Parser) Parse(ctx context.Context, source []byte, cfg *LanguageConfig) (*sitter.Node, error) {
	p.parser.SetLanguage(cfg.Language())

	tree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s source: %w", cfg.Name, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("parse %s source: nil tree", cfg.Name)
	}

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("parse %s source: nil root", cfg.Name)
	}
	return root, nil
}

// Close releases parser resources.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}
