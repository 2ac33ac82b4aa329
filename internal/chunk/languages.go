package chunk

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageConfig describes how to chunk one language's parse tree.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// DeclTypes are node types treated as top-level declarations, each
	// becoming its own chunk.
	DeclTypes []string

	// CommentTypes are node types attached to the following declaration.
	CommentTypes []string

	language *sitter.Language
}

// LanguageRegistry maps file extensions to language configurations.
type LanguageRegistry struct {
	byExt map[string]*LanguageConfig
}

// DefaultRegistry returns the registry with all bundled grammars.
func DefaultRegistry() *LanguageRegistry {
	r := &LanguageRegistry{byExt: make(map[string]*LanguageConfig)}

	r.register(&LanguageConfig{
		Name:       "go",
		Extensions: []string{".go"},
		DeclTypes: []string{
			"function_declaration", "method_declaration", "type_declaration",
			"const_declaration", "var_declaration", "import_declaration",
		},
		CommentTypes: []string{"comment"},
		language:     golang.GetLanguage(),
	})

	jsDecls := []string{
		"function_declaration", "generator_function_declaration",
		"class_declaration", "lexical_declaration", "variable_declaration",
		"export_statement", "import_statement", "expression_statement",
	}
	r.register(&LanguageConfig{
		Name:         "javascript",
		Extensions:   []string{".js", ".mjs", ".cjs", ".jsx"},
		DeclTypes:    jsDecls,
		CommentTypes: []string{"comment"},
		language:     javascript.GetLanguage(),
	})
	r.register(&LanguageConfig{
		Name:       "typescript",
		Extensions: []string{".ts", ".mts", ".cts"},
		DeclTypes: append([]string{
			"interface_declaration", "type_alias_declaration", "enum_declaration",
			"module_declaration", "abstract_class_declaration",
		}, jsDecls...),
		CommentTypes: []string{"comment"},
		language:     typescript.GetLanguage(),
	})
	r.register(&LanguageConfig{
		Name:       "tsx",
		Extensions: []string{".tsx"},
		DeclTypes: append([]string{
			"interface_declaration", "type_alias_declaration", "enum_declaration",
		}, jsDecls...),
		CommentTypes: []string{"comment"},
		language:     tsx.GetLanguage(),
	})

	r.register(&LanguageConfig{
		Name:       "python",
		Extensions: []string{".py", ".pyi"},
		DeclTypes: []string{
			"function_definition", "class_definition", "decorated_definition",
			"import_statement", "import_from_statement", "expression_statement",
			"assignment", "if_statement",
		},
		CommentTypes: []string{"comment"},
		language:     python.GetLanguage(),
	})

	return r
}

func (r *LanguageRegistry) register(cfg *LanguageConfig) {
	for _, ext := range cfg.Extensions {
		r.byExt[ext] = cfg
	}
}

// ForPath returns the language config for a file path, or nil when no
// grammar covers its extension.
func (r *LanguageRegistry) ForPath(path string) *LanguageConfig {
	ext := strings.ToLower(filepath.Ext(path))
	return r.byExt[ext]
}

// Language returns the tree-sitter grammar.
func (c *LanguageConfig) Language() *sitter.Language {
	return c.language
}

// IsDecl reports whether nodeType is a top-level declaration type.
func (c *LanguageConfig) IsDecl(nodeType string) bool {
	for _, t := range c.DeclTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

// IsComment reports whether nodeType is a comment type.
func (c *LanguageConfig) IsComment(nodeType string) bool {
	for _, t := range c.CommentTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}
