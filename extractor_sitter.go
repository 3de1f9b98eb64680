// calltip/extractor_sitter.go
// Tree-sitter-backed extraction strategies for non-Go declarations: Python
// docstrings and JavaScript JSDoc blocks. Each strategy parses the
// declaration's source snapshot and locates the documentation attached to
// the declaration at its recorded byte offset.
package calltip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// sitterDocStrategy is the shared chassis: a language grammar, a parser
// guarded by a mutex (tree-sitter parsers are not safe for concurrent use),
// and a language-specific doc locator run over the parsed tree.
type sitterDocStrategy struct {
	language string
	mu       sync.Mutex
	parser   *sitter.Parser
	locate   func(root *sitter.Node, source []byte, offset int) string
	logger   *slog.Logger
}

func newSitterDocStrategy(language string, grammar *sitter.Language, locate func(*sitter.Node, []byte, int) string, logger *slog.Logger) *sitterDocStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	return &sitterDocStrategy{
		language: language,
		parser:   parser,
		locate:   locate,
		logger:   logger.With("component", "sitterDocStrategy", "language", language),
	}
}

func (s *sitterDocStrategy) Supports(decl *Declaration) bool {
	return decl.Language == s.language && len(decl.Source) > 0
}

func (s *sitterDocStrategy) DocComment(decl *Declaration) (string, error) {
	if decl.Offset < 0 || decl.Offset > len(decl.Source) {
		return "", fmt.Errorf("%w: declaration offset %d outside source of %d bytes", ErrPositionOutOfRange, decl.Offset, len(decl.Source))
	}

	s.mu.Lock()
	tree, err := s.parser.ParseCtx(context.Background(), nil, decl.Source)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: parsing %s source: %w", ErrDocFormat, s.language, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return "", fmt.Errorf("%w: %s parse produced no tree", ErrDocFormat, s.language)
	}
	return s.locate(root, decl.Source, decl.Offset), nil
}

func newPythonDocStrategy(logger *slog.Logger) ExtractionStrategy {
	return newSitterDocStrategy("python", python.GetLanguage(), pythonDocstringAt, logger)
}

func newJavaScriptDocStrategy(logger *slog.Logger) ExtractionStrategy {
	return newSitterDocStrategy("javascript", javascript.GetLanguage(), javascriptDocCommentAt, logger)
}

// ============================================================================
// Python
// ============================================================================

// pythonDocstringAt finds the function_definition containing offset and
// returns its docstring: the string expression statement opening the body.
func pythonDocstringAt(root *sitter.Node, source []byte, offset int) string {
	def := namedDescendantOfType(root, offset, "function_definition")
	if def == nil {
		return ""
	}
	body := def.ChildByFieldName("body")
	if body == nil {
		return ""
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt.Type() != "expression_statement" {
			return ""
		}
		if stmt.NamedChildCount() == 1 && stmt.NamedChild(0).Type() == "string" {
			return stripPythonQuotes(sitterNodeText(stmt.NamedChild(0), source))
		}
		return ""
	}
	return ""
}

// stripPythonQuotes removes the surrounding quote syntax from a docstring
// literal, including string prefixes like r or u.
func stripPythonQuotes(literal string) string {
	text := strings.TrimLeft(literal, "rRuUbB")
	for _, q := range []string{`"""`, "'''", `"`, "'"} {
		if strings.HasPrefix(text, q) && strings.HasSuffix(text, q) && len(text) >= 2*len(q) {
			return text[len(q) : len(text)-len(q)]
		}
	}
	return text
}

// ============================================================================
// JavaScript
// ============================================================================

// javascriptDocCommentAt returns the comment immediately preceding the
// declaration at offset, with only whitespace between them. JSDoc blocks and
// runs of line comments both qualify.
func javascriptDocCommentAt(root *sitter.Node, source []byte, offset int) string {
	decl := namedDescendantOfType(root, offset,
		"function_declaration", "method_definition", "arrow_function", "function_expression", "generator_function_declaration")
	if decl == nil {
		return ""
	}
	// Export wrappers and variable declarations carry the comment.
	start := int(outermostSameStart(decl).StartByte())

	comment := precedingComment(root, source, start)
	if comment == nil {
		return ""
	}
	return sitterNodeText(comment, source)
}

// outermostSameStart climbs as long as the parent starts at the same byte,
// so `export function f()` resolves to the export_statement.
func outermostSameStart(node *sitter.Node) *sitter.Node {
	for {
		parent := node.Parent()
		if parent == nil || parent.StartByte() != node.StartByte() || parent.Type() == "program" {
			return node
		}
		node = parent
	}
}

// precedingComment finds the comment node ending closest before start with
// nothing but whitespace in between.
func precedingComment(root *sitter.Node, source []byte, start int) *sitter.Node {
	var best *sitter.Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			if int(child.StartByte()) >= start {
				return
			}
			if child.Type() == "comment" && int(child.EndByte()) <= start {
				if best == nil || child.EndByte() > best.EndByte() {
					best = child
				}
			}
			walk(child)
		}
	}
	walk(root)
	if best == nil {
		return nil
	}
	if strings.TrimSpace(string(source[best.EndByte():start])) != "" {
		return nil
	}
	return best
}

// ============================================================================
// Shared helpers
// ============================================================================

func sitterNodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// namedDescendantOfType descends to the innermost named node containing the
// byte offset, then climbs until a node's type matches one of types.
func namedDescendantOfType(root *sitter.Node, offset int, types ...string) *sitter.Node {
	target := uint32(offset)
	node := root
	for {
		advanced := false
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.StartByte() <= target && target < child.EndByte() {
				node = child
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}
	for node != nil {
		for _, t := range types {
			if node.Type() == t {
				return node
			}
		}
		node = node.Parent()
	}
	return nil
}
