package treesitter

import (
	"context"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/Strob0t/relay/internal/domain/merge"
)

// PythonParser parses Python modules.
type PythonParser struct{}

// NewPythonParser returns a Python parser.
func NewPythonParser() *PythonParser { return &PythonParser{} }

// Language returns "python".
func (*PythonParser) Language() string { return "python" }

// Extensions returns [".py"].
func (*PythonParser) Extensions() []string { return []string{".py"} }

// Parse builds the declaration tree for src.
func (*PythonParser) Parse(ctx context.Context, src []byte) (*merge.Tree, error) {
	t, err := parse(ctx, python.GetLanguage(), src)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	b := newBuilder("python", src)
	b.walkTop(t.RootNode(), b.pythonDecl)
	return b.tree, nil
}

func (b *builder) pythonDecl(n *sitter.Node, start uint32) {
	switch n.Type() {
	case "import_statement", "import_from_statement", "future_import_statement":
		b.add(merge.KindImport, []string{strings.Join(strings.Fields(b.text(n)), " ")}, n, start)

	case "function_definition":
		b.add(merge.KindFunction, b.fieldName(n), n, start)

	case "class_definition":
		names := b.fieldName(n)
		idx := b.add(merge.KindType, names, n, start)
		if len(names) > 0 {
			b.tree.Nodes[idx].Group = names[0]
		}

	case "decorated_definition":
		def := n.ChildByFieldName("definition")
		if def == nil {
			b.add(merge.KindStatement, nil, n, start)
			return
		}
		kind := merge.KindFunction
		if def.Type() == "class_definition" {
			kind = merge.KindType
		}
		b.add(kind, b.fieldName(def), n, start)

	case "expression_statement":
		if n.NamedChildCount() == 1 && n.NamedChild(0).Type() == "assignment" {
			if names := b.assigned(n.NamedChild(0).ChildByFieldName("left")); len(names) > 0 {
				kind := merge.KindVariable
				if allConstant(names) {
					kind = merge.KindConstant
				}
				b.add(kind, names, n, start)
				return
			}
		}
		idx := b.add(merge.KindStatement, nil, n, start)
		if n.NamedChildCount() == 1 && n.NamedChild(0).Type() == "string" && firstStatement(n) {
			b.tree.Nodes[idx].Header = true
		}

	case "if_statement":
		idx := b.add(merge.KindStatement, nil, n, start)
		if cond := n.ChildByFieldName("condition"); cond != nil && isMainGuard(b.text(cond)) {
			b.tree.Nodes[idx].Footer = true
		}

	default:
		b.add(merge.KindStatement, nil, n, start)
	}
}

// firstStatement reports whether only comments precede n.
func firstStatement(n *sitter.Node) bool {
	for p := n.PrevNamedSibling(); p != nil; p = p.PrevNamedSibling() {
		if p.Type() != "comment" {
			return false
		}
	}
	return true
}

func isMainGuard(cond string) bool {
	c := strings.ReplaceAll(strings.Join(strings.Fields(cond), ""), "'", "\"")
	return c == `__name__=="__main__"` || c == `"__main__"==__name__`
}

func (b *builder) fieldName(n *sitter.Node) []string {
	if name := n.ChildByFieldName("name"); name != nil {
		return []string{b.text(name)}
	}
	return nil
}

func (b *builder) assigned(left *sitter.Node) []string {
	if left == nil {
		return nil
	}
	switch left.Type() {
	case "identifier":
		return []string{b.text(left)}
	case "pattern_list", "tuple_pattern":
		var names []string
		for i := 0; i < int(left.NamedChildCount()); i++ {
			if c := left.NamedChild(i); c.Type() == "identifier" {
				names = append(names, b.text(c))
			}
		}
		return names
	}
	return nil
}

// allConstant reports whether every name is written in UPPER_CASE.
func allConstant(names []string) bool {
	for _, name := range names {
		hasLetter := false
		for _, r := range name {
			if unicode.IsLower(r) {
				return false
			}
			if unicode.IsLetter(r) {
				hasLetter = true
			}
		}
		if !hasLetter {
			return false
		}
	}
	return true
}
