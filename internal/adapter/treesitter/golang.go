package treesitter

import (
	"context"
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/Strob0t/relay/internal/domain/merge"
)

// GoParser parses Go source files.
type GoParser struct{}

// NewGoParser returns a Go parser.
func NewGoParser() *GoParser { return &GoParser{} }

// Language returns "go".
func (*GoParser) Language() string { return "go" }

// Extensions returns [".go"].
func (*GoParser) Extensions() []string { return []string{".go"} }

// Parse builds the declaration tree for src.
func (*GoParser) Parse(ctx context.Context, src []byte) (*merge.Tree, error) {
	t, err := parse(ctx, golang.GetLanguage(), src)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	b := newBuilder("go", src)
	b.walkTop(t.RootNode(), b.goDecl)
	return b.tree, nil
}

func (b *builder) goDecl(n *sitter.Node, start uint32) {
	switch n.Type() {
	case "package_clause":
		name := ""
		if n.NamedChildCount() > 0 {
			name = b.text(n.NamedChild(0))
		}
		b.tree.Package = name
		b.add(merge.KindPackage, []string{name}, n, start)

	case "function_declaration":
		var names []string
		if nameNode := n.ChildByFieldName("name"); nameNode != nil {
			// init may appear many times; it is identified by content.
			if name := b.text(nameNode); name != "init" && name != "_" {
				names = []string{name}
			}
		}
		b.add(merge.KindFunction, names, n, start)

	case "method_declaration":
		recv := b.receiverType(n.ChildByFieldName("receiver"))
		var names []string
		if nameNode := n.ChildByFieldName("name"); nameNode != nil {
			names = []string{recv + "." + b.text(nameNode)}
		}
		idx := b.add(merge.KindMethod, names, n, start)
		b.tree.Nodes[idx].Group = recv

	case "import_declaration":
		b.genDecl(n, start, merge.KindImport, "import", "import_spec")
	case "const_declaration":
		b.genDecl(n, start, merge.KindConstant, "const", "const_spec")
	case "var_declaration":
		b.genDecl(n, start, merge.KindVariable, "var", "var_spec")
	case "type_declaration":
		b.genDecl(n, start, merge.KindType, "type", "type_spec", "type_alias")

	default:
		b.add(merge.KindStatement, nil, n, start)
	}
}

// genDecl records an import/const/var/type declaration with one child per
// spec, so grouped declarations can be merged spec by spec.
func (b *builder) genDecl(n *sitter.Node, start uint32, kind merge.Kind, keyword string, specTypes ...string) {
	specs := collectSpecs(n, specTypes)
	top := b.add(kind, nil, n, start)

	text := b.text(n)
	rest := strings.TrimLeft(strings.TrimPrefix(text, keyword), " \t\r\n")
	grouped := strings.HasPrefix(rest, "(")
	var inner merge.Span
	if grouped {
		open := int(n.StartByte()) + len(text) - len(rest)
		end := int(n.EndByte())
		if end > 0 && b.src[end-1] == ')' {
			end--
		}
		inner = merge.Span{Start: open + 1, End: end}
	}

	var all []string
	for _, s := range specs {
		names := b.specNames(s)
		c := b.child(top, kind, names, s)
		b.tree.Nodes[c].Keyword = keyword
		if kind == merge.KindType && len(names) > 0 {
			b.tree.Nodes[c].Group = names[0]
		}
		all = append(all, names...)
	}

	nd := &b.tree.Nodes[top]
	nd.Names = all
	nd.Keyword = keyword
	nd.Grouped = grouped
	nd.Inner = inner
	if kind == merge.KindType && !grouped && len(all) == 1 {
		nd.Group = all[0]
	}
}

func collectSpecs(n *sitter.Node, types []string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if slices.Contains(types, c.Type()) {
			out = append(out, c)
			continue
		}
		out = append(out, collectSpecs(c, types)...)
	}
	return out
}

func (b *builder) specNames(spec *sitter.Node) []string {
	switch spec.Type() {
	case "import_spec":
		path := spec.ChildByFieldName("path")
		if path == nil {
			return nil
		}
		return []string{strings.Trim(b.text(path), "\"`")}
	case "type_spec", "type_alias":
		if name := spec.ChildByFieldName("name"); name != nil {
			return []string{b.text(name)}
		}
		return nil
	default:
		var names []string
		for i := 0; i < int(spec.NamedChildCount()); i++ {
			c := spec.NamedChild(i)
			if c.Type() != "identifier" {
				continue
			}
			if name := b.text(c); name != "_" {
				names = append(names, name)
			}
		}
		return names
	}
}

// receiverType extracts the bare type name from a method receiver list such
// as "(s *Server[T])".
func (b *builder) receiverType(recv *sitter.Node) string {
	if recv == nil {
		return ""
	}
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		param := recv.NamedChild(i)
		if param.Type() != "parameter_declaration" {
			continue
		}
		typ := param.ChildByFieldName("type")
		if typ == nil {
			return ""
		}
		name := strings.TrimLeft(b.text(typ), "* \t")
		if j := strings.IndexByte(name, '['); j >= 0 {
			name = name[:j]
		}
		return strings.TrimSpace(name)
	}
	return ""
}
