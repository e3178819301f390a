// Package treesitter implements merge.Parser on top of tree-sitter grammars.
package treesitter

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/Strob0t/relay/internal/domain/merge"
)

// parse runs a fresh tree-sitter parser over src. Parsers are not safe for
// concurrent use, so each call gets its own.
func parse(ctx context.Context, lang *sitter.Language, src []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)
	t, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter: %w", err)
	}
	return t, nil
}

// builder accumulates arena nodes for one tree.
type builder struct {
	src  []byte
	tree *merge.Tree
}

func newBuilder(lang string, src []byte) *builder {
	return &builder{src: src, tree: &merge.Tree{Language: lang, Source: src}}
}

func (b *builder) text(n *sitter.Node) string {
	return string(b.src[n.StartByte():n.EndByte()])
}

// add appends a top-level node covering [start, n.EndByte()).
func (b *builder) add(kind merge.Kind, names []string, n *sitter.Node, start uint32) int {
	return b.node(kind, names, n, start, -1)
}

// child appends a spec node under parent.
func (b *builder) child(parent int, kind merge.Kind, names []string, n *sitter.Node) int {
	return b.node(kind, names, n, n.StartByte(), parent)
}

func (b *builder) node(kind merge.Kind, names []string, n *sitter.Node, start uint32, parent int) int {
	end := n.EndByte()
	p := n.StartPoint()
	b.tree.Nodes = append(b.tree.Nodes, merge.Node{
		Kind:   kind,
		Names:  names,
		Span:   merge.Span{Start: int(start), End: int(end)},
		Line:   int(p.Row) + 1,
		Column: int(p.Column) + 1,
		Hash:   merge.Hash(string(b.src[start:end])),
		Parent: parent,
	})
	idx := len(b.tree.Nodes) - 1
	if parent < 0 {
		b.tree.Top = append(b.tree.Top, idx)
	} else {
		b.tree.Nodes[parent].Children = append(b.tree.Nodes[parent].Children, idx)
	}
	return idx
}

// walkTop visits the named children of root in order, attaching runs of
// comments that end on the line directly above a declaration to that
// declaration. Other comments become standalone statements.
func (b *builder) walkTop(root *sitter.Node, visit func(n *sitter.Node, start uint32)) {
	var comments []*sitter.Node
	prevEnd := -1
	flush := func() {
		for _, c := range comments {
			b.add(merge.KindStatement, nil, c, c.StartByte())
		}
		comments = nil
	}

	count := int(root.NamedChildCount())
	for i := 0; i < count; i++ {
		n := root.NamedChild(i)
		row := int(n.StartPoint().Row)
		if n.Type() == "comment" {
			if row == prevEnd && len(comments) == 0 {
				b.add(merge.KindStatement, nil, n, n.StartByte())
				continue
			}
			if len(comments) > 0 && row != int(comments[len(comments)-1].EndPoint().Row)+1 {
				flush()
			}
			comments = append(comments, n)
			continue
		}
		start := n.StartByte()
		if len(comments) > 0 {
			if int(comments[len(comments)-1].EndPoint().Row)+1 == row {
				start = comments[0].StartByte()
				comments = nil
			} else {
				flush()
			}
		}
		visit(n, start)
		prevEnd = int(n.EndPoint().Row)
	}
	flush()
	b.tree.Errors = syntaxErrors(root)
}

// syntaxErrors returns the first ERROR or MISSING node under root.
func syntaxErrors(root *sitter.Node) []merge.SyntaxError {
	if !root.HasError() {
		return nil
	}
	bad := firstError(root)
	if bad == nil {
		return []merge.SyntaxError{{Line: 1, Column: 1, Message: "syntax error"}}
	}
	p := bad.StartPoint()
	msg := "unexpected input"
	if bad.IsMissing() {
		msg = fmt.Sprintf("missing %s", bad.Type())
	}
	return []merge.SyntaxError{{Line: int(p.Row) + 1, Column: int(p.Column) + 1, Message: msg}}
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if bad := firstError(n.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}
