package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind is the closed set of top-level declaration kinds the engine knows.
type Kind uint8

const (
	KindPackage Kind = iota + 1
	KindImport
	KindFunction
	KindMethod
	KindType
	KindConstant
	KindVariable
	KindStatement
)

func (k Kind) String() string {
	switch k {
	case KindPackage:
		return "package"
	case KindImport:
		return "import"
	case KindFunction:
		return "function"
	case KindMethod:
		return "method"
	case KindType:
		return "type"
	case KindConstant:
		return "constant"
	case KindVariable:
		return "variable"
	case KindStatement:
		return "statement"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Span is a half-open byte range [Start, End) into a tree's source.
type Span struct {
	Start int
	End   int
}

// Node is one declaration in an arena Tree. Nodes reference each other by
// index; Parent is -1 for top-level nodes.
type Node struct {
	Kind Kind
	// Names are the identifiers the node declares. For imports they are the
	// import paths (Go) or the normalized statement (Python).
	Names []string
	// Group is the type a Go method or type spec belongs to.
	Group string
	// Keyword wraps a Go spec when it stands alone ("import", "const", "var", "type").
	Keyword string
	// Grouped marks a parenthesized Go declaration; Inner is the range
	// between its parentheses.
	Grouped bool
	Inner   Span
	// Header marks a node that must stay first in the document, such as a
	// Python module docstring. Footer marks a trailing entry point, such as
	// a Python main guard, that new declarations go in front of.
	Header bool
	Footer bool
	// Span covers the node including attached doc comments.
	Span   Span
	Line   int
	Column int
	Hash   string

	Parent   int
	Children []int
}

// Keys returns the identity keys used to detect collisions. Statements and
// nameless declarations are identified by content.
func (n *Node) Keys() []string {
	switch n.Kind {
	case KindPackage:
		return []string{"package"}
	case KindImport:
		keys := make([]string, len(n.Names))
		for i, name := range n.Names {
			keys[i] = "import:" + name
		}
		return keys
	case KindFunction, KindMethod, KindType, KindConstant, KindVariable:
		if len(n.Names) == 0 {
			return []string{"stmt:" + n.Hash}
		}
		return n.Names
	case KindStatement:
		return []string{"stmt:" + n.Hash}
	}
	panic(fmt.Sprintf("merge: unhandled kind %s", n.Kind))
}

// SyntaxError locates a parse failure (1-based).
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

// Tree is an arena of declarations parsed from one source text.
type Tree struct {
	Language string
	Source   []byte
	Nodes    []Node
	Top      []int
	Package  string
	Errors   []SyntaxError
}

// HasError reports whether the source failed to parse cleanly.
func (t *Tree) HasError() bool { return len(t.Errors) > 0 }

// Text returns the source covered by node i.
func (t *Tree) Text(i int) string {
	n := &t.Nodes[i]
	return string(t.Source[n.Span.Start:n.Span.End])
}

// Root returns the top-level ancestor of node i.
func (t *Tree) Root(i int) int {
	for t.Nodes[i].Parent >= 0 {
		i = t.Nodes[i].Parent
	}
	return i
}

// Index maps identity keys to node indexes. Declarations with spec children
// are indexed through their children. Later duplicates win.
func (t *Tree) Index() map[string]int {
	idx := make(map[string]int, len(t.Nodes))
	for _, top := range t.Top {
		n := &t.Nodes[top]
		if len(n.Children) == 0 {
			for _, k := range n.Keys() {
				idx[k] = top
			}
			continue
		}
		for _, c := range n.Children {
			for _, k := range t.Nodes[c].Keys() {
				idx[k] = c
			}
		}
	}
	return idx
}

// Declared returns the export names the tree defines at top level. Methods
// are listed both qualified and bare.
func (t *Tree) Declared() map[string]bool {
	out := make(map[string]bool)
	for i := range t.Nodes {
		n := &t.Nodes[i]
		switch n.Kind {
		case KindFunction, KindType, KindConstant, KindVariable:
			for _, name := range n.Names {
				out[name] = true
			}
		case KindMethod:
			for _, name := range n.Names {
				out[name] = true
				if _, bare, ok := strings.Cut(name, "."); ok {
					out[bare] = true
				}
			}
		case KindPackage, KindImport, KindStatement:
		}
	}
	return out
}

// Parser turns source text into a Tree for one language.
type Parser interface {
	Language() string
	Extensions() []string
	Parse(ctx context.Context, src []byte) (*Tree, error)
}

// Hash returns a content hash of text, insensitive to trailing whitespace and
// line-ending style.
func Hash(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
