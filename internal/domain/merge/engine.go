package merge

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Engine merges fragments into documents. It performs no locking: callers
// serialize merges per document.
type Engine struct {
	parsers map[string]Parser
	byExt   map[string]string
}

// NewEngine returns an engine that understands the given languages.
func NewEngine(parsers ...Parser) *Engine {
	e := &Engine{parsers: make(map[string]Parser), byExt: make(map[string]string)}
	for _, p := range parsers {
		e.parsers[p.Language()] = p
		for _, ext := range p.Extensions() {
			e.byExt[ext] = p.Language()
		}
	}
	return e
}

// Languages returns the supported language names, sorted.
func (e *Engine) Languages() []string {
	out := make([]string, 0, len(e.parsers))
	for l := range e.parsers {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// LanguageFor resolves the language of a document from its explicit
// language or its path extension.
func (e *Engine) LanguageFor(doc Document) string {
	if doc.Language != "" {
		return doc.Language
	}
	return e.byExt[strings.ToLower(filepath.Ext(doc.Path))]
}

// Merge applies fragments to doc in order. The original document is returned
// unchanged on conflict or rejection; a merged result always re-parses.
func (e *Engine) Merge(ctx context.Context, doc Document, fragments []Fragment) Result {
	lang := e.LanguageFor(doc)
	if lang == "" {
		for _, f := range fragments {
			if f.Contract.Language != "" {
				lang = f.Contract.Language
				break
			}
		}
	}
	p, ok := e.parsers[lang]
	if !ok {
		return failed(doc, StatusRejected, nil, Diagnostic{
			Fragment: -1, Code: CodeContract,
			Message: fmt.Sprintf("no parser for language %q (path %q)", lang, doc.Path),
		})
	}

	m := &merger{ctx: ctx, parser: p, doc: doc, work: []byte(doc.Content), replacedBy: make(map[string]int)}
	if err := m.reparse(); err != nil {
		return failed(doc, StatusRejected, nil, Diagnostic{Fragment: -1, Code: CodeSyntax, Message: err.Error()})
	}
	if m.tree.HasError() {
		se := m.tree.Errors[0]
		return failed(doc, StatusRejected, nil, Diagnostic{
			Fragment: -1, Code: CodeSyntax, Line: se.Line, Column: se.Column,
			Message: "target document does not parse: " + se.Message,
		})
	}

	last := -1
	for i := range fragments {
		changed, status, diag := m.applyFragment(i, &fragments[i])
		if diag != nil {
			return failed(doc, status, m.notes, *diag)
		}
		if changed {
			last = i
		}
	}

	// Round-trip the final text through the parser before calling it merged.
	if err := m.reparse(); err != nil {
		return failed(doc, StatusRejected, m.notes, Diagnostic{Fragment: last, Code: CodeSyntax, Message: err.Error()})
	}
	if m.tree.HasError() {
		se := m.tree.Errors[0]
		return failed(doc, StatusRejected, m.notes, Diagnostic{
			Fragment: last, Code: CodeSyntax, Line: se.Line, Column: se.Column,
			Message: "merged document does not parse: " + se.Message,
		})
	}

	return Result{
		Status:      StatusMerged,
		Document:    Document{Path: doc.Path, Language: doc.Language, Content: string(m.work)},
		Diagnostics: m.notes,
		Applied:     m.applied,
	}
}

func failed(doc Document, status Status, notes []Diagnostic, d Diagnostic) Result {
	return Result{Status: status, Document: doc, Diagnostics: append(append([]Diagnostic(nil), notes...), d)}
}

type merger struct {
	ctx    context.Context
	parser Parser
	doc    Document

	work  []byte
	tree  *Tree
	index map[string]int

	applied    []Action
	notes      []Diagnostic
	replacedBy map[string]int
}

// unit is one declaration of a fragment to integrate. full is its standalone
// text; spec is its text inside a parenthesized group, empty when the node
// cannot live in one.
type unit struct {
	tree *Tree
	node int
	full string
	spec string
}

func (m *merger) reparse() error {
	t, err := m.parser.Parse(m.ctx, m.work)
	if err != nil {
		return fmt.Errorf("parse %s: %w", m.parser.Language(), err)
	}
	m.tree = t
	m.index = t.Index()
	return nil
}

func (m *merger) splice(start, end int, text string) error {
	var buf bytes.Buffer
	buf.Grow(len(m.work) - (end - start) + len(text))
	buf.Write(m.work[:start])
	buf.WriteString(text)
	buf.Write(m.work[end:])
	m.work = buf.Bytes()
	return m.reparse()
}

func (m *merger) applyFragment(i int, f *Fragment) (bool, Status, *Diagnostic) {
	if f.TargetPath != "" && m.doc.Path != "" && f.TargetPath != m.doc.Path {
		return false, StatusRejected, &Diagnostic{
			Fragment: i, Code: CodeContract,
			Message: fmt.Sprintf("fragment targets %q, document is %q", f.TargetPath, m.doc.Path),
		}
	}

	ft, err := m.parser.Parse(m.ctx, []byte(f.Source))
	if err != nil {
		return false, StatusRejected, &Diagnostic{Fragment: i, Code: CodeSyntax, Message: err.Error()}
	}
	if ft.HasError() {
		se := ft.Errors[0]
		return false, StatusRejected, &Diagnostic{
			Fragment: i, Code: CodeSyntax, Line: se.Line, Column: se.Column,
			Message: "fragment does not parse: " + se.Message,
		}
	}
	if d := checkExports(i, f, ft); d != nil {
		return false, StatusRejected, d
	}

	changed := false
	for _, top := range ft.Top {
		n := &ft.Nodes[top]
		if n.Kind == KindPackage {
			c, d := m.applyPackage(i, ft, top)
			if d != nil {
				return false, StatusConflict, d
			}
			changed = changed || c
			continue
		}
		for _, u := range m.units(ft, top) {
			c, status, d := m.applyUnit(i, f, u)
			if d != nil {
				return false, status, d
			}
			changed = changed || c
		}
	}

	if m.tree.HasError() {
		se := m.tree.Errors[0]
		return false, StatusRejected, &Diagnostic{
			Fragment: i, Code: CodeSyntax, Line: se.Line, Column: se.Column,
			Message: "document does not parse after applying fragment: " + se.Message,
		}
	}
	return changed, StatusMerged, nil
}

// units splits a fragment declaration into mergeable pieces. A parenthesized
// group is inserted whole when none of its specs exist in the target, except
// imports, which always join the target's import block when there is one.
func (m *merger) units(ft *Tree, top int) []unit {
	n := &ft.Nodes[top]
	if len(n.Children) == 0 {
		return []unit{{tree: ft, node: top, full: ft.Text(top)}}
	}
	if !n.Grouped {
		c := n.Children[0]
		return []unit{{tree: ft, node: c, full: ft.Text(top), spec: ft.Text(c)}}
	}
	whole := !(n.Kind == KindImport && m.lastTop(KindImport) >= 0)
	for _, c := range n.Children {
		for _, k := range ft.Nodes[c].Keys() {
			if _, ok := m.index[k]; ok {
				whole = false
			}
		}
	}
	if whole {
		return []unit{{tree: ft, node: top, full: ft.Text(top)}}
	}
	out := make([]unit, 0, len(n.Children))
	for _, c := range n.Children {
		spec := ft.Text(c)
		out = append(out, unit{tree: ft, node: c, full: ft.Nodes[c].Keyword + " " + spec, spec: spec})
	}
	return out
}

func (m *merger) applyPackage(i int, ft *Tree, top int) (bool, *Diagnostic) {
	n := &ft.Nodes[top]
	name := n.Names[0]
	switch {
	case m.tree.Package == "":
		text := ft.Text(top)
		var err error
		if len(bytes.TrimSpace(m.work)) == 0 {
			err = m.splice(0, len(m.work), text+"\n")
		} else {
			err = m.splice(0, 0, text+"\n\n")
		}
		if err != nil {
			return false, &Diagnostic{Fragment: i, Code: CodeSyntax, Message: err.Error()}
		}
		m.record(i, name, n.Kind, OpInserted)
		return true, nil
	case m.tree.Package != name:
		return false, &Diagnostic{
			Fragment: i, Identifier: name, Line: n.Line, Column: n.Column, Code: CodeConflict,
			Message: fmt.Sprintf("package %q does not match target package %q", name, m.tree.Package),
		}
	default:
		m.record(i, name, n.Kind, OpUnchanged)
		return false, nil
	}
}

func (m *merger) applyUnit(i int, f *Fragment, u unit) (bool, Status, *Diagnostic) {
	n := &u.tree.Nodes[u.node]
	ident := label(n)

	matches := m.matches(n.Keys())
	if len(matches) == 0 {
		start, end, text := m.placement(i, f, u)
		if err := m.splice(start, end, text); err != nil {
			return false, StatusRejected, &Diagnostic{Fragment: i, Identifier: ident, Code: CodeSyntax, Message: err.Error()}
		}
		m.record(i, ident, n.Kind, OpInserted)
		return true, StatusMerged, nil
	}
	if len(matches) > 1 {
		return false, StatusConflict, &Diagnostic{
			Fragment: i, Identifier: ident, Line: n.Line, Column: n.Column, Code: CodeConflict,
			Message: fmt.Sprintf("%s %q collides with %d separate declarations", n.Kind, ident, len(matches)),
		}
	}

	t := matches[0]
	tn := &m.tree.Nodes[t]
	span, incoming := tn.Span, u.full
	if tn.Parent >= 0 {
		parent := &m.tree.Nodes[tn.Parent]
		if parent.Grouped {
			incoming = u.spec
		} else {
			span = parent.Span
		}
	}
	existing := string(m.work[span.Start:span.End])

	if incoming != "" && Hash(existing) == Hash(incoming) {
		m.record(i, ident, n.Kind, OpUnchanged)
		return false, StatusMerged, nil
	}
	if !f.Replace || incoming == "" {
		return false, StatusConflict, &Diagnostic{
			Fragment: i, Identifier: ident, Line: n.Line, Column: n.Column, Code: CodeConflict,
			Message: fmt.Sprintf("%s %q already declared at line %d of the target", n.Kind, ident, tn.Line),
		}
	}

	for _, k := range n.Keys() {
		if prev, ok := m.replacedBy[k]; ok && prev != i {
			m.notes = append(m.notes, Diagnostic{
				Fragment: i, Identifier: ident, Line: n.Line, Column: n.Column, Code: CodeNote,
				Message: fmt.Sprintf("overrides the replacement from fragment %d", prev),
			})
		}
		m.replacedBy[k] = i
	}
	if err := m.splice(span.Start, span.End, incoming); err != nil {
		return false, StatusRejected, &Diagnostic{Fragment: i, Identifier: ident, Code: CodeSyntax, Message: err.Error()}
	}
	m.record(i, ident, n.Kind, OpReplaced)
	return true, StatusMerged, nil
}

func (m *merger) matches(keys []string) []int {
	var out []int
	for _, k := range keys {
		t, ok := m.index[k]
		if !ok {
			continue
		}
		dup := false
		for _, o := range out {
			if o == t {
				dup = true
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

// placement returns the byte range to replace and the text to put there for
// a new declaration.
func (m *merger) placement(i int, f *Fragment, u unit) (int, int, string) {
	n := &u.tree.Nodes[u.node]
	switch n.Kind {
	case KindImport:
		return m.importPlacement(u)
	case KindPackage:
		return 0, 0, u.full + "\n\n"
	case KindFunction, KindMethod, KindType, KindConstant, KindVariable, KindStatement:
	}

	if f.InsertAfter != "" {
		if t, ok := m.index[f.InsertAfter]; ok {
			end := m.tree.Nodes[m.tree.Root(t)].Span.End
			return end, end, "\n\n" + u.full
		}
		m.notes = append(m.notes, Diagnostic{
			Fragment: i, Identifier: f.InsertAfter, Code: CodeNote,
			Message: "insert_after anchor not found; appending",
		})
	}
	if n.Kind == KindMethod && n.Group != "" {
		if last := m.lastInGroup(n.Group); last >= 0 {
			end := m.tree.Nodes[last].Span.End
			return end, end, "\n\n" + u.full
		}
	}
	if k := len(m.tree.Top); k > 0 {
		if last := &m.tree.Nodes[m.tree.Top[k-1]]; last.Footer {
			return last.Span.Start, last.Span.Start, u.full + "\n\n"
		}
	}
	return m.appendAt(u.full)
}

func (m *merger) importPlacement(u unit) (int, int, string) {
	if last := m.lastTop(KindImport); last >= 0 {
		l := &m.tree.Nodes[last]
		if l.Grouped && u.spec != "" {
			pos := l.Inner.End
			if pos > 0 && m.work[pos-1] == '\n' {
				return pos, pos, "\t" + u.spec + "\n"
			}
			return pos, pos, "\n\t" + u.spec + "\n"
		}
		return l.Span.End, l.Span.End, "\n" + u.full
	}
	if pkg := m.lastTop(KindPackage); pkg >= 0 {
		end := m.tree.Nodes[pkg].Span.End
		return end, end, "\n\n" + u.full
	}
	for _, top := range m.tree.Top {
		if h := &m.tree.Nodes[top]; h.Header {
			return h.Span.End, h.Span.End, "\n\n" + u.full
		}
	}
	if len(m.tree.Top) > 0 {
		start := m.tree.Nodes[m.tree.Top[0]].Span.Start
		return start, start, u.full + "\n\n"
	}
	return m.appendAt(u.full)
}

func (m *merger) appendAt(text string) (int, int, string) {
	trimmed := len(bytes.TrimRight(m.work, " \t\r\n"))
	if trimmed == 0 {
		return 0, len(m.work), text + "\n"
	}
	return trimmed, len(m.work), "\n\n" + text + "\n"
}

func (m *merger) lastTop(kind Kind) int {
	last := -1
	for _, top := range m.tree.Top {
		if m.tree.Nodes[top].Kind == kind {
			last = top
		}
	}
	return last
}

func (m *merger) lastInGroup(group string) int {
	last := -1
	for _, top := range m.tree.Top {
		n := &m.tree.Nodes[top]
		if n.Group == group {
			last = top
			continue
		}
		for _, c := range n.Children {
			if m.tree.Nodes[c].Group == group {
				last = top
			}
		}
	}
	return last
}

func (m *merger) record(i int, ident string, kind Kind, op Op) {
	m.applied = append(m.applied, Action{Fragment: i, Identifier: ident, Kind: kind.String(), Op: op})
}

func label(n *Node) string {
	if len(n.Names) > 0 {
		return n.Names[0]
	}
	return fmt.Sprintf("%s@%d", n.Kind, n.Line)
}

func checkExports(i int, f *Fragment, ft *Tree) *Diagnostic {
	defined := ft.Declared()
	declared := make(map[string]bool, len(f.DeclaredExports))
	for _, e := range f.DeclaredExports {
		if !defined[e] {
			return &Diagnostic{Fragment: i, Identifier: e, Code: CodeContract,
				Message: "declared export is not defined by the fragment"}
		}
		declared[e] = true
	}
	if len(f.Contract.RequiredExports) == 0 {
		return nil
	}
	required := make(map[string]bool, len(f.Contract.RequiredExports))
	for _, e := range f.Contract.RequiredExports {
		required[e] = true
		if !declared[e] {
			return &Diagnostic{Fragment: i, Identifier: e, Code: CodeContract,
				Message: "required export is not declared by the fragment"}
		}
	}
	for _, e := range f.DeclaredExports {
		if !required[e] {
			return &Diagnostic{Fragment: i, Identifier: e, Code: CodeContract,
				Message: "declared export is outside the fragment's contract"}
		}
	}
	return nil
}
