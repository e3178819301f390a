// Package merge integrates generated code fragments into a target document
// by reasoning about parsed declarations rather than text lines.
package merge

import (
	"fmt"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/contract"
)

// Document is a shared source file that fragments are merged into.
type Document struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// Fragment is generated output satisfying one (sub-)contract, not yet
// integrated into its target document.
type Fragment struct {
	Source          string            `json:"source"`
	TargetPath      string            `json:"target_path,omitempty"`
	Contract        contract.Contract `json:"contract"`
	DeclaredExports []string          `json:"declared_exports,omitempty"`
	// Replace allows the fragment to overwrite declarations it collides with.
	Replace bool `json:"replace,omitempty"`
	// InsertAfter names a declaration new declarations are placed after.
	InsertAfter string `json:"insert_after,omitempty"`
}

// Status is the outcome of a merge.
type Status string

const (
	StatusMerged   Status = "merged"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
)

// Code classifies a diagnostic.
type Code string

const (
	CodeConflict Code = "conflict"
	CodeSyntax   Code = "syntax"
	CodeContract Code = "contract"
	CodeNote     Code = "note"
)

// Diagnostic identifies the offending fragment and declaration. Fragment is
// -1 when the target document itself is at fault.
type Diagnostic struct {
	Fragment   int    `json:"fragment"`
	Identifier string `json:"identifier,omitempty"`
	Line       int    `json:"line,omitempty"`
	Column     int    `json:"column,omitempty"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
}

func (d Diagnostic) String() string {
	loc := ""
	if d.Line > 0 {
		loc = fmt.Sprintf(" at %d:%d", d.Line, d.Column)
	}
	id := ""
	if d.Identifier != "" {
		id = fmt.Sprintf(" %q", d.Identifier)
	}
	return fmt.Sprintf("fragment %d%s%s: %s", d.Fragment, id, loc, d.Message)
}

// Op is what the engine did with one declaration.
type Op string

const (
	OpInserted  Op = "inserted"
	OpReplaced  Op = "replaced"
	OpUnchanged Op = "unchanged"
)

// Action records one applied declaration.
type Action struct {
	Fragment   int    `json:"fragment"`
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
	Op         Op     `json:"op"`
}

// Result is the outcome of merging fragments into a document. On conflict
// or rejection Document is the unmodified input.
type Result struct {
	Status      Status       `json:"status"`
	Document    Document     `json:"document"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Applied     []Action     `json:"applied,omitempty"`
}

// Changed reports whether any declaration was inserted or replaced.
func (r *Result) Changed() bool {
	for _, a := range r.Applied {
		if a.Op != OpUnchanged {
			return true
		}
	}
	return false
}

// Err maps a failed result to its sentinel error, or nil when merged.
func (r *Result) Err() error {
	if r.Status == StatusMerged {
		return nil
	}
	var first *Diagnostic
	for i := range r.Diagnostics {
		if r.Diagnostics[i].Code != CodeNote {
			first = &r.Diagnostics[i]
			break
		}
	}
	msg := string(r.Status)
	code := CodeSyntax
	if first != nil {
		msg = first.String()
		code = first.Code
	}
	switch {
	case r.Status == StatusConflict:
		return fmt.Errorf("%s: %w", msg, domain.ErrMergeConflict)
	case code == CodeContract:
		return fmt.Errorf("%s: %w", msg, domain.ErrInvalidContract)
	default:
		return fmt.Errorf("%s: %w", msg, domain.ErrMergeSyntax)
	}
}
