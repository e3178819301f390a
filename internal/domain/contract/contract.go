// Package contract defines output contracts, size estimates and the
// generate/decompose/reject negotiation over them.
package contract

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Strob0t/relay/internal/domain"
)

// Contract bounds the output a receiving agent may produce for one handoff.
type Contract struct {
	MaxLines            int      `json:"max_lines"`
	MaxTokens           int      `json:"max_tokens"`
	RequiredExports     []string `json:"required_exports"`
	CompletenessMarkers []string `json:"completeness_markers,omitempty"`
	TargetPath          string   `json:"target_path,omitempty"`
	Language            string   `json:"language,omitempty"`
}

// Validate checks that the contract is well-formed: positive budgets and a
// non-empty, duplicate-free export set.
func (c *Contract) Validate() error {
	if c.MaxLines <= 0 {
		return fmt.Errorf("max_lines must be > 0, got %d: %w", c.MaxLines, domain.ErrInvalidContract)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be > 0, got %d: %w", c.MaxTokens, domain.ErrInvalidContract)
	}
	if len(c.RequiredExports) == 0 {
		return fmt.Errorf("required_exports must not be empty: %w", domain.ErrInvalidContract)
	}
	seen := make(map[string]bool, len(c.RequiredExports))
	for _, e := range c.RequiredExports {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("required_exports contains an empty name: %w", domain.ErrInvalidContract)
		}
		if seen[e] {
			return fmt.Errorf("required export %q listed twice: %w", e, domain.ErrInvalidContract)
		}
		seen[e] = true
	}
	for _, m := range c.CompletenessMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("completeness_markers contains an empty marker: %w", domain.ErrInvalidContract)
		}
	}
	return nil
}

// Fits reports whether an estimate stays within both budgets.
func (c *Contract) Fits(est SizeEstimate) bool {
	return est.Lines <= c.MaxLines && est.Tokens <= c.MaxTokens
}

// Narrow returns a copy of c restricted to the given exports. Budgets,
// markers and target stay the same.
func (c *Contract) Narrow(exports []string) Contract {
	n := *c
	n.RequiredExports = slices.Clone(exports)
	n.CompletenessMarkers = slices.Clone(c.CompletenessMarkers)
	return n
}

// Complexity is a coarse size class.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityVeryHigh Complexity = "very_high"
)

// SizeEstimate predicts the size of a generation task before it runs.
type SizeEstimate struct {
	Lines      int        `json:"lines"`
	Tokens     int        `json:"tokens"`
	Complexity Complexity `json:"complexity"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

// Task is the input to a size estimate.
type Task struct {
	Description string   `json:"description"`
	Exports     []string `json:"exports,omitempty"`
	Language    string   `json:"language,omitempty"`
	// Sample is optional existing code used to calibrate tokens per line.
	Sample string `json:"sample,omitempty"`
}

// WithExports returns a copy of t scoped to a subset of exports.
func (t Task) WithExports(exports []string) Task {
	t.Exports = slices.Clone(exports)
	return t
}

// Estimator predicts output size. Implementations must be pure.
type Estimator interface {
	Estimate(task Task) SizeEstimate
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(task Task) SizeEstimate

// Estimate calls f(task).
func (f EstimatorFunc) Estimate(task Task) SizeEstimate { return f(task) }
