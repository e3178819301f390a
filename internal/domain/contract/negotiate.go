package contract

import (
	"fmt"

	"github.com/Strob0t/relay/internal/domain"
)

// DecisionKind is the negotiator's verdict on a contract.
type DecisionKind string

const (
	DecisionGenerate  DecisionKind = "GENERATE"
	DecisionDecompose DecisionKind = "DECOMPOSE"
	DecisionReject    DecisionKind = "REJECT"
)

// Decision is the outcome of a negotiation. Plan is set only for DECOMPOSE;
// Err is set only for REJECT.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	Estimate SizeEstimate `json:"estimate"`
	Plan     *Plan        `json:"plan,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Err      error        `json:"-"`
}

// Negotiator compares estimates against contract budgets and splits
// oversized contracts into budget-compliant sub-contracts.
type Negotiator struct {
	estimator Estimator
}

// NewNegotiator returns a Negotiator that re-estimates candidate groups with est.
func NewNegotiator(est Estimator) *Negotiator {
	return &Negotiator{estimator: est}
}

// Decide returns GENERATE when est fits the contract budget, DECOMPOSE with a
// partitioning plan when the exports can be grouped into fitting pieces, and
// REJECT (wrapping domain.ErrBudgetExceeded) otherwise. origin names the
// originating contract in the resulting plan.
func (n *Negotiator) Decide(origin string, task Task, c *Contract, est SizeEstimate) Decision {
	if c.Fits(est) {
		return Decision{Kind: DecisionGenerate, Estimate: est}
	}
	if len(c.RequiredExports) <= 1 {
		return reject(est, fmt.Errorf("estimate %d lines / %d tokens exceeds budget %d / %d with nothing to split: %w",
			est.Lines, est.Tokens, c.MaxLines, c.MaxTokens, domain.ErrBudgetExceeded))
	}

	plan := &Plan{Origin: origin}
	var group []string
	var groupEst SizeEstimate

	flush := func() {
		plan.SubContracts = append(plan.SubContracts, SubContract{
			Contract: c.Narrow(group),
			Origin:   origin,
			Index:    len(plan.SubContracts),
			Estimate: groupEst,
		})
		group = nil
	}

	for _, export := range c.RequiredExports {
		candidate := append(append([]string(nil), group...), export)
		candEst := n.estimator.Estimate(task.WithExports(candidate))
		if c.Fits(candEst) {
			group, groupEst = candidate, candEst
			continue
		}
		if len(group) > 0 {
			flush()
		}
		single := n.estimator.Estimate(task.WithExports([]string{export}))
		if !c.Fits(single) {
			return reject(est, fmt.Errorf("export %q alone needs %d lines / %d tokens, budget %d / %d: %w",
				export, single.Lines, single.Tokens, c.MaxLines, c.MaxTokens, domain.ErrBudgetExceeded))
		}
		group, groupEst = []string{export}, single
	}
	if len(group) > 0 {
		flush()
	}

	return Decision{
		Kind:     DecisionDecompose,
		Estimate: est,
		Plan:     plan,
		Reason:   fmt.Sprintf("split %d exports into %d sub-contracts", len(c.RequiredExports), len(plan.SubContracts)),
	}
}

func reject(est SizeEstimate, err error) Decision {
	return Decision{Kind: DecisionReject, Estimate: est, Reason: err.Error(), Err: err}
}
