package contract

import (
	"errors"
	"fmt"
)

// SubContract is one narrowed slice of a decomposed contract.
type SubContract struct {
	Contract Contract     `json:"contract"`
	Origin   string       `json:"origin"`
	Index    int          `json:"index"`
	Estimate SizeEstimate `json:"estimate"`
}

// Plan is an ordered decomposition of one contract.
type Plan struct {
	Origin       string        `json:"origin"`
	SubContracts []SubContract `json:"sub_contracts"`
}

var (
	ErrPlanEmpty          = errors.New("plan has no sub-contracts")
	ErrPlanDuplicate      = errors.New("export owned by more than one sub-contract")
	ErrPlanMissingExport  = errors.New("export not covered by any sub-contract")
	ErrPlanUnknownExport  = errors.New("sub-contract names an export the origin does not require")
	ErrPlanOriginMismatch = errors.New("sub-contract origin does not match plan origin")
)

// Exports returns the exports in plan order.
func (p *Plan) Exports() []string {
	var out []string
	for i := range p.SubContracts {
		out = append(out, p.SubContracts[i].Contract.RequiredExports...)
	}
	return out
}

// Validate checks that the plan partitions the original contract's exports:
// every export owned by exactly one sub-contract, none invented.
func (p *Plan) Validate(original *Contract) error {
	if len(p.SubContracts) == 0 {
		return ErrPlanEmpty
	}
	required := make(map[string]bool, len(original.RequiredExports))
	for _, e := range original.RequiredExports {
		required[e] = true
	}
	owner := make(map[string]int, len(original.RequiredExports))
	for i := range p.SubContracts {
		sc := &p.SubContracts[i]
		if sc.Origin != p.Origin {
			return fmt.Errorf("sub-contract %d: %w", i, ErrPlanOriginMismatch)
		}
		for _, e := range sc.Contract.RequiredExports {
			if !required[e] {
				return fmt.Errorf("sub-contract %d export %q: %w", i, e, ErrPlanUnknownExport)
			}
			if prev, ok := owner[e]; ok {
				return fmt.Errorf("export %q in sub-contracts %d and %d: %w", e, prev, i, ErrPlanDuplicate)
			}
			owner[e] = i
		}
	}
	for _, e := range original.RequiredExports {
		if _, ok := owner[e]; !ok {
			return fmt.Errorf("export %q: %w", e, ErrPlanMissingExport)
		}
	}
	return nil
}
