package main

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EstimateTransitions evaluates the smooth model at every age in the
// grid and solves one transportation problem per consecutive age pair.
// Each AgeTransition carries the raw flow matrix and the net annual
// transition probability matrix obtained by dividing each flow row by
// its supply. Rows whose supply is below tolerance are defined as the
// identity (no outflow observed, so no meaningful rate) and listed in
// IdentityRows.
//
// The first infeasible transport aborts the whole estimate; the error
// names the offending age pair.
func EstimateTransitions(model *SmoothModel, ageGrid []float64, cost *CostMatrix) ([]AgeTransition, error) {
	if model == nil {
		return nil, &ConfigError{Field: "model", Reason: "no fitted model"}
	}
	if len(ageGrid) < 2 {
		return nil, &ConfigError{Field: "age_grid", Reason: fmt.Sprintf("need at least 2 ages, got %d", len(ageGrid))}
	}
	for i := 1; i < len(ageGrid); i++ {
		if ageGrid[i] <= ageGrid[i-1] {
			return nil, &ConfigError{Field: "age_grid", Reason: fmt.Sprintf("ages must be strictly increasing, got %g before %g", ageGrid[i-1], ageGrid[i])}
		}
	}
	k := len(model.Categories)
	if cost == nil || cost.K() != k {
		return nil, &ConfigError{Field: "cost", Reason: "cost matrix does not match the model's category order"}
	}
	for i, c := range cost.Categories {
		if model.Categories[i] != c {
			return nil, &ConfigError{
				Field:  "cost",
				Reason: fmt.Sprintf("cost matrix category %d is %q, model has %q; rebuild the cost matrix for the current order", i, c, model.Categories[i]),
			}
		}
	}

	prev := make([][]float64, len(ageGrid))
	for i, age := range ageGrid {
		prev[i] = model.Prevalence(age)
	}

	out := make([]AgeTransition, 0, len(ageGrid)-1)
	for i := 0; i+1 < len(ageGrid); i++ {
		supply, demand := prev[i], prev[i+1]
		flow, err := SolveTransport(supply, demand, cost)
		if err != nil {
			return nil, fmt.Errorf("age pair %g->%g: %w", ageGrid[i], ageGrid[i+1], err)
		}

		probs := mat.NewDense(k, k, nil)
		var identity []int
		for r := 0; r < k; r++ {
			if supply[r] < degenerateSupply {
				probs.Set(r, r, 1)
				identity = append(identity, r)
				continue
			}
			for c := 0; c < k; c++ {
				probs.Set(r, c, flow.At(r, c)/supply[r])
			}
		}

		out = append(out, AgeTransition{
			AgeFrom:      ageGrid[i],
			AgeTo:        ageGrid[i+1],
			Flow:         flow,
			Probability:  probs,
			IdentityRows: identity,
		})
	}
	return out, nil
}
