package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// BuildCostMatrix builds the category-pair cost matrix from the ordered
// category labels. The default cost is |i-j|^cfg.Exponent; an exponent
// above 1 is convex in categorical distance, so a distant jump costs
// more than the chain of adjacent moves covering it and the transport
// solution routes mass through neighboring categories. The matrix is
// fixed for the whole run.
func BuildCostMatrix(categories []string, cfg CostConfig) (*CostMatrix, error) {
	k := len(categories)
	if k < 2 {
		return nil, &ConfigError{Field: "categories", Reason: "need at least 2 ordered categories"}
	}
	seen := make(map[string]bool, k)
	for _, c := range categories {
		if seen[c] {
			return nil, &ConfigError{Field: "categories", Reason: fmt.Sprintf("duplicate category %q", c)}
		}
		seen[c] = true
	}

	fn := cfg.Fn
	if fn == nil {
		exp := cfg.Exponent
		if exp == 0 {
			exp = 1.5
		}
		if exp < 0 {
			return nil, &ConfigError{Field: "cost_exponent", Reason: fmt.Sprintf("must be positive, got %g", exp)}
		}
		fn = func(dist int) float64 { return math.Pow(float64(dist), exp) }
	}

	diag := fn(0)
	m := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			d := i - j
			if d < 0 {
				d = -d
			}
			c := fn(d)
			if math.IsNaN(c) || c < 0 {
				return nil, &ConfigError{Field: "cost_function", Reason: fmt.Sprintf("cost(%d) = %g, want non-negative", d, c)}
			}
			if d > 0 && c <= diag {
				return nil, &ConfigError{Field: "cost_function", Reason: fmt.Sprintf("cost(%d) = %g does not exceed staying cost %g", d, c, diag)}
			}
			m.Set(i, j, c)
		}
	}

	return &CostMatrix{
		Categories: append([]string(nil), categories...),
		M:          m,
	}, nil
}

// K returns the number of categories the matrix was built for.
func (c *CostMatrix) K() int { return len(c.Categories) }
