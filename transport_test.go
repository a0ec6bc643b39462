package main

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func mustCost(t *testing.T, categories []string, cfg CostConfig) *CostMatrix {
	t.Helper()
	cost, err := BuildCostMatrix(categories, cfg)
	if err != nil {
		t.Fatalf("BuildCostMatrix failed: %v", err)
	}
	return cost
}

func totalCost(flow *mat.Dense, cost *CostMatrix) float64 {
	k := cost.K()
	sum := 0.0
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			sum += flow.At(i, j) * cost.M.At(i, j)
		}
	}
	return sum
}

func TestBuildCostMatrix(t *testing.T) {
	cats := []string{"normal", "overweight", "obese"}
	cost := mustCost(t, cats, CostConfig{})

	for i := 0; i < 3; i++ {
		if cost.M.At(i, i) != 0 {
			t.Errorf("diagonal entry (%d,%d) = %v, want 0", i, i, cost.M.At(i, i))
		}
	}
	if !almostEqual(cost.M.At(0, 1), 1, 1e-12) {
		t.Errorf("cost(0,1) = %v, want 1", cost.M.At(0, 1))
	}
	if !almostEqual(cost.M.At(0, 2), math.Pow(2, 1.5), 1e-12) {
		t.Errorf("cost(0,2) = %v, want 2^1.5", cost.M.At(0, 2))
	}
	// Convex: a distant jump costs more than its chain of adjacent moves.
	if cost.M.At(0, 2) <= cost.M.At(0, 1)+cost.M.At(1, 2) {
		t.Errorf("cost(0,2) = %v not above cost(0,1)+cost(1,2) = %v",
			cost.M.At(0, 2), cost.M.At(0, 1)+cost.M.At(1, 2))
	}
	if cost.M.At(0, 2) != cost.M.At(2, 0) {
		t.Errorf("default cost not symmetric: %v vs %v", cost.M.At(0, 2), cost.M.At(2, 0))
	}

	custom := mustCost(t, cats, CostConfig{Fn: func(d int) float64 { return float64(d * d) }})
	if custom.M.At(0, 2) != 4 {
		t.Errorf("custom cost(0,2) = %v, want 4", custom.M.At(0, 2))
	}

	var cfgErr *ConfigError
	if _, err := BuildCostMatrix([]string{"one"}, CostConfig{}); !errors.As(err, &cfgErr) {
		t.Errorf("single category: got %v, want ConfigError", err)
	}
	if _, err := BuildCostMatrix([]string{"a", "a"}, CostConfig{}); !errors.As(err, &cfgErr) {
		t.Errorf("duplicate category: got %v, want ConfigError", err)
	}
	if _, err := BuildCostMatrix(cats, CostConfig{Fn: func(int) float64 { return 1 }}); !errors.As(err, &cfgErr) {
		t.Errorf("flat cost function: got %v, want ConfigError", err)
	}
	if _, err := BuildCostMatrix(cats, CostConfig{Exponent: -2}); !errors.As(err, &cfgErr) {
		t.Errorf("negative exponent: got %v, want ConfigError", err)
	}
}

func TestSolveTransportMarginals(t *testing.T) {
	tests := []struct {
		name   string
		supply []float64
		demand []float64
	}{
		{"balanced3", []float64{0.5, 0.3, 0.2}, []float64{0.2, 0.5, 0.3}},
		{"skewed3", []float64{0.90, 0.07, 0.03}, []float64{0.25, 0.55, 0.20}},
		{"zeroSupplyEntry", []float64{0.0, 0.6, 0.4}, []float64{0.1, 0.5, 0.4}},
		{"zeroDemandEntry", []float64{0.3, 0.3, 0.4}, []float64{0.0, 0.4, 0.6}},
		{"four", []float64{0.4, 0.3, 0.2, 0.1}, []float64{0.1, 0.2, 0.3, 0.4}},
	}

	for _, test := range tests {
		cats := make([]string, len(test.supply))
		for i := range cats {
			cats[i] = string(rune('a' + i))
		}
		cost := mustCost(t, cats, CostConfig{})

		flow, err := SolveTransport(test.supply, test.demand, cost)
		if err != nil {
			t.Errorf("%s: SolveTransport returned error: %v", test.name, err)
			continue
		}

		k := len(test.supply)
		for i := 0; i < k; i++ {
			rowSum, colSum := 0.0, 0.0
			for j := 0; j < k; j++ {
				if flow.At(i, j) < 0 {
					t.Errorf("%s: negative flow at (%d,%d): %v", test.name, i, j, flow.At(i, j))
				}
				rowSum += flow.At(i, j)
				colSum += flow.At(j, i)
			}
			if !almostEqual(rowSum, test.supply[i], 1e-9) {
				t.Errorf("%s: row %d sums to %v, want %v", test.name, i, rowSum, test.supply[i])
			}
			if !almostEqual(colSum, test.demand[i], 1e-9) {
				t.Errorf("%s: column %d sums to %v, want %v", test.name, i, colSum, test.demand[i])
			}
		}
	}
}

func TestSolveTransportOptimal2x2(t *testing.T) {
	cost := mustCost(t, []string{"a", "b"}, CostConfig{})
	supply := []float64{0.7, 0.3}
	demand := []float64{0.4, 0.6}

	flow, err := SolveTransport(supply, demand, cost)
	if err != nil {
		t.Fatalf("SolveTransport returned error: %v", err)
	}

	// Hand-computed optimum: keep 0.4 in a, move 0.3 a->b, keep 0.3 in b.
	want := [][]float64{{0.4, 0.3}, {0.0, 0.3}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !almostEqual(flow.At(i, j), want[i][j], 1e-9) {
				t.Errorf("flow(%d,%d) = %v, want %v", i, j, flow.At(i, j), want[i][j])
			}
		}
	}
	if !almostEqual(totalCost(flow, cost), 0.3, 1e-9) {
		t.Errorf("total cost = %v, want 0.3", totalCost(flow, cost))
	}
}

func TestSolveTransportOptimal3x3(t *testing.T) {
	cost := mustCost(t, []string{"a", "b", "c"}, CostConfig{})
	supply := []float64{0.5, 0.3, 0.2}
	demand := []float64{0.2, 0.5, 0.3}

	flow, err := SolveTransport(supply, demand, cost)
	if err != nil {
		t.Fatalf("SolveTransport returned error: %v", err)
	}

	// Convex cost makes the monotone coupling optimal: 0.3 moves a->b
	// and 0.1 moves b->c, total cost 0.3*1 + 0.1*1 = 0.4. The direct
	// a->c jump would cost 2^1.5 per unit and is never used.
	if !almostEqual(totalCost(flow, cost), 0.4, 1e-9) {
		t.Errorf("total cost = %v, want 0.4", totalCost(flow, cost))
	}
	if !almostEqual(flow.At(0, 2), 0, 1e-9) {
		t.Errorf("flow(0,2) = %v, want 0 (distant jump)", flow.At(0, 2))
	}
}

func TestSolveTransportDeterminism(t *testing.T) {
	cost := mustCost(t, []string{"a", "b", "c", "d"}, CostConfig{})
	supply := []float64{0.25, 0.25, 0.25, 0.25}
	demand := []float64{0.1, 0.4, 0.15, 0.35}

	first, err := SolveTransport(supply, demand, cost)
	if err != nil {
		t.Fatalf("first solve returned error: %v", err)
	}
	second, err := SolveTransport(supply, demand, cost)
	if err != nil {
		t.Fatalf("second solve returned error: %v", err)
	}

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if first.At(i, j) != second.At(i, j) {
				t.Errorf("solve not bit-identical at (%d,%d): %v vs %v",
					i, j, first.At(i, j), second.At(i, j))
			}
		}
	}
}

func TestSolveTransportEqualMarginals(t *testing.T) {
	cost := mustCost(t, []string{"a", "b", "c"}, CostConfig{})
	p := []float64{0.5, 0.3, 0.2}

	flow, err := SolveTransport(p, p, cost)
	if err != nil {
		t.Fatalf("SolveTransport returned error: %v", err)
	}

	// Staying is strictly cheapest, so equal marginals mean no movement.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = p[i]
			}
			if !almostEqual(flow.At(i, j), want, 1e-9) {
				t.Errorf("flow(%d,%d) = %v, want %v", i, j, flow.At(i, j), want)
			}
		}
	}
}

// Marginals off from 1 by less than the tolerance, in opposite
// directions: balancing rescales demand, and the column sums must still
// match the caller's demand within 1e-6.
func TestSolveTransportNearBalancedMarginals(t *testing.T) {
	cost := mustCost(t, []string{"a", "b", "c"}, CostConfig{})
	supply := []float64{0.5 + 4e-7, 0.3, 0.2}
	demand := []float64{0.2, 0.5, 0.3 - 4e-7}

	flow, err := SolveTransport(supply, demand, cost)
	if err != nil {
		t.Fatalf("SolveTransport returned error: %v", err)
	}
	for j := 0; j < 3; j++ {
		colSum := 0.0
		for i := 0; i < 3; i++ {
			colSum += flow.At(i, j)
		}
		if !almostEqual(colSum, demand[j], 1e-6) {
			t.Errorf("column %d sums to %v, want %v within 1e-6", j, colSum, demand[j])
		}
	}

	var infErr *InfeasibleError
	_, err = SolveTransport([]float64{0.5 + 6e-7, 0.3, 0.2}, []float64{0.2, 0.5, 0.3}, cost)
	if !errors.As(err, &infErr) {
		t.Errorf("supply sum past tolerance: got %v, want InfeasibleError", err)
	}
}

func TestSolveTransportInfeasible(t *testing.T) {
	cost := mustCost(t, []string{"a", "b", "c"}, CostConfig{})

	var infErr *InfeasibleError
	_, err := SolveTransport([]float64{0.5, 0.5, -0.1}, []float64{0.3, 0.4, 0.3}, cost)
	if !errors.As(err, &infErr) {
		t.Errorf("negative supply: got %v, want InfeasibleError", err)
	}

	_, err = SolveTransport([]float64{0.5, 0.3, 0.17}, []float64{0.3, 0.4, 0.3}, cost)
	if !errors.As(err, &infErr) {
		t.Fatalf("unnormalized supply: got %v, want InfeasibleError", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "0.97") {
		t.Errorf("error does not name the offending sum: %q", msg)
	}

	var cfgErr *ConfigError
	_, err = SolveTransport([]float64{0.5, 0.5}, []float64{0.3, 0.4, 0.3}, cost)
	if !errors.As(err, &cfgErr) {
		t.Errorf("length mismatch: got %v, want ConfigError", err)
	}
	_, err = SolveTransport([]float64{0.5, 0.5}, []float64{0.4, 0.6}, cost)
	if !errors.As(err, &cfgErr) {
		t.Errorf("cost dimension mismatch: got %v, want ConfigError", err)
	}
}
