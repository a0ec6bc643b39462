package main

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestBootstrapQuantile(t *testing.T) {
	tests := []struct {
		samples []float64
		q       float64
		want    float64
	}{
		{[]float64{3, 1, 5, 2, 4}, 0.5, 3},
		{[]float64{3, 1, 5, 2, 4}, 0, 1},
		{[]float64{3, 1, 5, 2, 4}, 1, 5},
		{[]float64{3, 1, 5, 2, 4}, 0.25, 2},
		{[]float64{1, 2}, 0.75, 1.75},
		{[]float64{7}, 0.3, 7},
	}
	for i, test := range tests {
		got := bootstrapQuantile(test.samples, test.q)
		if !almostEqual(got, test.want, 1e-9) {
			t.Errorf("Test %d: bootstrapQuantile(%v, %v) = %v, want %v",
				i+1, test.samples, test.q, got, test.want)
		}
	}
	if !math.IsNaN(bootstrapQuantile(nil, 0.5)) {
		t.Error("bootstrapQuantile(nil, 0.5) should be NaN")
	}
}

func TestBootstrapTransitions(t *testing.T) {
	model := fitSynthModel(t, ageRange(0, 10, 1), 500, nil)
	cost := mustCost(t, synthCategories, CostConfig{})
	grid := ageRange(0, 10, 2)

	result, err := BootstrapTransitions(model, grid, cost, BootstrapOptions{
		Replicates: 64,
		Seed:       99,
		Workers:    4,
	})
	if err != nil {
		t.Fatalf("BootstrapTransitions returned error: %v", err)
	}

	nPairs := len(grid) - 1
	if len(result.Point) != nPairs || len(result.Lower) != nPairs || len(result.Upper) != nPairs {
		t.Fatalf("got %d/%d/%d point/lower/upper entries, want %d each",
			len(result.Point), len(result.Lower), len(result.Upper), nPairs)
	}
	if result.Successes != 64 || len(result.Failed) != 0 {
		t.Errorf("successes = %d, failed = %v, want 64 clean replicates", result.Successes, result.Failed)
	}
	if result.Confidence != 0.95 {
		t.Errorf("confidence = %v, want default 0.95", result.Confidence)
	}

	k := len(synthCategories)
	for p := 0; p < nPairs; p++ {
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				lo, hi := result.Lower[p].At(i, j), result.Upper[p].At(i, j)
				if math.IsNaN(lo) || math.IsNaN(hi) {
					t.Fatalf("pair %d entry (%d,%d): NaN band", p, i, j)
				}
				if lo > hi {
					t.Errorf("pair %d entry (%d,%d): lower %v above upper %v", p, i, j, lo, hi)
				}
				if lo < -1e-9 || hi > 1+1e-9 {
					t.Errorf("pair %d entry (%d,%d): band [%v,%v] outside [0,1]", p, i, j, lo, hi)
				}
			}
		}
	}
}

// The percentile bands must actually cover the estimate they quantify:
// for every entry carrying real mass, the point estimate from the known
// synthetic truth lands inside [lower, upper].
func TestBootstrapTransitionsBandsCoverPoint(t *testing.T) {
	model := fitSynthModel(t, ageRange(0, 10, 1), 1000, nil)
	cost := mustCost(t, synthCategories, CostConfig{})
	grid := ageRange(0, 10, 2)

	result, err := BootstrapTransitions(model, grid, cost, BootstrapOptions{
		Replicates: 200,
		Seed:       42,
		Workers:    4,
	})
	if err != nil {
		t.Fatalf("BootstrapTransitions returned error: %v", err)
	}

	k := len(synthCategories)
	covered := 0
	for p, at := range result.Point {
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				pt := at.Probability.At(i, j)
				if pt < 0.05 {
					continue // near-zero entries can pin to a degenerate band
				}
				covered++
				lo, hi := result.Lower[p].At(i, j), result.Upper[p].At(i, j)
				if pt < lo-1e-9 || pt > hi+1e-9 {
					t.Errorf("ages %g->%g entry (%d,%d): point %v outside band [%v,%v]",
						at.AgeFrom, at.AgeTo, i, j, pt, lo, hi)
				}
			}
		}
	}
	if covered == 0 {
		t.Fatal("no entry carried enough mass to check coverage")
	}
}

func TestBootstrapTransitionsDeterminism(t *testing.T) {
	model := fitSynthModel(t, ageRange(0, 8, 1), 300, nil)
	cost := mustCost(t, synthCategories, CostConfig{})
	grid := ageRange(0, 8, 2)
	opts := BootstrapOptions{Replicates: 32, Seed: 7, Workers: 3}

	first, err := BootstrapTransitions(model, grid, cost, opts)
	if err != nil {
		t.Fatalf("first bootstrap returned error: %v", err)
	}
	second, err := BootstrapTransitions(model, grid, cost, opts)
	if err != nil {
		t.Fatalf("second bootstrap returned error: %v", err)
	}

	k := len(synthCategories)
	for p := range first.Lower {
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				if first.Lower[p].At(i, j) != second.Lower[p].At(i, j) ||
					first.Upper[p].At(i, j) != second.Upper[p].At(i, j) {
					t.Fatalf("pair %d entry (%d,%d): bands differ between identical seeded runs", p, i, j)
				}
			}
		}
	}
}

func TestBootstrapTransitionsDeadline(t *testing.T) {
	model := fitSynthModel(t, ageRange(0, 8, 1), 300, nil)
	cost := mustCost(t, synthCategories, CostConfig{})

	_, err := BootstrapTransitions(model, ageRange(0, 8, 2), cost, BootstrapOptions{
		Replicates:  50,
		Seed:        11,
		MaxDuration: time.Nanosecond,
	})
	var repErr *ReplicatesError
	if !errors.As(err, &repErr) {
		t.Fatalf("expired deadline: got %v, want ReplicatesError", err)
	}
	if repErr.Successes >= repErr.Required {
		t.Errorf("ReplicatesError with %d successes but only %d required", repErr.Successes, repErr.Required)
	}
}

func TestBootstrapTransitionsPropagatesConfigErrors(t *testing.T) {
	model := fitSynthModel(t, ageRange(0, 8, 1), 300, nil)
	reordered := mustCost(t, []string{"obese", "overweight", "normal"}, CostConfig{})

	var cfgErr *ConfigError
	_, err := BootstrapTransitions(model, ageRange(0, 8, 1), reordered, BootstrapOptions{Replicates: 8, Seed: 1})
	if !errors.As(err, &cfgErr) {
		t.Errorf("mismatched cost matrix: got %v, want ConfigError", err)
	}
}
