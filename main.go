package main

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// The driver runs the whole pipeline from a YAML config: load the
// per-age category counts, fit the prevalence smoother, build the cost
// matrix, estimate the net annual transition probabilities, and attach
// bootstrap percentile bands. Fit and config errors abort before any
// estimation; an infeasible age pair aborts the point estimate.

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: nettrans <config.yaml>")
		os.Exit(2)
	}

	// 1. Load run configuration
	cfg, err := LoadConfig(os.Args[1])
	if err != nil {
		fail(err)
	}

	// 2. Load per-age category counts
	records, err := LoadCategoryCounts(cfg.Input)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Loaded %d records for %d categories from %s\n",
		len(records), len(cfg.Categories), cfg.Input)

	// 3. Fit the penalized multinomial smoother
	model, err := FitSmoothModel(records, SmoothOptions{
		Categories: cfg.Categories,
		Reference:  cfg.Reference,
		BasisSize:  cfg.BasisSize,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Smoother fitted: ages %g-%g, lambda %.4g, edf %.2f, deviance %.2f\n",
		model.AgeMin, model.AgeMax, model.Lambda, model.EDF, model.Deviance)

	// 4. Build the transition cost matrix
	cost, err := BuildCostMatrix(cfg.Categories, CostConfig{Exponent: cfg.CostExponent})
	if err != nil {
		fail(err)
	}

	// 5. Estimate net transitions over the age grid
	grid := cfg.AgeGrid(model.AgeMin, model.AgeMax)
	transitions, err := EstimateTransitions(model, grid, cost)
	if err != nil {
		fail(err)
	}
	flagged := 0
	for _, at := range transitions {
		flagged += len(at.IdentityRows)
	}
	fmt.Printf("Estimated %d age steps (%d identity rows flagged)\n", len(transitions), flagged)

	// 6. Write point estimates
	if err := WriteTransitionsCSV(cfg.TransitionsOut, transitions, cfg.Categories); err != nil {
		fail(err)
	}
	fmt.Println("Transitions written to", cfg.TransitionsOut)

	if cfg.PrevalenceOut != "" {
		if err := WritePrevalenceCSV(cfg.PrevalenceOut, model, grid); err != nil {
			fail(err)
		}
		fmt.Println("Fitted prevalence written to", cfg.PrevalenceOut)
	}

	// 7. Bootstrap percentile bands
	fmt.Printf("Running parametric bootstrap with %d replicates...\n", cfg.Replicates)
	boot, err := BootstrapTransitions(model, grid, cost, BootstrapOptions{
		Replicates:  cfg.Replicates,
		Seed:        cfg.Seed,
		Confidence:  cfg.Confidence,
		MinSuccess:  cfg.MinSuccess,
		Workers:     cfg.Workers,
		MaxDuration: time.Duration(cfg.MaxSeconds * float64(time.Second)),
	})
	if err != nil {
		fail(err)
	}
	for _, f := range boot.Failed {
		fmt.Printf("replicate %d excluded: %s\n", f.Index, f.Reason)
	}
	fmt.Printf("Bootstrap done: %d of %d replicates usable\n", boot.Successes, boot.Replicates)

	// 8. Write bands
	if err := WriteBootstrapCSV(cfg.BootstrapOut, boot, cfg.Categories); err != nil {
		fail(err)
	}
	fmt.Println("Bootstrap bands written to", cfg.BootstrapOut)
}

func fail(err error) {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
