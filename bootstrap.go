package main

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// bootRep carries one replicate's net transition probabilities (or its
// failure) from a worker to the aggregator. Probs[pair] is the K x K
// probability matrix flattened row-major.
type bootRep struct {
	index  int
	probs  [][]float64
	reason string
}

// BootstrapTransitions quantifies the sampling uncertainty of the net
// transition probabilities with a parametric bootstrap: each replicate
// draws a coefficient vector from the fitted model's approximate
// multivariate-normal distribution (mean = fitted coefficients,
// covariance = fitted covariance), rebuilds a SmoothModel value, reruns
// the transition estimate and records the resulting probabilities.
// Percentile bands are computed pointwise per age pair and category
// pair.
//
// Replicates run on a worker pool; every replicate owns a private RNG
// seeded from the master seed, so results are reproducible for a fixed
// seed and independent of scheduling. A failing replicate is recorded
// with its index and excluded; only dropping below opts.MinSuccess
// successes fails the whole bootstrap.
func BootstrapTransitions(model *SmoothModel, ageGrid []float64, cost *CostMatrix, opts BootstrapOptions) (*BootstrapResult, error) {
	// Point estimate first; it also validates model, grid and cost.
	point, err := EstimateTransitions(model, ageGrid, cost)
	if err != nil {
		return nil, err
	}

	if opts.Replicates <= 0 {
		opts.Replicates = 2000
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = 0.95
	}
	if opts.MinSuccess <= 0 {
		opts.MinSuccess = (opts.Replicates + 1) / 2
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Workers > opts.Replicates {
		opts.Workers = opts.Replicates
	}

	k := len(model.Categories)
	nPairs := len(point)

	mu := make([]float64, model.Beta.Len())
	for i := range mu {
		mu[i] = model.Beta.AtVec(i)
	}

	// Per-replicate seeds so no RNG is shared across goroutines.
	masterSeed := opts.Seed
	if masterSeed == 0 {
		masterSeed = time.Now().UnixNano()
	}
	masterRng := rand.New(rand.NewPCG(uint64(masterSeed), uint64(masterSeed)>>1))
	seeds := make([]uint64, opts.Replicates)
	for i := range seeds {
		seeds[i] = masterRng.Uint64()
	}

	start := time.Now()
	jobs := make(chan int)
	resultsCh := make(chan bootRep, opts.Replicates)

	var wg sync.WaitGroup
	wg.Add(opts.Workers)

	worker := func() {
		defer wg.Done()
		for b := range jobs {
			if opts.MaxDuration > 0 && time.Since(start) > opts.MaxDuration {
				resultsCh <- bootRep{index: b, reason: "deadline exceeded before start"}
				continue
			}

			src := rand.NewPCG(seeds[b], uint64(b))
			norm, ok := distmv.NewNormal(mu, model.Cov, src)
			if !ok {
				resultsCh <- bootRep{index: b, reason: "coefficient covariance is not positive definite"}
				continue
			}
			resampled, err := model.WithCoefficients(norm.Rand(nil))
			if err != nil {
				resultsCh <- bootRep{index: b, reason: err.Error()}
				continue
			}

			ats, err := EstimateTransitions(resampled, ageGrid, cost)
			if err != nil {
				resultsCh <- bootRep{index: b, reason: err.Error()}
				continue
			}

			probs := make([][]float64, nPairs)
			for p, at := range ats {
				row := make([]float64, k*k)
				for i := 0; i < k; i++ {
					for j := 0; j < k; j++ {
						row[i*k+j] = at.Probability.At(i, j)
					}
				}
				probs[p] = row
			}
			resultsCh <- bootRep{index: b, probs: probs}
		}
	}

	for w := 0; w < opts.Workers; w++ {
		go worker()
	}
	go func() {
		for b := 0; b < opts.Replicates; b++ {
			jobs <- b
		}
		close(jobs)
	}()

	// Single-threaded reduction: collect every replicate, then join.
	samples := make([][][]float64, nPairs)
	for p := range samples {
		samples[p] = make([][]float64, k*k)
		for e := range samples[p] {
			samples[p][e] = make([]float64, 0, opts.Replicates)
		}
	}
	var failed []ReplicateFailure
	for i := 0; i < opts.Replicates; i++ {
		rep := <-resultsCh
		if rep.reason != "" {
			failed = append(failed, ReplicateFailure{Index: rep.index, Reason: rep.reason})
			continue
		}
		for p := range rep.probs {
			for e, v := range rep.probs[p] {
				samples[p][e] = append(samples[p][e], v)
			}
		}
	}
	wg.Wait()
	close(resultsCh)

	sort.Slice(failed, func(a, b int) bool { return failed[a].Index < failed[b].Index })
	successes := opts.Replicates - len(failed)
	if successes < opts.MinSuccess {
		return nil, &ReplicatesError{
			Successes:  successes,
			Required:   opts.MinSuccess,
			Replicates: opts.Replicates,
		}
	}

	lowerQ := (1 - opts.Confidence) / 2
	upperQ := 1 - lowerQ
	result := &BootstrapResult{
		Point:      point,
		Confidence: opts.Confidence,
		Replicates: opts.Replicates,
		Successes:  successes,
		Failed:     failed,
	}
	for p := 0; p < nPairs; p++ {
		lower := make([]float64, k*k)
		upper := make([]float64, k*k)
		for e := 0; e < k*k; e++ {
			lower[e] = bootstrapQuantile(samples[p][e], lowerQ)
			upper[e] = bootstrapQuantile(samples[p][e], upperQ)
		}
		result.Lower = append(result.Lower, mat.NewDense(k, k, lower))
		result.Upper = append(result.Upper, mat.NewDense(k, k, upper))
	}
	return result, nil
}

// bootstrapQuantile returns the empirical q-quantile of samples
// (0 <= q <= 1) using linear interpolation between order statistics.
func bootstrapQuantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	if q <= 0 {
		return tmp[0]
	}
	if q >= 1 {
		return tmp[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))

	if idxAbove == idxBelow {
		return tmp[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return tmp[idxBelow]*(1.0-weight) + tmp[idxAbove]*weight
}
