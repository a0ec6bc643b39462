// Net annual transition probabilities between categories of an ordered
// risk factor (e.g. BMI class), estimated from repeated cross-sectional
// prevalence surveys. Pipeline: penalized multinomial smoothing of
// age-specific prevalence, then a minimum-cost transportation solve per
// consecutive age pair, with a parametric bootstrap for uncertainty bands.

package main

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// CategoryCount is one source record: how many people were observed in
// a category at an age (or age-interval midpoint). Immutable once loaded.
type CategoryCount struct {
	Age      float64
	Category string
	Count    float64
}

// SmoothOptions controls the prevalence smoother.
type SmoothOptions struct {
	// Ordered category labels; order defines categorical distance.
	Categories []string

	// Reference category for the multinomial logit. Empty = first label.
	Reference string

	// Number of cubic B-spline basis functions per non-reference
	// category. 0 = one per ~5 years of age range, at least 6.
	BasisSize int

	// Candidate smoothing strengths. Empty = built-in log-spaced grid.
	LambdaGrid []float64

	// Newton iteration cap and convergence tolerance. 0 = defaults.
	MaxIter int
	Tol     float64
}

// SmoothModel is the fitted penalized multinomial spline: coefficients
// for the K-1 non-reference categories, their covariance, and the basis
// layout needed to evaluate prevalence at any age. Treated as an
// immutable value after fitting; the bootstrap builds new models via
// WithCoefficients rather than mutating a shared one.
type SmoothModel struct {
	Categories []string
	RefIndex   int
	BasisSize  int
	AgeMin     float64
	AgeMax     float64

	// Stacked coefficients, one BasisSize block per non-reference
	// category in category order.
	Beta *mat.VecDense

	// Coefficient covariance (inverse penalized observed information).
	Cov *mat.SymDense

	// Chosen smoothing strength and fit summary.
	Lambda   float64
	Deviance float64
	EDF      float64

	knots []float64
}

// CostConfig configures the category-pair cost matrix. Cost is a
// modeling assumption supplied by the user, never inferred from data.
type CostConfig struct {
	// Exponent of |i-j| for the default cost. Values > 1 make distant
	// jumps more expensive than chains of adjacent moves.
	Exponent float64

	// Optional custom cost as a function of categorical distance.
	// Overrides Exponent when set. Must return non-negative values
	// with Fn(0) strictly below every Fn(d), d > 0.
	Fn func(dist int) float64
}

// CostMatrix is the fixed K x K transition cost used for every age step
// in a run. Read-only after construction.
type CostMatrix struct {
	Categories []string
	M          *mat.Dense
}

// AgeTransition is the solution for one age step a -> a+1.
type AgeTransition struct {
	AgeFrom float64
	AgeTo   float64

	// Flow is the transportation solution: row sums equal prevalence
	// at AgeFrom, column sums equal prevalence at AgeTo.
	Flow *mat.Dense

	// Probability is Flow with each row divided by its supply: the net
	// annual transition probability matrix, rows summing to 1.
	Probability *mat.Dense

	// IdentityRows lists rows whose supply was below tolerance; their
	// probability row is defined as the identity rather than a ratio
	// of near-zeros.
	IdentityRows []int
}

// BootstrapOptions controls the parametric bootstrap.
type BootstrapOptions struct {
	// Number of replicates (e.g. 1000-5000). 0 = 2000.
	Replicates int

	// RNG seed; 0 = time-based.
	Seed int64

	// Confidence level for the percentile bands. 0 = 0.95.
	Confidence float64

	// Minimum number of successful replicates before the whole
	// bootstrap fails. 0 = half of Replicates, rounded up.
	MinSuccess int

	// Worker goroutines. 0 = NumCPU.
	Workers int

	// Optional deadline; replicates not started before it are skipped
	// and counted against MinSuccess. 0 = no deadline.
	MaxDuration time.Duration
}

// BootstrapResult holds the point estimate and pointwise percentile
// bands for every age pair and category pair.
type BootstrapResult struct {
	Point []AgeTransition

	// Lower[p] and Upper[p] are K x K percentile bounds for the net
	// transition probabilities of age pair p.
	Lower []*mat.Dense
	Upper []*mat.Dense

	Confidence float64
	Replicates int
	Successes  int

	// Failed lists the excluded replicates, in index order.
	Failed []ReplicateFailure
}

// ReplicateFailure records one excluded bootstrap replicate and why it
// was excluded.
type ReplicateFailure struct {
	Index  int
	Reason string
}

// FitError reports a smoothing fit that could not be completed:
// the optimizer failed to converge, or the data carry no information.
type FitError struct {
	Reason string
}

func (e *FitError) Error() string {
	return "prevalence fit failed: " + e.Reason
}

// ConfigError reports an inconsistent configuration, such as a cost
// matrix built for a different category order.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// InfeasibleError reports a transport instance whose marginals violate
// the probability-vector invariants.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return "infeasible transport problem: " + e.Reason
}

// ReplicatesError reports a bootstrap where too few replicates
// produced usable results.
type ReplicatesError struct {
	Successes  int
	Required   int
	Replicates int
}

func (e *ReplicatesError) Error() string {
	return fmt.Sprintf("insufficient bootstrap replicates: %d of %d succeeded, need at least %d",
		e.Successes, e.Replicates, e.Required)
}
