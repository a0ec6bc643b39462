package main

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Smoothing defaults.
const (
	smoothMaxIter    = 100
	smoothTol        = 1e-8
	smoothMinBasis   = 4
	prevalenceFloor  = 1e-300
	degenerateSupply = 1e-9
)

// defaultLambdaGrid returns the built-in log-spaced grid of candidate
// smoothing strengths, 1e-4 to 1e4 in half-decade steps.
func defaultLambdaGrid() []float64 {
	grid := make([]float64, 17)
	for i := range grid {
		grid[i] = math.Pow(10, -4+0.5*float64(i))
	}
	return grid
}

// splineKnots builds the clamped knot vector for a cubic B-spline basis
// of nBasis functions on [lo, hi]: 4 repeated boundary knots at each end
// and nBasis-4 equally spaced interior knots.
func splineKnots(lo, hi float64, nBasis int) []float64 {
	knots := make([]float64, nBasis+4)
	nInterior := nBasis - 4
	step := (hi - lo) / float64(nInterior+1)
	for i := 0; i < 4; i++ {
		knots[i] = lo
		knots[len(knots)-1-i] = hi
	}
	for i := 1; i <= nInterior; i++ {
		knots[3+i] = lo + float64(i)*step
	}
	return knots
}

// splineBasisRow evaluates all nBasis cubic B-spline basis functions at
// x using the de Boor recursion. x is clamped to the knot range, so
// evaluation beyond the fitted ages holds the boundary value.
func splineBasisRow(x float64, knots []float64, nBasis int) []float64 {
	const deg = 3
	lo, hi := knots[deg], knots[nBasis]
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}

	// Knot span index: knots[span] <= x < knots[span+1].
	span := nBasis - 1
	if x < hi {
		span = deg
		for span < nBasis-1 && x >= knots[span+1] {
			span++
		}
	}

	left := make([]float64, deg+1)
	right := make([]float64, deg+1)
	nz := make([]float64, deg+1)
	nz[0] = 1
	for j := 1; j <= deg; j++ {
		left[j] = x - knots[span+1-j]
		right[j] = knots[span+j] - x
		saved := 0.0
		for r := 0; r < j; r++ {
			tmp := nz[r] / (right[r+1] + left[j-r])
			nz[r] = saved + right[r+1]*tmp
			saved = left[j-r]*tmp
		}
		nz[j] = saved
	}

	row := make([]float64, nBasis)
	for r := 0; r <= deg; r++ {
		row[span-deg+r] = nz[r]
	}
	return row
}

// secondDiffPenalty builds the P-spline roughness penalty S = D'D where
// D is the second-order difference operator on the coefficients.
func secondDiffPenalty(nBasis int) *mat.SymDense {
	d := mat.NewDense(nBasis-2, nBasis, nil)
	for r := 0; r < nBasis-2; r++ {
		d.Set(r, r, 1)
		d.Set(r, r+1, -2)
		d.Set(r, r+2, 1)
	}
	var dtd mat.Dense
	dtd.Mul(d.T(), d)
	s := mat.NewSymDense(nBasis, nil)
	for i := 0; i < nBasis; i++ {
		for j := i; j < nBasis; j++ {
			s.SetSym(i, j, dtd.At(i, j))
		}
	}
	return s
}

// aggregateCounts groups records into a sorted age vector and an
// ages x categories count matrix. No records at all is a FitError.
func aggregateCounts(records []CategoryCount, categories []string) ([]float64, *mat.Dense, error) {
	catIdx := make(map[string]int, len(categories))
	for i, c := range categories {
		catIdx[c] = i
	}

	byAge := make(map[float64][]float64)
	for i, r := range records {
		k, ok := catIdx[r.Category]
		if !ok {
			return nil, nil, &ConfigError{
				Field:  "categories",
				Reason: fmt.Sprintf("record %d: unknown category %q", i, r.Category),
			}
		}
		if r.Count < 0 {
			return nil, nil, &ConfigError{
				Field:  "records",
				Reason: fmt.Sprintf("record %d: negative count %g at age %g", i, r.Count, r.Age),
			}
		}
		row, ok := byAge[r.Age]
		if !ok {
			row = make([]float64, len(categories))
			byAge[r.Age] = row
		}
		row[k] += r.Count
	}

	if len(byAge) == 0 {
		return nil, nil, &FitError{Reason: "no records"}
	}
	ages := make([]float64, 0, len(byAge))
	for a := range byAge {
		ages = append(ages, a)
	}
	sort.Float64s(ages)

	y := mat.NewDense(len(ages), len(categories), nil)
	for i, a := range ages {
		for k, v := range byAge[a] {
			y.Set(i, k, v)
		}
	}
	return ages, y, nil
}

// multinomialFit carries the fixed quantities of one penalized fit.
type multinomialFit struct {
	X      *mat.Dense    // m x B basis matrix
	Y      *mat.Dense    // m x K counts
	n      []float64     // m per-age totals
	S      *mat.SymDense // B x B roughness penalty
	nonref []int         // non-reference category indices, in order
	refIdx int
	m, K   int
	B, C   int // basis size, number of smooths (K-1)
	P      int // total parameters C*B
}

// softmaxProbs maps the C linear predictors of one age (reference
// predictor fixed at 0) to all K category probabilities. The link keeps
// every probability in [0,1] and the sum exactly 1; no renormalization
// happens anywhere downstream.
func (f *multinomialFit) softmaxProbs(eta []float64) []float64 {
	shift := 0.0
	for _, e := range eta {
		if e > shift {
			shift = e
		}
	}
	p := make([]float64, f.K)
	p[f.refIdx] = math.Exp(-shift)
	sum := p[f.refIdx]
	for c, k := range f.nonref {
		p[k] = math.Exp(eta[c] - shift)
		sum += p[k]
	}
	for k := range p {
		p[k] /= sum
	}
	return p
}

// rowProbs evaluates the fitted probabilities at data row a.
func (f *multinomialFit) rowProbs(beta *mat.VecDense, a int) []float64 {
	eta := make([]float64, f.C)
	for c := 0; c < f.C; c++ {
		v := 0.0
		for b := 0; b < f.B; b++ {
			v += f.X.At(a, b) * beta.AtVec(c*f.B+b)
		}
		eta[c] = v
	}
	return f.softmaxProbs(eta)
}

// loglik is the multinomial log-likelihood of beta over all ages.
func (f *multinomialFit) loglik(beta *mat.VecDense) float64 {
	ll := 0.0
	for a := 0; a < f.m; a++ {
		p := f.rowProbs(beta, a)
		for k := 0; k < f.K; k++ {
			y := f.Y.At(a, k)
			if y > 0 {
				ll += y * math.Log(math.Max(p[k], prevalenceFloor))
			}
		}
	}
	return ll
}

// penaltyTerm is 0.5 * lambda * sum_c beta_c' S beta_c.
func (f *multinomialFit) penaltyTerm(beta *mat.VecDense, lambda float64) float64 {
	q := 0.0
	for c := 0; c < f.C; c++ {
		for i := 0; i < f.B; i++ {
			si := 0.0
			for j := 0; j < f.B; j++ {
				si += f.S.At(i, j) * beta.AtVec(c*f.B+j)
			}
			q += beta.AtVec(c*f.B+i) * si
		}
	}
	return 0.5 * lambda * q
}

func (f *multinomialFit) penLoglik(beta *mat.VecDense, lambda float64) float64 {
	return f.loglik(beta) - f.penaltyTerm(beta, lambda)
}

// scoreAndInfo builds the penalized score g and the negative penalized
// Hessian A (the penalized Fisher information) at beta.
func (f *multinomialFit) scoreAndInfo(beta *mat.VecDense, lambda float64) ([]float64, *mat.SymDense) {
	g := make([]float64, f.P)
	a := make([]float64, f.P*f.P)

	xa := make([]float64, f.B)
	for r := 0; r < f.m; r++ {
		p := f.rowProbs(beta, r)
		for b := 0; b < f.B; b++ {
			xa[b] = f.X.At(r, b)
		}
		for c := 0; c < f.C; c++ {
			kc := f.nonref[c]
			res := f.Y.At(r, kc) - f.n[r]*p[kc]
			for b := 0; b < f.B; b++ {
				g[c*f.B+b] += res * xa[b]
			}
			for d := c; d < f.C; d++ {
				kd := f.nonref[d]
				w := -f.n[r] * p[kc] * p[kd]
				if c == d {
					w += f.n[r] * p[kc]
				}
				if w == 0 {
					continue
				}
				for i := 0; i < f.B; i++ {
					wi := w * xa[i]
					for j := 0; j < f.B; j++ {
						a[(c*f.B+i)*f.P+d*f.B+j] += wi * xa[j]
					}
				}
			}
		}
	}

	// Penalty: subtract lambda*S*beta_c from the score, add lambda*S to
	// each diagonal block of the information.
	for c := 0; c < f.C; c++ {
		for i := 0; i < f.B; i++ {
			si := 0.0
			for j := 0; j < f.B; j++ {
				si += f.S.At(i, j) * beta.AtVec(c*f.B+j)
				a[(c*f.B+i)*f.P+c*f.B+j] += lambda * f.S.At(i, j)
			}
			g[c*f.B+i] -= lambda * si
		}
	}

	// Only blocks with c <= d were filled; i <= j always lands in one.
	info := mat.NewSymDense(f.P, nil)
	for i := 0; i < f.P; i++ {
		for j := i; j < f.P; j++ {
			info.SetSym(i, j, a[i*f.P+j])
		}
	}
	return g, info
}

// factorizeRidged Cholesky-factorizes info, escalating a diagonal ridge
// when the matrix is numerically rank deficient (e.g. long runs of ages
// with no observations at a tiny lambda).
func factorizeRidged(info *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(info) {
		return &chol, nil
	}
	n := info.SymmetricDim()
	for ridge := 1e-8; ridge <= 1e-2; ridge *= 10 {
		ridged := mat.NewSymDense(n, nil)
		ridged.CopySym(info)
		for i := 0; i < n; i++ {
			ridged.SetSym(i, i, ridged.At(i, i)+ridge)
		}
		if chol.Factorize(ridged) {
			return &chol, nil
		}
	}
	return nil, fmt.Errorf("penalized information matrix is rank deficient")
}

// newton runs the penalized Newton iteration for one lambda. It returns
// the coefficient estimate, the penalized information at the optimum,
// the unpenalized log-likelihood and the penalized one.
func (f *multinomialFit) newton(lambda float64, maxIter int, tol float64) (*mat.VecDense, *mat.SymDense, float64, float64, error) {
	beta := mat.NewVecDense(f.P, nil)
	pll := f.penLoglik(beta, lambda)

	for iter := 0; iter < maxIter; iter++ {
		g, info := f.scoreAndInfo(beta, lambda)
		chol, err := factorizeRidged(info)
		if err != nil {
			return nil, nil, 0, 0, err
		}

		var step mat.VecDense
		if err := chol.SolveVecTo(&step, mat.NewVecDense(f.P, g)); err != nil {
			return nil, nil, 0, 0, fmt.Errorf("newton step solve failed: %v", err)
		}

		// Step halving keeps the penalized likelihood monotone.
		t := 1.0
		var next *mat.VecDense
		var nextPll float64
		improved := false
		for h := 0; h < 30; h++ {
			cand := mat.NewVecDense(f.P, nil)
			cand.AddScaledVec(beta, t, &step)
			candPll := f.penLoglik(cand, lambda)
			if candPll >= pll-1e-12 {
				next, nextPll, improved = cand, candPll, true
				break
			}
			t /= 2
		}
		if !improved {
			return nil, nil, 0, 0, fmt.Errorf("step halving failed at iteration %d", iter)
		}

		maxDelta := 0.0
		for i := 0; i < f.P; i++ {
			if d := math.Abs(t * step.AtVec(i)); d > maxDelta {
				maxDelta = d
			}
		}
		done := maxDelta < tol*(1+mat.Norm(beta, math.Inf(1))) ||
			math.Abs(nextPll-pll) < tol*(math.Abs(pll)+1)
		beta, pll = next, nextPll
		if done {
			// Information at the accepted optimum, for covariance and
			// the marginal-likelihood criterion.
			_, info = f.scoreAndInfo(beta, lambda)
			return beta, info, f.loglik(beta), pll, nil
		}
	}
	return nil, nil, 0, 0, fmt.Errorf("no convergence in %d iterations", maxIter)
}

// laml is the Laplace-approximate marginal likelihood used to choose
// lambda: penalized log-likelihood plus half the log-determinant of the
// penalty (its rank is C*(B-2); lambda-free terms are dropped) minus
// half the log-determinant of the penalized information.
func (f *multinomialFit) laml(pll, lambda float64, chol *mat.Cholesky) float64 {
	rank := float64(f.C * (f.B - 2))
	return pll + 0.5*rank*math.Log(lambda) - 0.5*chol.LogDet()
}

// FitSmoothModel fits penalized multinomial P-splines to per-age
// category counts: one smooth log-odds curve per non-reference
// category, roughness penalized by second-order coefficient
// differences, smoothing strength chosen by maximizing a
// marginal-likelihood criterion over opts.LambdaGrid.
//
// Ages with few or zero observations are carried by the penalty;
// FitError is returned only when the data as a whole are empty or the
// optimizer cannot converge for any candidate lambda.
func FitSmoothModel(records []CategoryCount, opts SmoothOptions) (*SmoothModel, error) {
	if len(opts.Categories) < 2 {
		return nil, &ConfigError{Field: "categories", Reason: "need at least 2 ordered categories"}
	}
	seen := make(map[string]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		if seen[c] {
			return nil, &ConfigError{Field: "categories", Reason: fmt.Sprintf("duplicate category %q", c)}
		}
		seen[c] = true
	}
	refIdx := 0
	if opts.Reference != "" {
		refIdx = -1
		for i, c := range opts.Categories {
			if c == opts.Reference {
				refIdx = i
				break
			}
		}
		if refIdx < 0 {
			return nil, &ConfigError{Field: "reference", Reason: fmt.Sprintf("category %q not in category order", opts.Reference)}
		}
	}
	if opts.BasisSize != 0 && opts.BasisSize < smoothMinBasis {
		return nil, &ConfigError{Field: "basis_size", Reason: fmt.Sprintf("need at least %d basis functions, got %d", smoothMinBasis, opts.BasisSize)}
	}

	ages, y, err := aggregateCounts(records, opts.Categories)
	if err != nil {
		return nil, err
	}
	total := 0.0
	rows, K := y.Dims()
	n := make([]float64, rows)
	for a := 0; a < rows; a++ {
		for k := 0; k < K; k++ {
			n[a] += y.At(a, k)
		}
		total += n[a]
	}
	if total == 0 {
		return nil, &FitError{Reason: "all counts are zero"}
	}

	ageMin, ageMax := ages[0], ages[len(ages)-1]
	if ageMax <= ageMin {
		return nil, &FitError{Reason: fmt.Sprintf("need observations at more than one age, all data at age %g", ageMin)}
	}

	basis := opts.BasisSize
	if basis == 0 {
		basis = int((ageMax-ageMin)/5) + 3
		if basis < 6 {
			basis = 6
		}
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = smoothMaxIter
	}
	tol := opts.Tol
	if tol <= 0 {
		tol = smoothTol
	}
	grid := opts.LambdaGrid
	if len(grid) == 0 {
		grid = defaultLambdaGrid()
	}
	for _, l := range grid {
		if l <= 0 {
			return nil, &ConfigError{Field: "lambda_grid", Reason: fmt.Sprintf("smoothing strength must be positive, got %g", l)}
		}
	}

	knots := splineKnots(ageMin, ageMax, basis)
	x := mat.NewDense(rows, basis, nil)
	for a, age := range ages {
		x.SetRow(a, splineBasisRow(age, knots, basis))
	}

	nonref := make([]int, 0, K-1)
	for k := 0; k < K; k++ {
		if k != refIdx {
			nonref = append(nonref, k)
		}
	}
	fit := &multinomialFit{
		X: x, Y: y, n: n,
		S:      secondDiffPenalty(basis),
		nonref: nonref,
		refIdx: refIdx,
		m:      rows, K: K,
		B: basis, C: K - 1, P: (K - 1) * basis,
	}

	// Profile the smoothing strength over the grid; every candidate
	// that converges scores a marginal-likelihood value.
	var (
		bestBeta   *mat.VecDense
		bestInfo   *mat.SymDense
		bestScore  = math.Inf(-1)
		bestLambda float64
		bestLL     float64
		lastErr    error
	)
	for _, lambda := range grid {
		beta, info, ll, pll, err := fit.newton(lambda, maxIter, tol)
		if err != nil {
			lastErr = err
			continue
		}
		chol, err := factorizeRidged(info)
		if err != nil {
			lastErr = err
			continue
		}
		score := fit.laml(pll, lambda, chol)
		if score > bestScore {
			bestScore, bestLambda = score, lambda
			bestBeta, bestInfo, bestLL = beta, info, ll
		}
	}
	if bestBeta == nil {
		return nil, &FitError{Reason: fmt.Sprintf("optimizer failed for every smoothing strength: %v", lastErr)}
	}

	chol, err := factorizeRidged(bestInfo)
	if err != nil {
		return nil, &FitError{Reason: err.Error()}
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, &FitError{Reason: fmt.Sprintf("covariance inversion failed: %v", err)}
	}

	// Effective degrees of freedom: P - lambda * tr(Cov * blockdiag(S)).
	edf := float64(fit.P)
	for c := 0; c < fit.C; c++ {
		for i := 0; i < fit.B; i++ {
			for j := 0; j < fit.B; j++ {
				edf -= bestLambda * cov.At(c*fit.B+i, c*fit.B+j) * fit.S.At(i, j)
			}
		}
	}

	// Saturated log-likelihood for the deviance.
	sat := 0.0
	for a := 0; a < rows; a++ {
		if n[a] == 0 {
			continue
		}
		for k := 0; k < K; k++ {
			if v := y.At(a, k); v > 0 {
				sat += v * math.Log(v/n[a])
			}
		}
	}

	return &SmoothModel{
		Categories: append([]string(nil), opts.Categories...),
		RefIndex:   refIdx,
		BasisSize:  basis,
		AgeMin:     ageMin,
		AgeMax:     ageMax,
		Beta:       bestBeta,
		Cov:        &cov,
		Lambda:     bestLambda,
		Deviance:   2 * (sat - bestLL),
		EDF:        edf,
		knots:      knots,
	}, nil
}

// Prevalence evaluates the fitted category probabilities at an age.
// The entries are non-negative and sum to 1 by the form of the link.
func (m *SmoothModel) Prevalence(age float64) []float64 {
	row := splineBasisRow(age, m.knots, m.BasisSize)
	eta := make([]float64, 0, len(m.Categories)-1)
	c := 0
	for k := range m.Categories {
		if k == m.RefIndex {
			continue
		}
		v := 0.0
		for b := 0; b < m.BasisSize; b++ {
			v += row[b] * m.Beta.AtVec(c*m.BasisSize+b)
		}
		eta = append(eta, v)
		c++
	}

	shift := 0.0
	for _, e := range eta {
		if e > shift {
			shift = e
		}
	}
	p := make([]float64, len(m.Categories))
	p[m.RefIndex] = math.Exp(-shift)
	sum := p[m.RefIndex]
	i := 0
	for k := range m.Categories {
		if k == m.RefIndex {
			continue
		}
		p[k] = math.Exp(eta[i] - shift)
		sum += p[k]
		i++
	}
	for k := range p {
		p[k] /= sum
	}
	return p
}

// WithCoefficients returns a copy of the model carrying a different
// coefficient vector; basis layout, covariance and summaries are shared
// read-only. Used by the parametric bootstrap.
func (m *SmoothModel) WithCoefficients(beta []float64) (*SmoothModel, error) {
	if len(beta) != m.Beta.Len() {
		return nil, &ConfigError{
			Field:  "coefficients",
			Reason: fmt.Sprintf("got %d coefficients, model has %d", len(beta), m.Beta.Len()),
		}
	}
	clone := *m
	clone.Beta = mat.NewVecDense(len(beta), append([]float64(nil), beta...))
	return &clone, nil
}
