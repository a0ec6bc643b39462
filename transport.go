package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transport tolerances.
const (
	// Accepted deviation of a marginal sum from 1. Half the documented
	// 1e-6, so after demand is rescaled onto the supply total the column
	// sums still sit within 1e-6 of the caller's demand.
	marginalTol = 5e-7
	reducedTol  = 1e-9  // optimality tolerance on reduced costs
	flowTol     = 1e-12 // flows below this are treated as zero
)

// SolveTransport solves the balanced transportation problem: find the
// minimum-cost non-negative K x K flow whose row sums equal supply and
// whose column sums equal demand. Both vectors are prevalence vectors,
// so the problem is always balanced and feasible once they validate.
//
// The solver is the transportation simplex: northwest-corner initial
// basis, u-v (MODI) pricing, entering cell chosen as the most negative
// reduced cost with a row-major tie-break, leaving cell chosen as the
// lexicographically first minimum-flow cell on the cycle. The fixed
// tie-breaks make repeated solves on identical inputs bit-identical,
// which the seeded bootstrap relies on.
func SolveTransport(supply, demand []float64, cost *CostMatrix) (*mat.Dense, error) {
	k := len(supply)
	if len(demand) != k {
		return nil, &ConfigError{Field: "marginals", Reason: fmt.Sprintf("supply has %d entries, demand has %d", k, len(demand))}
	}
	if cost == nil || cost.K() != k {
		got := 0
		if cost != nil {
			got = cost.K()
		}
		return nil, &ConfigError{Field: "cost", Reason: fmt.Sprintf("cost matrix built for %d categories, marginals have %d", got, k)}
	}

	sumS, sumD := 0.0, 0.0
	for i := 0; i < k; i++ {
		if supply[i] < 0 {
			return nil, &InfeasibleError{Reason: fmt.Sprintf("supply entry %d is %g, want non-negative", i, supply[i])}
		}
		if demand[i] < 0 {
			return nil, &InfeasibleError{Reason: fmt.Sprintf("demand entry %d is %g, want non-negative", i, demand[i])}
		}
		sumS += supply[i]
		sumD += demand[i]
	}
	if math.Abs(sumS-1) > marginalTol {
		return nil, &InfeasibleError{Reason: fmt.Sprintf("supply sums to %.6f, expected 1.0 ± %g", sumS, marginalTol)}
	}
	if math.Abs(sumD-1) > marginalTol {
		return nil, &InfeasibleError{Reason: fmt.Sprintf("demand sums to %.6f, expected 1.0 ± %g", sumD, marginalTol)}
	}

	// Balance exactly by scaling demand onto the supply total; the
	// adjustment is within marginalTol and keeps row sums untouched.
	s := append([]float64(nil), supply...)
	d := make([]float64, k)
	scale := sumS / sumD
	for j := 0; j < k; j++ {
		d[j] = demand[j] * scale
	}

	flow := make([][]float64, k)
	basic := make([][]bool, k)
	for i := 0; i < k; i++ {
		flow[i] = make([]float64, k)
		basic[i] = make([]bool, k)
	}

	// Northwest-corner initial basic feasible solution: 2K-1 basic
	// cells, degenerate zero allocations included.
	i, j, nBasic := 0, 0, 0
	for {
		q := math.Min(s[i], d[j])
		flow[i][j] = q
		basic[i][j] = true
		nBasic++
		s[i] -= q
		d[j] -= q
		if nBasic == 2*k-1 {
			break
		}
		switch {
		case i == k-1:
			j++
		case j == k-1:
			i++
		case s[i] <= d[j]:
			i++
		default:
			j++
		}
	}

	u := make([]float64, k)
	v := make([]float64, k)
	uSet := make([]bool, k)
	vSet := make([]bool, k)

	maxPivots := 200 * k * k
	for pivot := 0; ; pivot++ {
		if pivot > maxPivots {
			return nil, fmt.Errorf("transport simplex exceeded %d pivots", maxPivots)
		}

		// Duals from the spanning tree of basic cells: u[i]+v[j]=c[i][j].
		for i := 0; i < k; i++ {
			uSet[i], vSet[i] = false, false
		}
		u[0], uSet[0] = 0, true
		for pass := 0; pass < 2*k; pass++ {
			changed := false
			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					if !basic[i][j] {
						continue
					}
					switch {
					case uSet[i] && !vSet[j]:
						v[j], vSet[j] = cost.M.At(i, j)-u[i], true
						changed = true
					case vSet[j] && !uSet[i]:
						u[i], uSet[i] = cost.M.At(i, j)-v[j], true
						changed = true
					}
				}
			}
			if !changed {
				break
			}
		}
		for i := 0; i < k; i++ {
			if !uSet[i] || !vSet[i] {
				return nil, fmt.Errorf("transport simplex: basis spanning tree disconnected at pivot %d", pivot)
			}
		}

		// Entering cell: most negative reduced cost, first in row-major
		// order on ties.
		ei, ej := -1, -1
		best := -reducedTol
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				if basic[i][j] {
					continue
				}
				if r := cost.M.At(i, j) - u[i] - v[j]; r < best {
					best, ei, ej = r, i, j
				}
			}
		}
		if ei < 0 {
			break // optimal
		}

		cells, err := basisCycle(basic, k, ei, ej)
		if err != nil {
			return nil, fmt.Errorf("transport simplex pivot %d: %v", pivot, err)
		}

		// cells runs from the entering cell's column end back to its
		// row end; even positions lose flow, odd positions gain.
		delta := math.Inf(1)
		li, lj := -1, -1
		for t := 0; t < len(cells); t += 2 {
			ci, cj := cells[t][0], cells[t][1]
			f := flow[ci][cj]
			if f < delta-flowTol || (f <= delta+flowTol && (li < 0 || ci < li || (ci == li && cj < lj))) {
				if f < delta {
					delta = f
				}
				li, lj = ci, cj
			}
		}

		flow[ei][ej] += delta
		basic[ei][ej] = true
		for t, c := range cells {
			if t%2 == 0 {
				flow[c[0]][c[1]] -= delta
			} else {
				flow[c[0]][c[1]] += delta
			}
		}
		flow[li][lj] = 0
		basic[li][lj] = false
	}

	out := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			f := flow[i][j]
			if f < 0 {
				f = 0
			}
			out.Set(i, j, f)
		}
	}
	return out, nil
}

// basisCycle returns the unique cycle closed by adding cell (ei, ej) to
// the basis spanning tree, as the path of basic cells from the column
// end back to the row end. Nodes 0..k-1 are rows, k..2k-1 are columns;
// neighbor lists are built in row-major scan order so the search is
// deterministic.
func basisCycle(basic [][]bool, k, ei, ej int) ([][2]int, error) {
	adj := make([][]int, 2*k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if basic[i][j] {
				adj[i] = append(adj[i], k+j)
				adj[k+j] = append(adj[k+j], i)
			}
		}
	}

	// BFS from the entering row to the entering column.
	parent := make([]int, 2*k)
	for i := range parent {
		parent[i] = -1
	}
	start, goal := ei, k+ej
	parent[start] = start
	queue := []int{start}
	for len(queue) > 0 && parent[goal] < 0 {
		n := queue[0]
		queue = queue[1:]
		for _, nb := range adj[n] {
			if parent[nb] < 0 {
				parent[nb] = n
				queue = append(queue, nb)
			}
		}
	}
	if parent[goal] < 0 {
		return nil, fmt.Errorf("no tree path from row %d to column %d", ei, ej)
	}

	var cells [][2]int
	for n := goal; n != start; n = parent[n] {
		p := parent[n]
		if n >= k {
			cells = append(cells, [2]int{p, n - k})
		} else {
			cells = append(cells, [2]int{n, p - k})
		}
	}
	return cells, nil
}
