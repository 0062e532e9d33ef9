package projection

import (
	"math"
	"math/rand/v2"
	"sort"
)

const (
	smoothKTolerance     = 1e-5
	minKDistScale        = 1e-3
	smoothKIterations    = 64
	negativeSampleRate   = 5
	gradientClip         = 4.0
	initialLearningRate  = 1.0
	curveFitSamples      = 300
	curveFitSpread       = 1.0
	curveFitIterations   = 200
	repulsionDistEpsilon = 0.001
)

type edge struct {
	head, tail int
	weight     float64
}

// umap embeds x into n dimensions. It is single-threaded and fully seeded, so
// identical inputs and options give identical coordinates.
func umap(x [][]float64, n int, o options) [][]float64 {
	k := min(o.neighbors, len(x)-1)
	knnIdx, knnDist := nearestNeighbors(x, k)
	graph := fuzzyGraph(knnIdx, knnDist, k)
	a, b := fitAB(o.minDist)
	y := initialLayout(x, n)
	optimizeLayout(y, graph, a, b, o.epochs, o.seed)
	return y
}

// nearestNeighbors returns, for each row, the indices and distances of its k
// nearest other rows by exact Euclidean distance. Ties break on index.
func nearestNeighbors(x [][]float64, k int) ([][]int, [][]float64) {
	idx := make([][]int, len(x))
	dist := make([][]float64, len(x))
	type cand struct {
		j int
		d float64
	}
	cands := make([]cand, 0, len(x)-1)
	for i := range x {
		cands = cands[:0]
		for j := range x {
			if j == i {
				continue
			}
			cands = append(cands, cand{j: j, d: euclidean(x[i], x[j])})
		}
		sort.Slice(cands, func(p, q int) bool {
			if cands[p].d != cands[q].d {
				return cands[p].d < cands[q].d
			}
			return cands[p].j < cands[q].j
		})
		idx[i] = make([]int, k)
		dist[i] = make([]float64, k)
		for m := 0; m < k; m++ {
			idx[i][m] = cands[m].j
			dist[i][m] = cands[m].d
		}
	}
	return idx, dist
}

func euclidean(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// smoothKNN finds, per row, rho (distance to the nearest non-identical
// neighbour) and sigma such that the membership strengths sum to log2(k).
func smoothKNN(dist [][]float64, k int) ([]float64, []float64) {
	target := math.Log2(float64(k))
	var meanAll float64
	for _, row := range dist {
		for _, d := range row {
			meanAll += d
		}
	}
	meanAll /= float64(len(dist) * k)

	rho := make([]float64, len(dist))
	sigma := make([]float64, len(dist))
	for i, row := range dist {
		for _, d := range row {
			if d > 0 {
				rho[i] = d
				break
			}
		}
		lo, hi, mid := 0.0, math.Inf(1), 1.0
		for iter := 0; iter < smoothKIterations; iter++ {
			var psum float64
			for _, d := range row {
				if r := d - rho[i]; r > 0 {
					psum += math.Exp(-r / mid)
				} else {
					psum++
				}
			}
			if math.Abs(psum-target) < smoothKTolerance {
				break
			}
			if psum > target {
				hi = mid
				mid = (lo + hi) / 2
			} else {
				lo = mid
				if math.IsInf(hi, 1) {
					mid *= 2
				} else {
					mid = (lo + hi) / 2
				}
			}
		}
		var rowMean float64
		for _, d := range row {
			rowMean += d
		}
		rowMean /= float64(len(row))
		floor := minKDistScale * meanAll
		if rho[i] > 0 {
			floor = minKDistScale * rowMean
		}
		sigma[i] = math.Max(mid, floor)
	}
	return rho, sigma
}

// fuzzyGraph builds the symmetric membership graph P = W + Wᵀ − W∘Wᵀ and
// returns its edges in both directions, ordered by (head, tail).
func fuzzyGraph(idx [][]int, dist [][]float64, k int) []edge {
	rho, sigma := smoothKNN(dist, k)
	w := make(map[[2]int]float64)
	for i := range idx {
		for m, j := range idx[i] {
			v := 1.0
			if r := dist[i][m] - rho[i]; r > 0 && sigma[i] > 0 {
				v = math.Exp(-r / sigma[i])
			}
			w[[2]int{i, j}] = v
		}
	}
	sym := make(map[[2]int]float64, 2*len(w))
	for key, v := range w {
		t := w[[2]int{key[1], key[0]}]
		p := v + t - v*t
		sym[key] = p
		sym[[2]int{key[1], key[0]}] = p
	}
	edges := make([]edge, 0, len(sym))
	for key, p := range sym {
		if p > 0 {
			edges = append(edges, edge{head: key[0], tail: key[1], weight: p})
		}
	}
	sort.Slice(edges, func(p, q int) bool {
		if edges[p].head != edges[q].head {
			return edges[p].head < edges[q].head
		}
		return edges[p].tail < edges[q].tail
	})
	return edges
}

// fitAB fits 1/(1+a·x^(2b)) to the target curve that is 1 below minDist and
// decays as exp(-(x-minDist)) beyond it, using Levenberg-Marquardt.
func fitAB(minDist float64) (float64, float64) {
	xs := make([]float64, curveFitSamples)
	ys := make([]float64, curveFitSamples)
	for i := range xs {
		xs[i] = 3 * curveFitSpread * float64(i) / float64(curveFitSamples-1)
		if xs[i] < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(xs[i] - minDist) / curveFitSpread)
		}
	}
	residual := func(a, b float64) float64 {
		var s float64
		for i, x := range xs {
			d := 1/(1+a*math.Pow(x, 2*b)) - ys[i]
			s += d * d
		}
		return s
	}
	a, b, lambda := 1.0, 1.0, 1e-3
	cost := residual(a, b)
	for iter := 0; iter < curveFitIterations; iter++ {
		var jtj [2][2]float64
		var jtr [2]float64
		for i, x := range xs {
			if x == 0 {
				continue
			}
			p := math.Pow(x, 2*b)
			den := 1 + a*p
			f := 1 / den
			ja := -p / (den * den)
			jb := -a * p * 2 * math.Log(x) / (den * den)
			r := f - ys[i]
			jtj[0][0] += ja * ja
			jtj[0][1] += ja * jb
			jtj[1][1] += jb * jb
			jtr[0] += ja * r
			jtr[1] += jb * r
		}
		jtj[1][0] = jtj[0][1]
		m00 := jtj[0][0] * (1 + lambda)
		m11 := jtj[1][1] * (1 + lambda)
		det := m00*m11 - jtj[0][1]*jtj[1][0]
		if det == 0 {
			break
		}
		da := -(m11*jtr[0] - jtj[0][1]*jtr[1]) / det
		db := -(m00*jtr[1] - jtj[1][0]*jtr[0]) / det
		na, nb := a+da, b+db
		if na <= 0 || nb <= 0 {
			lambda *= 10
			continue
		}
		if next := residual(na, nb); next < cost {
			improvement := cost - next
			a, b, cost = na, nb, next
			lambda /= 10
			if improvement < 1e-12 {
				break
			}
		} else {
			lambda *= 10
		}
	}
	return a, b
}

// initialLayout seeds the optimisation with PCA coordinates rescaled to
// [0, 10] on each axis.
func initialLayout(x [][]float64, n int) [][]float64 {
	var y [][]float64
	if n <= len(x[0]) {
		y, _ = pca(x, n)
	} else {
		y = make([][]float64, len(x))
		rng := rand.New(rand.NewPCG(uint64(len(x)), uint64(n)))
		for i := range y {
			y[i] = make([]float64, n)
			for d := range y[i] {
				y[i][d] = rng.Float64()
			}
		}
	}
	for d := 0; d < n; d++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range y {
			lo = math.Min(lo, y[i][d])
			hi = math.Max(hi, y[i][d])
		}
		span := hi - lo
		for i := range y {
			if span > 0 {
				y[i][d] = 10 * (y[i][d] - lo) / span
			} else {
				y[i][d] = 0
			}
		}
	}
	return y
}

func clip(v float64) float64 {
	return math.Max(-gradientClip, math.Min(gradientClip, v))
}

// optimizeLayout runs stochastic gradient descent on the cross-entropy
// between the fuzzy graph and the layout, sampling each edge in proportion
// to its weight and drawing negative samples from a seeded PCG generator.
func optimizeLayout(y [][]float64, edges []edge, a, b float64, epochs int, seed uint64) {
	if len(edges) == 0 {
		return
	}
	var maxW float64
	for _, e := range edges {
		maxW = math.Max(maxW, e.weight)
	}
	epochsPerSample := make([]float64, len(edges))
	for i, e := range edges {
		// edges too weak to be sampled once in the run are skipped
		if e.weight*float64(epochs)/maxW < 1 {
			epochsPerSample[i] = -1
			continue
		}
		epochsPerSample[i] = maxW / e.weight
	}
	nextSample := make([]float64, len(edges))
	nextNegative := make([]float64, len(edges))
	epochsPerNegative := make([]float64, len(edges))
	for i, eps := range epochsPerSample {
		nextSample[i] = eps
		epochsPerNegative[i] = eps / negativeSampleRate
		nextNegative[i] = epochsPerNegative[i]
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5))
	dims := len(y[0])
	for epoch := 0; epoch < epochs; epoch++ {
		alpha := initialLearningRate * (1 - float64(epoch)/float64(epochs))
		for i, e := range edges {
			if epochsPerSample[i] < 0 || nextSample[i] > float64(epoch) {
				continue
			}
			cur, other := y[e.head], y[e.tail]
			distSq := sqDist(cur, other)
			if distSq > 0 {
				coeff := -2 * a * b * math.Pow(distSq, b-1) / (a*math.Pow(distSq, b) + 1)
				for d := 0; d < dims; d++ {
					g := clip(coeff * (cur[d] - other[d]))
					cur[d] += g * alpha
					other[d] -= g * alpha
				}
			}
			nextSample[i] += epochsPerSample[i]

			nNeg := int((float64(epoch) - nextNegative[i]) / epochsPerNegative[i])
			for p := 0; p < nNeg; p++ {
				k := rng.IntN(len(y))
				if k == e.head {
					continue
				}
				other := y[k]
				distSq := sqDist(cur, other)
				var coeff float64
				if distSq > 0 {
					coeff = 2 * b / ((repulsionDistEpsilon + distSq) * (a*math.Pow(distSq, b) + 1))
				}
				for d := 0; d < dims; d++ {
					g := gradientClip
					if coeff > 0 {
						g = clip(coeff * (cur[d] - other[d]))
					}
					cur[d] += g * alpha
				}
			}
			nextNegative[i] += float64(nNeg) * epochsPerNegative[i]
		}
	}
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
