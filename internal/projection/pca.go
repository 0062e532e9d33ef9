package projection

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// pca returns the first n principal component scores of x (rows are samples)
// and the explained-variance ratio of each component. The sign of each
// component is fixed so that its largest-magnitude loading is positive.
func pca(x [][]float64, n int) ([][]float64, []float64) {
	rows, cols := len(x), len(x[0])
	centered := mat.NewDense(rows, cols, nil)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean := stat.Mean(col, nil)
		for i := range x {
			centered.Set(i, j, x[i][j]-mean)
		}
	}

	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, n)
	}
	ratios := make([]float64, n)

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return out, ratios
	}
	sigma := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var total float64
	for _, s := range sigma {
		total += s * s
	}
	for c := 0; c < n && c < len(sigma); c++ {
		sign := 1.0
		best := 0.0
		for j := 0; j < cols; j++ {
			if l := v.At(j, c); math.Abs(l) > math.Abs(best) {
				best = l
			}
		}
		if best < 0 {
			sign = -1
		}
		for i := 0; i < rows; i++ {
			out[i][c] = sign * u.At(i, c) * sigma[c]
		}
		if total > 0 {
			ratios[c] = sigma[c] * sigma[c] / total
		}
	}
	return out, ratios
}
