package optimization

import (
	"fmt"
	"math/rand"
)

// syntheticReturns builds a return matrix whose sample means equal means
// exactly: the second half of the noise mirrors the first.
func syntheticReturns(rows int, means, vols []float64, seed int64) ReturnMatrix {
	r := rand.New(rand.NewSource(seed))
	n := len(means)
	half := rows / 2

	noise := make([][]float64, rows)
	for i := range noise {
		noise[i] = make([]float64, n)
	}
	for i := 0; i < half; i++ {
		for j := 0; j < n; j++ {
			v := vols[j] * r.NormFloat64()
			noise[i][j] = v
			noise[i+half][j] = -v
		}
	}

	m := ReturnMatrix{
		Assets: make([]string, n),
		Index:  make([]string, rows),
		Rows:   make([][]float64, rows),
	}
	for j := range m.Assets {
		m.Assets[j] = fmt.Sprintf("ASSET%d", j+1)
	}
	for i := 0; i < rows; i++ {
		m.Index[i] = fmt.Sprintf("day-%03d", i)
		m.Rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			m.Rows[i][j] = means[j] + noise[i][j]
		}
	}
	return m
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
