package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MinObservations is the smallest number of return rows accepted for an
// estimate.
const MinObservations = 30

// ReturnMatrix holds per-asset return observations. Rows are time-ordered;
// column j of every row belongs to Assets[j].
type ReturnMatrix struct {
	Assets []string
	Index  []string // optional row labels, usually dates
	Rows   [][]float64
}

// NumAssets returns the column count.
func (m ReturnMatrix) NumAssets() int {
	if len(m.Assets) > 0 {
		return len(m.Assets)
	}
	if len(m.Rows) > 0 {
		return len(m.Rows[0])
	}
	return 0
}

// column copies column j out of the row-major matrix.
func (m ReturnMatrix) column(j int) []float64 {
	col := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		col[i] = row[j]
	}
	return col
}

// validateReturns checks the shape and content invariants of a return matrix.
func validateReturns(m ReturnMatrix) error {
	if len(m.Rows) < MinObservations {
		return fmt.Errorf("%w: at least %d observations required, got %d",
			ErrInsufficientData, MinObservations, len(m.Rows))
	}

	width := len(m.Rows[0])
	if width == 0 {
		return fmt.Errorf("%w: return matrix has no asset columns", ErrNonNumericInput)
	}

	for i, row := range m.Rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, expected %d",
				ErrNonNumericInput, i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite value at row %d, column %d",
					ErrNonNumericInput, i, j)
			}
		}
	}

	return nil
}

// Estimate computes the per-asset arithmetic mean and the sample covariance
// matrix (denominator rows-1) of a return matrix.
func Estimate(returns ReturnMatrix) ([]float64, *mat.SymDense, error) {
	if err := validateReturns(returns); err != nil {
		return nil, nil, err
	}

	n := len(returns.Rows[0])
	columns := make([][]float64, n)
	mean := make([]float64, n)
	for j := 0; j < n; j++ {
		columns[j] = returns.column(j)
		mean[j] = stat.Mean(columns[j], nil)
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, stat.Covariance(columns[i], columns[j], nil))
		}
	}

	for i := 0; i < n; i++ {
		if math.IsNaN(mean[i]) || math.IsInf(mean[i], 0) {
			return nil, nil, fmt.Errorf("%w: mean of column %d is not finite", ErrNumericalDegeneracy, i)
		}
		for j := i; j < n; j++ {
			if v := cov.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, fmt.Errorf("%w: covariance (%d,%d) is not finite", ErrNumericalDegeneracy, i, j)
			}
		}
	}

	return mean, cov, nil
}
