package optimization

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func diagCovariance(vars ...float64) *mat.SymDense {
	cov := mat.NewSymDense(len(vars), nil)
	for i, v := range vars {
		cov.SetSym(i, i, v)
	}
	return cov
}

func TestBuildPortfolioProblem(t *testing.T) {
	mean := []float64{0.01, 0.02, 0.03}
	cov := diagCovariance(0.04, 0.09, 0.16)

	p, err := BuildPortfolioProblem(mean, cov, 0.25, 0.5)
	require.NoError(t, err)

	assert.Equal(t, 3, p.Dim())
	assert.Equal(t, 1, p.NumEqualities())

	constraints := p.Constraints()
	require.Len(t, constraints, 2)
	assert.Equal(t, Equality, constraints[0].Type)
	assert.Equal(t, Inequality, constraints[1].Type)

	for _, b := range p.Bounds() {
		assert.Equal(t, Bound{Lower: 0, Upper: 0.5}, b)
	}

	w := EqualWeights(3)
	assert.InDelta(t, -0.02, p.Objective().Value(w), 1e-12)
	assert.InDelta(t, 0, constraints[0].Function.Value(w), 1e-12)

	vol := math.Sqrt((0.04 + 0.09 + 0.16) / 9)
	assert.InDelta(t, 0.25-vol, constraints[1].Function.Value(w), 1e-12)
}

func TestBuildPortfolioProblem_Validation(t *testing.T) {
	mean := []float64{0.01, 0.02, 0.03, 0.04}
	cov := diagCovariance(0.01, 0.01, 0.01, 0.01)

	tests := []struct {
		name      string
		riskLevel float64
		maxWeight float64
		want      error
	}{
		{"zero risk level", 0, 0.5, ErrInvalidRiskLevel},
		{"negative risk level", -0.1, 0.5, ErrInvalidRiskLevel},
		{"NaN risk level", math.NaN(), 0.5, ErrInvalidRiskLevel},
		{"zero max weight", 0.2, 0, ErrInvalidWeightBound},
		{"max weight above one", 0.2, 1.2, ErrInvalidWeightBound},
		{"cap too small for full allocation", 0.2, 0.2, ErrInfeasibleBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPortfolioProblem(mean, cov, tt.riskLevel, tt.maxWeight)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestBuildPortfolioProblem_InfeasibleBoundsForAnyRiskLevel(t *testing.T) {
	mean := []float64{0.01, 0.02, 0.03, 0.04}
	cov := diagCovariance(0.01, 0.01, 0.01, 0.01)

	for _, risk := range []float64{1e-9, 0.05, 1, 100} {
		_, err := BuildPortfolioProblem(mean, cov, risk, 0.24)
		assert.ErrorIs(t, err, ErrInfeasibleBounds, "risk level %g", risk)
	}
}

func TestBuildPortfolioProblem_CapAtOneOverN(t *testing.T) {
	mean := make([]float64, 7)
	cov := diagCovariance(1, 1, 1, 1, 1, 1, 1)

	_, err := BuildPortfolioProblem(mean, cov, 1, 1.0/7)
	assert.NoError(t, err)
}

func TestRiskBoundConstraint_Gradient(t *testing.T) {
	cov := mat.NewSymDense(3, []float64{
		0.04, 0.01, 0.00,
		0.01, 0.09, 0.02,
		0.00, 0.02, 0.16,
	})
	c := NewRiskBoundConstraint(cov, 0.3)
	x := []float64{0.2, 0.5, 0.3}

	analytic := make([]float64, 3)
	c.Gradient(x, analytic)

	numeric := make([]float64, 3)
	CentralDifference(c.Value, x, numeric, 0)

	for i := range x {
		assert.InDelta(t, numeric[i], analytic[i], 1e-7)
	}
	assert.Equal(t, []float64{0.2, 0.5, 0.3}, x, "x must be restored")
}

func TestRiskBoundConstraint_ZeroVolatility(t *testing.T) {
	c := NewRiskBoundConstraint(mat.NewSymDense(2, nil), 0.1)
	x := []float64{0.5, 0.5}

	assert.Equal(t, 0.0, c.Volatility(x))
	assert.Equal(t, 0.1, c.Value(x))

	g := []float64{7, 7}
	c.Gradient(x, g)
	assert.Equal(t, []float64{0, 0}, g)
}

func TestRiskBoundConstraint_ClampsNegativeQuadraticForm(t *testing.T) {
	// Slightly indefinite matrix, as produced by rounding in near-singular data.
	cov := mat.NewSymDense(2, []float64{
		1, -1.0000001,
		-1.0000001, 1,
	})
	c := NewRiskBoundConstraint(cov, 0.1)

	vol := c.Volatility([]float64{0.5, 0.5})
	assert.False(t, math.IsNaN(vol))
	assert.Equal(t, 0.0, vol)
}

func TestProblem_Violation(t *testing.T) {
	// Volatility of the equal split is sqrt(0.02) ≈ 0.1414.
	p, err := BuildPortfolioProblem([]float64{0.01, 0.02}, diagCovariance(0.04, 0.04), 0.15, 0.8)
	require.NoError(t, err)

	assert.InDelta(t, 0, p.Violation([]float64{0.5, 0.5}), 1e-12)
	assert.InDelta(t, 0.2, p.Violation([]float64{0.6, 0.6}), 1e-12)
	assert.InDelta(t, 0.1, p.Violation([]float64{0.9, 0.1}), 1e-12)

	tight, err := BuildPortfolioProblem([]float64{0.01, 0.02}, diagCovariance(0.04, 0.04), 0.1, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(0.02)-0.1, tight.Violation([]float64{0.5, 0.5}), 1e-12)
}
