package optimization

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(Config{}, zerolog.Nop())
}

func TestOptimizePortfolio_DominantAssetCapped(t *testing.T) {
	// Asset 2 has by far the best mean and is uncorrelated with the others.
	m := syntheticReturns(60,
		[]float64{0.0005, 0.0040, 0.0012},
		[]float64{0.010, 0.010, 0.010}, 42)

	portfolio, err := newTestService().OptimizePortfolio(m, 0.5, 0.6)
	require.NoError(t, err)

	w2, ok := portfolio.Weight("ASSET2")
	require.True(t, ok)
	assert.InDelta(t, 0.6, w2, 1e-4)

	// The remainder goes to the next best asset.
	w3, ok := portfolio.Weight("ASSET3")
	require.True(t, ok)
	assert.InDelta(t, 0.4, w3, 1e-4)

	_, ok = portfolio.Weight("ASSET1")
	assert.False(t, ok, "worst asset should be dropped")

	assert.InDelta(t, 1.0, portfolio.Sum(), 0.01)
}

func TestOptimizePortfolio_IdenticalMeansEqualCap(t *testing.T) {
	n := 5
	m := syntheticReturns(60, constant(n, 0.001), []float64{0.01, 0.02, 0.005, 0.015, 0.008}, 8)

	portfolio, err := newTestService().OptimizePortfolio(m, 1, 1.0/float64(n))
	require.NoError(t, err)
	require.Len(t, portfolio, n)
	for _, h := range portfolio {
		assert.InDelta(t, 0.2, h.Weight, 1e-4, h.Asset)
	}
}

func TestOptimizePortfolio_InfeasibleRiskLevel(t *testing.T) {
	m := syntheticReturns(60,
		[]float64{0.001, 0.002, 0.003},
		[]float64{0.01, 0.012, 0.015}, 5)

	_, err := newTestService().OptimizePortfolio(m, 0.0005, 0.6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonConvergence))
	assert.Contains(t, err.Error(), "infeasible")

	var nce *NonConvergenceError
	require.True(t, errors.As(err, &nce))
	assert.True(t, nce.Infeasible())
	assert.Len(t, nce.Weights, 3)
}

func TestOptimizePortfolio_InsufficientData(t *testing.T) {
	m := syntheticReturns(10, []float64{0.001, 0.002}, []float64{0.01, 0.01}, 1)

	_, err := newTestService().OptimizePortfolio(m, 0.05, 0.6)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Equal(t, "INSUFFICIENT_DATA", Kind(err))
}

func TestOptimizePortfolio_InfeasibleBounds(t *testing.T) {
	m := syntheticReturns(60, []float64{0.001, 0.002, 0.003}, []float64{0.01, 0.01, 0.01}, 1)

	for _, risk := range []float64{0.001, 0.05, 5} {
		_, err := newTestService().OptimizePortfolio(m, risk, 0.3)
		assert.ErrorIs(t, err, ErrInfeasibleBounds)
	}
}

func TestOptimizePortfolio_Feasibility(t *testing.T) {
	cases := []struct {
		means     []float64
		vols      []float64
		risk      float64
		maxWeight float64
	}{
		{[]float64{0.001, 0.002, 0.0015, 0.0005}, []float64{0.01, 0.02, 0.015, 0.005}, 0.012, 0.5},
		{[]float64{0.0002, 0.0003}, []float64{0.004, 0.006}, 0.1, 1},
		{[]float64{0.001, 0.0011, 0.0009, 0.0012, 0.0008, 0.001}, []float64{0.01, 0.011, 0.009, 0.02, 0.008, 0.012}, 0.01, 0.3},
	}

	for i, c := range cases {
		m := syntheticReturns(80, c.means, c.vols, int64(100+i))
		portfolio, err := newTestService().OptimizePortfolio(m, c.risk, c.maxWeight)
		require.NoError(t, err, "case %d", i)

		assert.InDelta(t, 1.0, portfolio.Sum(), 0.01, "case %d", i)
		for _, h := range portfolio {
			assert.GreaterOrEqual(t, h.Weight, 0.0)
			assert.LessOrEqual(t, h.Weight, c.maxWeight+1e-4)
		}
	}
}

func TestOptimizePortfolio_Idempotent(t *testing.T) {
	m := syntheticReturns(60,
		[]float64{0.001, 0.0015, 0.0007},
		[]float64{0.01, 0.02, 0.008}, 9)
	svc := newTestService()

	a, err := svc.OptimizePortfolio(m, 0.011, 0.7)
	require.NoError(t, err)
	b, err := svc.OptimizePortfolio(m, 0.011, 0.7)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOptimizePortfolio_SingleAsset(t *testing.T) {
	m := syntheticReturns(30, []float64{0.001}, []float64{0.01}, 4)

	portfolio, err := newTestService().OptimizePortfolio(m, 0.5, 1)
	require.NoError(t, err)
	assert.Equal(t, Portfolio{{Asset: "ASSET1", Weight: 1}}, portfolio)
}

func TestOptimizePortfolio_InvalidAssets(t *testing.T) {
	m := syntheticReturns(40, []float64{0.001, 0.002}, []float64{0.01, 0.01}, 1)

	dup := m
	dup.Assets = []string{"X", "X"}
	_, err := newTestService().OptimizePortfolio(dup, 0.5, 1)
	assert.ErrorIs(t, err, ErrInvalidAssets)

	short := m
	short.Assets = []string{"X"}
	_, err = newTestService().OptimizePortfolio(short, 0.5, 1)
	assert.ErrorIs(t, err, ErrInvalidAssets)
}

func TestOptimize_ReturnsDiagnosticsAndTrace(t *testing.T) {
	m := syntheticReturns(60, []float64{0.001, 0.004, 0.002}, []float64{0.01, 0.01, 0.01}, 7)

	out, err := newTestService().Optimize(context.Background(), Request{
		Returns: m, RiskLevel: 1, MaxWeight: 0.6, Trace: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Allocation)
	assert.True(t, out.Result.Converged)
	assert.NotEmpty(t, out.Result.Trace)
	assert.Equal(t, out.Result.Iterations, out.Allocation.Iterations)
}

func TestOptimize_DeadlineDropsResult(t *testing.T) {
	m := syntheticReturns(60, []float64{0.001, 0.004, 0.002}, []float64{0.01, 0.01, 0.01}, 7)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	out, err := newTestService().Optimize(ctx, Request{Returns: m, RiskLevel: 1, MaxWeight: 0.6})
	// Either the run finished before the select observed the deadline or the
	// deadline won; a late result is never mixed with an error.
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, out)
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "NON_CONVERGENCE", Kind(&NonConvergenceError{}))
	assert.Equal(t, "INVALID_RISK_LEVEL", Kind(ErrInvalidRiskLevel))
	assert.Equal(t, "INTERNAL", Kind(errors.New("other")))
	assert.True(t, IsValidationError(ErrInfeasibleBounds))
	assert.False(t, IsValidationError(ErrNonConvergence))
}
