package optimization

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Function is a scalar function of the weight vector together with its
// gradient. The set of implementations is closed: LinearObjective,
// SumToOneConstraint, RiskBoundConstraint and NumericConstraint.
type Function interface {
	// Value evaluates the function at x.
	Value(x []float64) float64
	// Gradient writes the gradient at x into dst, which has len(x).
	Gradient(x, dst []float64)

	function()
}

// ConstraintType tags a constraint as an equality (c(x) = 0) or an
// inequality (c(x) >= 0).
type ConstraintType int

const (
	Equality ConstraintType = iota
	Inequality
)

func (t ConstraintType) String() string {
	if t == Equality {
		return "equality"
	}
	return "inequality"
}

// Constraint pairs a function with its type.
type Constraint struct {
	Type     ConstraintType
	Function Function
}

// LinearObjective is f(x) = cᵀx.
type LinearObjective struct {
	coefficients []float64
}

// NewExpectedReturnObjective returns the objective whose minimum maximizes
// expected portfolio return: f(w) = -Σ mean_i·w_i.
func NewExpectedReturnObjective(mean []float64) LinearObjective {
	c := make([]float64, len(mean))
	floats.ScaleTo(c, -1, mean)
	return LinearObjective{coefficients: c}
}

func (o LinearObjective) Value(x []float64) float64 {
	return floats.Dot(o.coefficients, x)
}

func (o LinearObjective) Gradient(_, dst []float64) {
	copy(dst, o.coefficients)
}

func (LinearObjective) function() {}

// SumToOneConstraint is Σx - 1 = 0.
type SumToOneConstraint struct{}

func (SumToOneConstraint) Value(x []float64) float64 {
	return floats.Sum(x) - 1
}

func (SumToOneConstraint) Gradient(_, dst []float64) {
	for i := range dst {
		dst[i] = 1
	}
}

func (SumToOneConstraint) function() {}

// RiskBoundConstraint is level - sqrt(xᵀΣx) >= 0: portfolio volatility must
// not exceed level.
type RiskBoundConstraint struct {
	level      float64
	covariance *mat.SymDense
}

// NewRiskBoundConstraint returns the volatility ceiling constraint.
func NewRiskBoundConstraint(covariance *mat.SymDense, level float64) RiskBoundConstraint {
	return RiskBoundConstraint{level: level, covariance: covariance}
}

// Volatility returns sqrt(xᵀΣx) with the radicand clamped at zero, since a
// near-singular Σ can produce tiny negative quadratic forms.
func (c RiskBoundConstraint) Volatility(x []float64) float64 {
	v := mat.NewVecDense(len(x), x)
	return math.Sqrt(math.Max(0, mat.Inner(v, c.covariance, v)))
}

func (c RiskBoundConstraint) Value(x []float64) float64 {
	return c.level - c.Volatility(x)
}

// Gradient is -Σx/σ(x). At zero volatility the zero vector is used, which is
// a valid subgradient of the norm there.
func (c RiskBoundConstraint) Gradient(x, dst []float64) {
	sigma := c.Volatility(x)
	if sigma < 1e-14 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	var sx mat.VecDense
	sx.MulVec(c.covariance, mat.NewVecDense(len(x), x))
	for i := range dst {
		dst[i] = -sx.AtVec(i) / sigma
	}
}

func (RiskBoundConstraint) function() {}

// NumericConstraint wraps an arbitrary scalar function and differentiates it
// with central differences.
type NumericConstraint struct {
	Fn   func(x []float64) float64
	Step float64 // relative step; zero selects cbrt(machine epsilon)
}

func (c NumericConstraint) Value(x []float64) float64 {
	return c.Fn(x)
}

func (c NumericConstraint) Gradient(x, dst []float64) {
	CentralDifference(c.Fn, x, dst, c.Step)
}

func (NumericConstraint) function() {}

// CentralDifference approximates the gradient of fn at x into dst. x is
// restored before returning.
func CentralDifference(fn func([]float64) float64, x, dst []float64, step float64) {
	if step <= 0 {
		step = math.Cbrt(2.220446049250313e-16)
	}
	for i := range x {
		orig := x[i]
		h := step * math.Max(1, math.Abs(orig))

		x[i] = orig + h
		fp := fn(x)
		x[i] = orig - h
		fm := fn(x)
		x[i] = orig

		dst[i] = (fp - fm) / (2 * h)
	}
}
