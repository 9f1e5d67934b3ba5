package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Bound is the closed interval a single variable must stay in.
type Bound struct {
	Lower float64
	Upper float64
}

// Problem is an immutable description of
//
//	minimize f(x) s.t. c_eq(x) = 0, c_ineq(x) >= 0, lower <= x <= upper.
//
// Accessors return copies so a solver can never mutate it.
type Problem struct {
	dim         int
	objective   Function
	constraints []Constraint
	bounds      []Bound
}

// NewProblem validates and assembles a problem. Constraints are reordered so
// equalities come first.
func NewProblem(objective Function, constraints []Constraint, bounds []Bound) (*Problem, error) {
	if objective == nil {
		return nil, fmt.Errorf("objective is required")
	}
	if len(bounds) == 0 {
		return nil, fmt.Errorf("problem needs at least one variable")
	}
	for i, b := range bounds {
		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
			return nil, fmt.Errorf("bound %d is empty: [%g, %g]", i, b.Lower, b.Upper)
		}
	}

	ordered := make([]Constraint, 0, len(constraints))
	for _, c := range constraints {
		if c.Type == Equality {
			ordered = append(ordered, c)
		}
	}
	for _, c := range constraints {
		if c.Type == Inequality {
			ordered = append(ordered, c)
		}
	}

	return &Problem{
		dim:         len(bounds),
		objective:   objective,
		constraints: ordered,
		bounds:      append([]Bound(nil), bounds...),
	}, nil
}

// Dim returns the number of variables.
func (p *Problem) Dim() int { return p.dim }

// Objective returns the function being minimized.
func (p *Problem) Objective() Function { return p.objective }

// Constraints returns the constraints, equalities first.
func (p *Problem) Constraints() []Constraint {
	return append([]Constraint(nil), p.constraints...)
}

// Bounds returns the per-variable intervals.
func (p *Problem) Bounds() []Bound {
	return append([]Bound(nil), p.bounds...)
}

// NumEqualities returns how many leading constraints are equalities.
func (p *Problem) NumEqualities() int {
	n := 0
	for _, c := range p.constraints {
		if c.Type == Equality {
			n++
		}
	}
	return n
}

// Violation is the largest amount by which x breaks a constraint or bound.
func (p *Problem) Violation(x []float64) float64 {
	worst := 0.0
	for _, c := range p.constraints {
		worst = math.Max(worst, violation(c.Type, c.Function.Value(x)))
	}
	for i, b := range p.bounds {
		worst = math.Max(worst, b.Lower-x[i])
		worst = math.Max(worst, x[i]-b.Upper)
	}
	return worst
}

func violation(t ConstraintType, value float64) float64 {
	if t == Equality {
		return math.Abs(value)
	}
	return math.Max(0, -value)
}

// boundSlack absorbs the representation error of caps such as 1/7, so that
// n*maxWeight computed in floating point can still admit full allocation.
const boundSlack = 1e-12

// BuildPortfolioProblem assembles the long-only, fully invested
// mean-variance problem: maximize meanᵀw subject to Σw = 1,
// sqrt(wᵀΣw) <= riskLevel and 0 <= w_i <= maxWeight.
func BuildPortfolioProblem(mean []float64, covariance *mat.SymDense, riskLevel, maxWeight float64) (*Problem, error) {
	n := len(mean)
	if n == 0 {
		return nil, fmt.Errorf("%w: no assets", ErrNonNumericInput)
	}
	if covariance == nil || covariance.SymmetricDim() != n {
		return nil, fmt.Errorf("covariance dimension does not match %d assets", n)
	}

	if math.IsNaN(maxWeight) || maxWeight <= 0 || maxWeight > 1 {
		return nil, fmt.Errorf("%w: max weight must be in (0, 1], got %g", ErrInvalidWeightBound, maxWeight)
	}
	if float64(n)*maxWeight < 1-boundSlack {
		return nil, fmt.Errorf("%w: %d assets capped at %g cannot reach full allocation",
			ErrInfeasibleBounds, n, maxWeight)
	}
	if math.IsNaN(riskLevel) || math.IsInf(riskLevel, 0) || riskLevel <= 0 {
		return nil, fmt.Errorf("%w: risk level must be positive, got %g", ErrInvalidRiskLevel, riskLevel)
	}

	bounds := make([]Bound, n)
	for i := range bounds {
		bounds[i] = Bound{Lower: 0, Upper: maxWeight}
	}

	return NewProblem(
		NewExpectedReturnObjective(mean),
		[]Constraint{
			{Type: Equality, Function: SumToOneConstraint{}},
			{Type: Inequality, Function: NewRiskBoundConstraint(covariance, riskLevel)},
		},
		bounds,
	)
}

// EqualWeights is the canonical starting point: 1/n for each of n assets.
func EqualWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
