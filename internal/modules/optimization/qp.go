package optimization

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// QuadraticProgram is the SQP subproblem
//
//	minimize   ½dᵀHd + gᵀd
//	subject to Aeq·d + beq = 0
//	           Aineq·d + bineq >= 0
//	           lower <= d <= upper
//
// Infinite entries in Lower or Upper leave that side unbounded. H must be
// symmetric positive definite.
type QuadraticProgram struct {
	H     *mat.SymDense
	G     []float64
	Aeq   *mat.Dense
	Beq   []float64
	Aineq *mat.Dense
	Bineq []float64
	Lower []float64
	Upper []float64
}

// QPStatus describes how a subproblem solve ended.
type QPStatus int

const (
	QPOptimal QPStatus = iota
	QPInfeasible
)

func (s QPStatus) String() string {
	if s == QPOptimal {
		return "optimal"
	}
	return "infeasible"
}

// QPSolution holds the minimizer and the multipliers of every constraint.
// Multipliers follow Hd + g = Aeqᵀ·Eq + Aineqᵀ·Ineq + Lower - Upper, with all
// but Eq non-negative.
type QPSolution struct {
	X      []float64
	Eq     []float64
	Ineq   []float64
	Lower  []float64
	Upper  []float64
	Value  float64
	Status QPStatus
}

// ErrNotPositiveDefinite is returned when the quadratic term cannot be
// factorized. SQP callers react by resetting their Hessian approximation.
var ErrNotPositiveDefinite = errors.New("quadratic term is not positive definite")

// ErrDependentEqualities is returned when the equality rows are linearly
// dependent.
var ErrDependentEqualities = errors.New("equality constraints are linearly dependent")

// QPSolver solves quadratic subproblems. Implementations must not retain qp.
type QPSolver interface {
	SolveQP(qp *QuadraticProgram) (*QPSolution, error)
}

func rowCount(m *mat.Dense) int {
	if m == nil {
		return 0
	}
	r, _ := m.Dims()
	return r
}
