package optimization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Solver defaults.
const (
	DefaultTolerance     = 1e-6
	DefaultMaxIterations = 1000

	defaultMaxLineSearch = 10
	defaultMaxResets     = 5
	armijoFactor         = 0.1
	minStepFactor        = 0.1
	relaxationPenalty    = 100.0
	maxRelaxations       = 5
)

// Status tells why the solver stopped.
type Status int

const (
	StatusConverged Status = iota
	StatusMaxIterations
	StatusIncompatible
	StatusNotDescent
	StatusSubproblemFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "optimization terminated successfully"
	case StatusMaxIterations:
		return "iteration limit reached"
	case StatusIncompatible:
		return "constraints incompatible"
	case StatusNotDescent:
		return "positive directional derivative in line search"
	case StatusSubproblemFailed:
		return "quadratic subproblem failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IterationStat is one accepted SQP step.
type IterationStat struct {
	Iteration  int     `json:"iteration" msgpack:"iteration"`
	Objective  float64 `json:"objective" msgpack:"objective"`
	Violation  float64 `json:"violation" msgpack:"violation"`
	StepNorm   float64 `json:"step_norm" msgpack:"step_norm"`
	StepLength float64 `json:"step_length" msgpack:"step_length"`
}

// OptimizationResult is the outcome of one Solve call.
type OptimizationResult struct {
	Weights     []float64
	Converged   bool
	Iterations  int
	Status      Status
	Message     string
	Objective   float64
	Violation   float64
	Multipliers []float64
	Trace       []IterationStat
}

// Solver is a bound-constrained SQP method in the style of Kraft's SLSQP:
// a quasi-Newton quadratic model of the Lagrangian, linearized constraints,
// an inner QP per iteration and an ℓ1 merit line search.
//
// A Solver holds configuration only; every Solve call allocates its own
// iterate state, so one Solver may be shared between goroutines.
type Solver struct {
	qp            QPSolver
	recordTrace   bool
	maxLineSearch int
	maxResets     int
}

// SolverOption configures a Solver.
type SolverOption func(*Solver)

// WithQPSolver replaces the inner quadratic subproblem solver.
func WithQPSolver(qp QPSolver) SolverOption {
	return func(s *Solver) { s.qp = qp }
}

// WithTrace records an IterationStat for every accepted step.
func WithTrace() SolverOption {
	return func(s *Solver) { s.recordTrace = true }
}

// NewSolver returns a solver using the dual active-set QP method.
func NewSolver(opts ...SolverOption) *Solver {
	s := &Solver{
		qp:            ActiveSetSolver{},
		maxLineSearch: defaultMaxLineSearch,
		maxResets:     defaultMaxResets,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// point is the problem evaluated at x.
type point struct {
	x []float64
	f float64
	g []float64
	c []float64
	a [][]float64 // constraint gradients, one row per constraint
}

// iterate is the transient state of one Solve call.
type iterate struct {
	problem *Problem
	types   []ConstraintType
	meq     int
	lower   []float64
	upper   []float64
	scale   float64
}

// Solve runs SQP from initial until convergence or maxIterations. A
// non-positive tolerance or iteration count selects the default.
// Non-convergence is reported through the result; the error return is
// reserved for invalid arguments and numerical breakdown.
func (s *Solver) Solve(p *Problem, initial []float64, tolerance float64, maxIterations int) (*OptimizationResult, error) {
	if p == nil {
		return nil, fmt.Errorf("problem is required")
	}
	if len(initial) != p.Dim() {
		return nil, fmt.Errorf("initial point has %d components, problem has %d", len(initial), p.Dim())
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	it := newIterate(p)
	x := it.clamp(initial)

	if p.Dim() == 1 {
		return it.solveScalar(x, tolerance)
	}

	// The convergence tests compare absolute changes in f against the
	// tolerance, so the objective is always brought to unit gradient scale.
	g := make([]float64, p.Dim())
	p.Objective().Gradient(x, g)
	if gmax := floats.Norm(g, math.Inf(1)); gmax > 0 {
		it.scale = 1 / gmax
	}

	return s.run(it, x, tolerance, maxIterations)
}

func newIterate(p *Problem) *iterate {
	constraints := p.Constraints()
	types := make([]ConstraintType, len(constraints))
	for j, c := range constraints {
		types[j] = c.Type
	}
	bounds := p.Bounds()
	lower := make([]float64, len(bounds))
	upper := make([]float64, len(bounds))
	for i, b := range bounds {
		lower[i], upper[i] = b.Lower, b.Upper
	}
	return &iterate{
		problem: p,
		types:   types,
		meq:     p.NumEqualities(),
		lower:   lower,
		upper:   upper,
		scale:   1,
	}
}

func (it *iterate) clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Min(math.Max(v, it.lower[i]), it.upper[i])
	}
	return out
}

// evaluate computes objective, constraints and their gradients at x.
func (it *iterate) evaluate(x []float64) (*point, error) {
	p := it.problem
	n := len(x)
	pt := &point{x: x, g: make([]float64, n)}

	pt.f = it.scale * p.Objective().Value(x)
	p.Objective().Gradient(x, pt.g)
	floats.Scale(it.scale, pt.g)

	constraints := p.Constraints()
	pt.c = make([]float64, len(constraints))
	pt.a = make([][]float64, len(constraints))
	for j, c := range constraints {
		pt.c[j] = c.Function.Value(x)
		pt.a[j] = make([]float64, n)
		c.Function.Gradient(x, pt.a[j])
	}

	if !finite(pt.f) || !allFinite(pt.g) || !allFinite(pt.c) {
		return nil, fmt.Errorf("%w: non-finite objective or constraint value", ErrNumericalDegeneracy)
	}
	for _, row := range pt.a {
		if !allFinite(row) {
			return nil, fmt.Errorf("%w: non-finite constraint gradient", ErrNumericalDegeneracy)
		}
	}
	return pt, nil
}

// lagrangianGradient returns ∇f - Σ λ_j ∇c_j.
func (pt *point) lagrangianGradient(lambda []float64) []float64 {
	out := append([]float64(nil), pt.g...)
	for j, row := range pt.a {
		floats.AddScaled(out, -lambda[j], row)
	}
	return out
}

func (s *Solver) run(it *iterate, x []float64, tol float64, maxIter int) (*OptimizationResult, error) {
	n := len(x)
	m := len(it.types)

	cur, err := it.evaluate(x)
	if err != nil {
		return nil, err
	}

	b := newHessian(n)
	merit := newMeritFunction(it.types)
	lambda := make([]float64, m)
	result := &OptimizationResult{}
	resets := 0

	finish := func(status Status, iterations int) (*OptimizationResult, error) {
		result.Weights = cur.x
		result.Iterations = iterations
		result.Status = status
		result.Converged = status == StatusConverged
		result.Objective = it.problem.Objective().Value(cur.x)
		result.Violation = it.problem.Violation(cur.x)
		result.Multipliers = make([]float64, m)
		floats.ScaleTo(result.Multipliers, 1/it.scale, lambda)
		result.Message = status.String()
		if !result.Converged && result.Violation > tol {
			result.Message += ": constraints could not be satisfied together (problem appears infeasible)"
		}
		return result, nil
	}

	for iter := 1; iter <= maxIter; iter++ {
		sub, err := s.subproblem(it, cur, b)
		if errors.Is(err, ErrNotPositiveDefinite) {
			b.reset()
			sub, err = s.subproblem(it, cur, b)
		}
		if err != nil {
			if errors.Is(err, ErrNotPositiveDefinite) {
				return nil, fmt.Errorf("%w: %v", ErrNumericalDegeneracy, err)
			}
			return finish(StatusSubproblemFailed, iter)
		}
		if sub == nil {
			return finish(StatusIncompatible, iter)
		}
		d := sub.d
		copy(lambda, sub.lambda)

		// Stationarity and complementarity of the linearized problem.
		kkt := math.Abs(floats.Dot(cur.g, d))
		for j := range lambda {
			kkt += math.Abs(lambda[j] * cur.c[j])
		}
		vio := maxViolation(it.types, cur.c)
		if !sub.relaxed && kkt < tol && vio < tol {
			return finish(StatusConverged, iter)
		}
		if sub.relaxed && floats.Norm(d, 2) < tol {
			return finish(StatusIncompatible, iter)
		}

		merit.updatePenalties(lambda)
		phi0 := merit.value(cur.f, cur.c)
		slope := floats.Dot(cur.g, d) - merit.penalty(cur.c)*(1-sub.delta)
		if slope >= 0 {
			resets++
			if resets > s.maxResets {
				return finish(StatusNotDescent, iter)
			}
			b.reset()
			continue
		}

		next, alpha, err := s.lineSearch(it, cur, d, merit, phi0, slope)
		if err != nil {
			return nil, err
		}
		resets = 0

		step := make([]float64, n)
		floats.SubTo(step, next.x, cur.x)
		stepNorm := floats.Norm(step, 2)
		nextVio := maxViolation(it.types, next.c)

		if s.recordTrace {
			result.Trace = append(result.Trace, IterationStat{
				Iteration:  iter,
				Objective:  it.problem.Objective().Value(next.x),
				Violation:  nextVio,
				StepNorm:   stepNorm,
				StepLength: alpha,
			})
		}

		converged := !sub.relaxed && nextVio < tol &&
			(math.Abs(next.f-cur.f) < tol || stepNorm < tol)

		y := next.lagrangianGradient(lambda)
		floats.Sub(y, cur.lagrangianGradient(lambda))
		b.update(step, y)

		cur = next
		if converged {
			return finish(StatusConverged, iter)
		}
	}

	return finish(StatusMaxIterations, maxIter)
}

// lineSearch backtracks along d until the merit function decreases by at
// least armijoFactor times the predicted amount, interpolating the step
// length quadratically. After maxLineSearch trials the last point is taken.
func (s *Solver) lineSearch(it *iterate, cur *point, d []float64, merit *meritFunction, phi0, slope float64) (*point, float64, error) {
	alpha := 1.0
	trial := make([]float64, len(d))

	for k := 1; ; k++ {
		for i := range trial {
			trial[i] = cur.x[i] + alpha*d[i]
		}
		next, err := it.evaluate(it.clamp(trial))
		if err != nil {
			return nil, 0, err
		}

		decrease := merit.value(next.f, next.c) - phi0
		if decrease <= armijoFactor*alpha*slope || k >= s.maxLineSearch {
			return next, alpha, nil
		}

		h := alpha * slope
		factor := h / (2 * (h - decrease))
		alpha *= math.Min(math.Max(factor, minStepFactor), 1)
	}
}

// step is the solution of one SQP subproblem.
type step struct {
	d       []float64
	lambda  []float64
	delta   float64
	relaxed bool
}

// subproblem solves the QP over the linearization at cur. When the
// linearized constraints are inconsistent it falls back to a relaxed QP
// with one extra variable δ ∈ [0,1] that scales the constraint residuals.
// A nil step with nil error means no relaxation succeeded.
func (s *Solver) subproblem(it *iterate, cur *point, b *hessian) (*step, error) {
	n := len(cur.x)
	m := len(cur.c)

	qp := &QuadraticProgram{
		H:     b.b,
		G:     cur.g,
		Aeq:   denseRows(cur.a[:it.meq], n, nil),
		Beq:   cur.c[:it.meq],
		Aineq: denseRows(cur.a[it.meq:], n, nil),
		Bineq: cur.c[it.meq:],
		Lower: make([]float64, n),
		Upper: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		qp.Lower[i] = it.lower[i] - cur.x[i]
		qp.Upper[i] = it.upper[i] - cur.x[i]
	}

	sol, err := s.qp.SolveQP(qp)
	if err != nil && !errors.Is(err, ErrDependentEqualities) {
		return nil, err
	}
	if err == nil && sol.Status == QPOptimal {
		return &step{d: sol.X, lambda: append(append([]float64(nil), sol.Eq...), sol.Ineq...)}, nil
	}

	rho := relaxationPenalty
	for attempt := 0; attempt < maxRelaxations; attempt++ {
		rqp := relaxedProgram(qp, cur, it.meq, rho)
		sol, err := s.qp.SolveQP(rqp)
		if err != nil && !errors.Is(err, ErrDependentEqualities) {
			return nil, err
		}
		if err == nil && sol.Status == QPOptimal {
			lambda := make([]float64, 0, m)
			lambda = append(lambda, sol.Eq...)
			lambda = append(lambda, sol.Ineq...)
			return &step{
				d:       sol.X[:n],
				lambda:  lambda,
				delta:   sol.X[n],
				relaxed: true,
			}, nil
		}
		rho *= 10
	}
	return nil, nil
}

// relaxedProgram augments qp with δ: equalities become aᵀd + (1-δ)c = 0 and
// each inequality gains δ·max(-c, 0), so d = 0, δ = 1 is always feasible.
// ½ρδ² is added to the objective.
func relaxedProgram(qp *QuadraticProgram, cur *point, meq int, rho float64) *QuadraticProgram {
	n := len(cur.x)
	h := mat.NewSymDense(n+1, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			h.SetSym(i, j, qp.H.At(i, j))
		}
	}
	h.SetSym(n, n, rho)

	eqExtra := make([]float64, meq)
	for j := 0; j < meq; j++ {
		eqExtra[j] = -cur.c[j]
	}
	ineqExtra := make([]float64, len(cur.c)-meq)
	for j := range ineqExtra {
		ineqExtra[j] = math.Max(-cur.c[meq+j], 0)
	}

	return &QuadraticProgram{
		H:     h,
		G:     append(append([]float64(nil), qp.G...), 0),
		Aeq:   denseRows(cur.a[:meq], n+1, eqExtra),
		Beq:   qp.Beq,
		Aineq: denseRows(cur.a[meq:], n+1, ineqExtra),
		Bineq: qp.Bineq,
		Lower: append(append([]float64(nil), qp.Lower...), 0),
		Upper: append(append([]float64(nil), qp.Upper...), 1),
	}
}

// denseRows stacks rows into a matrix with cols columns. When extra is
// non-nil its j-th value fills the last column of row j. It returns nil for
// no rows.
func denseRows(rows [][]float64, cols int, extra []float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	out := mat.NewDense(len(rows), cols, nil)
	for j, row := range rows {
		for i, v := range row {
			out.Set(j, i, v)
		}
		if extra != nil {
			out.Set(j, cols-1, extra[j])
		}
	}
	return out
}

// solveScalar handles single-variable problems directly: the equality
// constraints are solved by Newton steps, the result is clamped to its
// bound and then checked against every constraint.
func (it *iterate) solveScalar(x []float64, tol float64) (*OptimizationResult, error) {
	p := it.problem
	grad := make([]float64, 1)
	iterations := 0
	for _, c := range p.Constraints() {
		if c.Type != Equality {
			continue
		}
		for k := 0; k < 50; k++ {
			iterations++
			v := c.Function.Value(x)
			if math.Abs(v) < tol {
				break
			}
			c.Function.Gradient(x, grad)
			if grad[0] == 0 {
				return nil, fmt.Errorf("%w: equality constraint has zero derivative", ErrNumericalDegeneracy)
			}
			x[0] -= v / grad[0]
		}
	}
	x = it.clamp(x)

	if !finite(p.Objective().Value(x)) {
		return nil, fmt.Errorf("%w: non-finite objective for single asset", ErrNumericalDegeneracy)
	}

	result := &OptimizationResult{
		Weights:     x,
		Iterations:  max(iterations, 1),
		Objective:   p.Objective().Value(x),
		Violation:   p.Violation(x),
		Multipliers: make([]float64, len(it.types)),
	}
	if result.Violation < tol {
		result.Converged = true
		result.Status = StatusConverged
		result.Message = StatusConverged.String()
	} else {
		result.Status = StatusIncompatible
		result.Message = StatusIncompatible.String() + ": single asset cannot satisfy every constraint (problem infeasible)"
	}
	return result, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !finite(x) {
			return false
		}
	}
	return true
}
