package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const machineEpsilon = 2.220446049250313e-16

// ActiveSetSolver solves strictly convex quadratic programs with the dual
// active-set method of Goldfarb and Idnani. It starts from the unconstrained
// minimizer and adds violated constraints one at a time, so it needs no
// feasible starting point and detects infeasible subproblems directly.
type ActiveSetSolver struct {
	// MaxIterations caps the number of active-set changes. Zero selects
	// 10·(variables + constraints) + 100.
	MaxIterations int
}

type rowKind int

const (
	rowInequality rowKind = iota
	rowLower
	rowUpper
)

// qpRow is one inequality normalᵀd + offset >= 0.
type qpRow struct {
	normal []float64
	offset float64
	kind   rowKind
	index  int
}

// factorization carries the working matrices of the dual method: J spans
// the primal space (its trailing columns the null space of the active
// normals) and R is the upper triangular factor of the active normals.
type factorization struct {
	n      int
	iq     int
	j      [][]float64
	r      [][]float64
	rNorm  float64
	d      []float64
	z      []float64
	rv     []float64
	active []int
	u      []float64
}

func (solver ActiveSetSolver) SolveQP(qp *QuadraticProgram) (*QPSolution, error) {
	n := len(qp.G)
	if qp.H == nil || qp.H.SymmetricDim() != n {
		return nil, fmt.Errorf("quadratic term must be %dx%d", n, n)
	}

	me := rowCount(qp.Aeq)
	eqRows := make([][]float64, me)
	for i := range eqRows {
		eqRows[i] = mat.Row(nil, i, qp.Aeq)
	}
	rows := inequalityRows(qp, n)

	var chol mat.Cholesky
	if ok := chol.Factorize(qp.H); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var l, linv mat.TriDense
	chol.LTo(&l)
	if err := linv.InverseTri(&l); err != nil {
		return nil, ErrNotPositiveDefinite
	}

	f := newFactorization(n, &linv)

	// Scale of H and H⁻¹, used for the feasibility tolerance.
	c1, c2 := 0.0, 0.0
	for i := 0; i < n; i++ {
		c1 += qp.H.At(i, i)
		c2 += linv.At(i, i)
	}

	var xv mat.VecDense
	if err := chol.SolveVecTo(&xv, mat.NewVecDense(n, append([]float64(nil), qp.G...))); err != nil {
		return nil, ErrNotPositiveDefinite
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = -xv.AtVec(i)
	}

	for k, np := range eqRows {
		f.direction(np)
		t2 := 0.0
		if floats.Dot(f.z, f.z) > machineEpsilon {
			t2 = (-floats.Dot(np, x) - qp.Beq[k]) / floats.Dot(f.z, np)
		}
		floats.AddScaled(x, t2, f.z)
		f.u[f.iq] = t2
		for i := 0; i < f.iq; i++ {
			f.u[i] -= t2 * f.rv[i]
		}
		f.active[f.iq] = -k - 1
		if !f.add() {
			return nil, ErrDependentEqualities
		}
	}

	mi := len(rows)
	inactive := make([]bool, mi)
	excluded := make([]bool, mi)
	s := make([]float64, mi)
	for i := range inactive {
		inactive[i] = true
	}

	maxIter := solver.MaxIterations
	if maxIter <= 0 {
		maxIter = 10*(n+me+mi) + 100
	}
	psiTol := float64(mi) * machineEpsilon * c1 * c2 * 100

	uOld := make([]float64, n+1)
	aOld := make([]int, n+1)
	xOld := make([]float64, n)
	steps := 0

outer:
	for {
		for i := me; i < f.iq; i++ {
			inactive[f.active[i]] = false
		}
		psi := 0.0
		for i, row := range rows {
			excluded[i] = false
			s[i] = floats.Dot(row.normal, x) + row.offset
			psi += math.Min(0, s[i])
		}
		if math.Abs(psi) <= psiTol {
			return f.solution(qp, rows, x, QPOptimal), nil
		}
		copy(uOld, f.u[:f.iq])
		copy(aOld, f.active[:f.iq])
		copy(xOld, x)

	selection:
		for {
			ip, worst := -1, 0.0
			for i := range rows {
				if inactive[i] && !excluded[i] && s[i] < worst {
					ip, worst = i, s[i]
				}
			}
			if ip < 0 {
				return f.solution(qp, rows, x, QPOptimal), nil
			}

			np := rows[ip].normal
			f.u[f.iq] = 0
			f.active[f.iq] = ip

			for {
				steps++
				if steps > maxIter {
					return nil, fmt.Errorf("active-set solver exceeded %d iterations", maxIter)
				}

				f.direction(np)

				// Largest dual step keeping active multipliers non-negative.
				t1, drop := math.Inf(1), -1
				for k := me; k < f.iq; k++ {
					if f.rv[k] > 0 {
						if ratio := f.u[k] / f.rv[k]; ratio < t1 {
							t1, drop = ratio, f.active[k]
						}
					}
				}
				// Primal step making constraint ip active.
				t2 := math.Inf(1)
				if floats.Dot(f.z, f.z) > machineEpsilon {
					t2 = -s[ip] / floats.Dot(f.z, np)
				}
				t := math.Min(t1, t2)

				if math.IsInf(t, 1) {
					return f.solution(qp, rows, x, QPInfeasible), nil
				}

				if math.IsInf(t2, 1) {
					for k := 0; k < f.iq; k++ {
						f.u[k] -= t * f.rv[k]
					}
					f.u[f.iq] += t
					inactive[drop] = true
					f.remove(drop, me)
					continue
				}

				floats.AddScaled(x, t, f.z)
				for k := 0; k < f.iq; k++ {
					f.u[k] -= t * f.rv[k]
				}
				f.u[f.iq] += t

				if t2 <= t1 {
					if !f.add() {
						// ip is dependent on the active set: back out and try
						// another violated constraint.
						excluded[ip] = true
						f.remove(ip, me)
						for i := range inactive {
							inactive[i] = true
						}
						for i := me; i < f.iq; i++ {
							f.active[i] = aOld[i]
							f.u[i] = uOld[i]
							inactive[f.active[i]] = false
						}
						copy(x, xOld)
						continue selection
					}
					inactive[ip] = false
					continue outer
				}

				inactive[drop] = true
				f.remove(drop, me)
				s[ip] = floats.Dot(np, x) + rows[ip].offset
			}
		}
	}
}

// inequalityRows lists general inequalities followed by finite bounds.
func inequalityRows(qp *QuadraticProgram, n int) []qpRow {
	var rows []qpRow
	for i := 0; i < rowCount(qp.Aineq); i++ {
		rows = append(rows, qpRow{
			normal: mat.Row(nil, i, qp.Aineq),
			offset: qp.Bineq[i],
			kind:   rowInequality,
			index:  i,
		})
	}
	for i := 0; i < n; i++ {
		if qp.Lower != nil && !math.IsInf(qp.Lower[i], -1) {
			normal := make([]float64, n)
			normal[i] = 1
			rows = append(rows, qpRow{normal: normal, offset: -qp.Lower[i], kind: rowLower, index: i})
		}
		if qp.Upper != nil && !math.IsInf(qp.Upper[i], 1) {
			normal := make([]float64, n)
			normal[i] = -1
			rows = append(rows, qpRow{normal: normal, offset: qp.Upper[i], kind: rowUpper, index: i})
		}
	}
	return rows
}

func newFactorization(n int, linv *mat.TriDense) *factorization {
	f := &factorization{
		n:      n,
		j:      make([][]float64, n),
		r:      make([][]float64, n),
		rNorm:  1,
		d:      make([]float64, n),
		z:      make([]float64, n),
		rv:     make([]float64, n+1),
		active: make([]int, n+1),
		u:      make([]float64, n+1),
	}
	for i := 0; i < n; i++ {
		f.j[i] = make([]float64, n)
		f.r[i] = make([]float64, n)
		for k := 0; k < n; k++ {
			f.j[i][k] = linv.At(k, i)
		}
	}
	return f
}

// direction computes d = Jᵀnp, the primal step z = J₂d₂ and the dual step
// r = R⁻¹d₁ for a candidate normal np.
func (f *factorization) direction(np []float64) {
	n := f.n
	for i := 0; i < n; i++ {
		sum := 0.0
		for k := 0; k < n; k++ {
			sum += f.j[k][i] * np[k]
		}
		f.d[i] = sum
	}
	for i := 0; i < n; i++ {
		sum := 0.0
		for k := f.iq; k < n; k++ {
			sum += f.j[i][k] * f.d[k]
		}
		f.z[i] = sum
	}
	for i := f.iq - 1; i >= 0; i-- {
		sum := 0.0
		for k := i + 1; k < f.iq; k++ {
			sum += f.r[i][k] * f.rv[k]
		}
		f.rv[i] = (f.d[i] - sum) / f.r[i][i]
	}
}

// add appends the constraint whose d was last computed to the factorization
// using Givens rotations. It reports false when the constraint is linearly
// dependent on the active set.
func (f *factorization) add() bool {
	n := f.n
	for k := n - 1; k >= f.iq+1; k-- {
		cc, ss := f.d[k-1], f.d[k]
		h := math.Hypot(cc, ss)
		if h == 0 {
			continue
		}
		f.d[k] = 0
		cc, ss = cc/h, ss/h
		if cc < 0 {
			cc, ss = -cc, -ss
			f.d[k-1] = -h
		} else {
			f.d[k-1] = h
		}
		xny := ss / (1 + cc)
		for i := 0; i < n; i++ {
			t1, t2 := f.j[i][k-1], f.j[i][k]
			f.j[i][k-1] = t1*cc + t2*ss
			f.j[i][k] = xny*(t1+f.j[i][k-1]) - t2
		}
	}

	f.iq++
	for i := 0; i < f.iq; i++ {
		f.r[i][f.iq-1] = f.d[i]
	}
	last := math.Abs(f.d[f.iq-1])
	if last <= machineEpsilon*f.rNorm {
		return false
	}
	f.rNorm = math.Max(f.rNorm, last)
	return true
}

// remove drops inequality constraint c from the active set and restores the
// triangular structure of R.
func (f *factorization) remove(c, me int) {
	n := f.n
	qq := -1
	for i := me; i < f.iq; i++ {
		if f.active[i] == c {
			qq = i
			break
		}
	}
	if qq < 0 {
		return
	}

	for i := qq; i < f.iq-1; i++ {
		f.active[i] = f.active[i+1]
		f.u[i] = f.u[i+1]
		for k := 0; k < n; k++ {
			f.r[k][i] = f.r[k][i+1]
		}
	}
	f.active[f.iq-1] = f.active[f.iq]
	f.u[f.iq-1] = f.u[f.iq]
	f.active[f.iq] = 0
	f.u[f.iq] = 0
	for k := 0; k < f.iq; k++ {
		f.r[k][f.iq-1] = 0
	}
	f.iq--

	for k := qq; k < f.iq; k++ {
		cc, ss := f.r[k][k], f.r[k+1][k]
		h := math.Hypot(cc, ss)
		if h == 0 {
			continue
		}
		cc, ss = cc/h, ss/h
		f.r[k+1][k] = 0
		if cc < 0 {
			f.r[k][k] = -h
			cc, ss = -cc, -ss
		} else {
			f.r[k][k] = h
		}
		xny := ss / (1 + cc)
		for i := k + 1; i < f.iq; i++ {
			t1, t2 := f.r[k][i], f.r[k+1][i]
			f.r[k][i] = t1*cc + t2*ss
			f.r[k+1][i] = xny*(t1+f.r[k][i]) - t2
		}
		for i := 0; i < n; i++ {
			t1, t2 := f.j[i][k], f.j[i][k+1]
			f.j[i][k] = t1*cc + t2*ss
			f.j[i][k+1] = xny*(f.j[i][k]+t1) - t2
		}
	}
}

func (f *factorization) solution(qp *QuadraticProgram, rows []qpRow, x []float64, status QPStatus) *QPSolution {
	n := f.n
	sol := &QPSolution{
		X:      append([]float64(nil), x...),
		Eq:     make([]float64, rowCount(qp.Aeq)),
		Ineq:   make([]float64, rowCount(qp.Aineq)),
		Lower:  make([]float64, n),
		Upper:  make([]float64, n),
		Status: status,
	}

	if status == QPOptimal {
		for i := 0; i < f.iq; i++ {
			a := f.active[i]
			if a < 0 {
				sol.Eq[-a-1] = f.u[i]
				continue
			}
			row := rows[a]
			switch row.kind {
			case rowInequality:
				sol.Ineq[row.index] = f.u[i]
			case rowLower:
				sol.Lower[row.index] = f.u[i]
			case rowUpper:
				sol.Upper[row.index] = f.u[i]
			}
		}
	}

	var hx mat.VecDense
	xv := mat.NewVecDense(n, sol.X)
	hx.MulVec(qp.H, xv)
	sol.Value = 0.5*mat.Dot(xv, &hx) + floats.Dot(qp.G, sol.X)
	return sol
}
