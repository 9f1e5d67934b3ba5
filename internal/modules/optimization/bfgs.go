package optimization

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// curvatureFloor is the smallest sᵀBs or sᵀq accepted before the
// approximation is reset.
const curvatureFloor = 1e-18

// hessian is a damped BFGS approximation of the Hessian of the Lagrangian.
// Powell's damping keeps it positive definite when the measured curvature
// is small or negative.
type hessian struct {
	b *mat.SymDense
}

func newHessian(n int) *hessian {
	h := &hessian{b: mat.NewSymDense(n, nil)}
	h.reset()
	return h
}

// reset returns the approximation to the identity.
func (h *hessian) reset() {
	n := h.b.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.0
			if i == j {
				v = 1
			}
			h.b.SetSym(i, j, v)
		}
	}
}

// update applies the damped BFGS formula for step s and Lagrangian gradient
// change y. It reports false when the step carried no usable curvature and
// the approximation was reset instead.
func (h *hessian) update(s, y []float64) bool {
	n := len(s)
	sv := mat.NewVecDense(n, append([]float64(nil), s...))

	var bs mat.VecDense
	bs.MulVec(h.b, sv)
	sBs := mat.Dot(sv, &bs)
	if sBs <= curvatureFloor {
		h.reset()
		return false
	}

	q := append([]float64(nil), y...)
	sq := floats.Dot(s, y)
	if sq < 0.2*sBs {
		theta := 0.8 * sBs / (sBs - sq)
		for i := range q {
			q[i] = theta*y[i] + (1-theta)*bs.AtVec(i)
		}
		sq = 0.2 * sBs
	}
	if sq <= curvatureFloor {
		h.reset()
		return false
	}

	h.b.SymRankOne(h.b, 1/sq, mat.NewVecDense(n, q))
	h.b.SymRankOne(h.b, -1/sBs, &bs)
	return true
}
