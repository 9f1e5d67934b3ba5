package optimization

import "math"

// meritFunction is the exact ℓ1 penalty φ(x) = f(x) + Σ μ_j·viol_j(x) used to
// judge trial steps. Penalties only grow fast and shrink slowly so the line
// search sees a stable function across iterations.
type meritFunction struct {
	types     []ConstraintType
	penalties []float64
}

func newMeritFunction(types []ConstraintType) *meritFunction {
	return &meritFunction{
		types:     types,
		penalties: make([]float64, len(types)),
	}
}

// updatePenalties sets μ_j = max(|λ_j|, (μ_j + |λ_j|)/2).
func (m *meritFunction) updatePenalties(multipliers []float64) {
	for j, lambda := range multipliers {
		a := math.Abs(lambda)
		m.penalties[j] = math.Max(a, (m.penalties[j]+a)/2)
	}
}

// penalty returns Σ μ_j·viol_j for constraint values c.
func (m *meritFunction) penalty(c []float64) float64 {
	sum := 0.0
	for j, v := range c {
		sum += m.penalties[j] * violation(m.types[j], v)
	}
	return sum
}

func (m *meritFunction) value(f float64, c []float64) float64 {
	return f + m.penalty(c)
}

// maxViolation is the largest constraint violation in c.
func maxViolation(types []ConstraintType, c []float64) float64 {
	worst := 0.0
	for j, v := range c {
		worst = math.Max(worst, violation(types[j], v))
	}
	return worst
}
