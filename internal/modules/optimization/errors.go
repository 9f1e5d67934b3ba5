package optimization

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure produced by this package wraps exactly one of
// them, so callers can branch with errors.Is.
var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrNonNumericInput     = errors.New("non-numeric input")
	ErrInvalidAssets       = errors.New("invalid asset identifiers")
	ErrInvalidRiskLevel    = errors.New("invalid risk level")
	ErrInvalidWeightBound  = errors.New("invalid weight bound")
	ErrInfeasibleBounds    = errors.New("infeasible bounds")
	ErrNonConvergence      = errors.New("optimizer did not converge")
	ErrNumericalDegeneracy = errors.New("numerical degeneracy")
)

// NonConvergenceError reports a solver run that stopped without reaching a
// feasible stationary point. It keeps the last iterate for inspection.
type NonConvergenceError struct {
	Weights    []float64
	Violation  float64
	Iterations int
	Status     Status
	Message    string
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("%s after %d iterations: %s (constraint violation %.3g)",
		ErrNonConvergence, e.Iterations, e.Message, e.Violation)
}

// Unwrap lets errors.Is match ErrNonConvergence.
func (e *NonConvergenceError) Unwrap() error {
	return ErrNonConvergence
}

// Infeasible reports whether the last iterate still broke a constraint,
// which for this convex problem means the constraints cannot be met together.
func (e *NonConvergenceError) Infeasible() bool {
	return e.Status == StatusIncompatible || e.Violation > DefaultTolerance
}

// Kind returns a stable tag for err, suitable for transports and storage.
// Unknown errors map to "INTERNAL".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return "INSUFFICIENT_DATA"
	case errors.Is(err, ErrNonNumericInput):
		return "NON_NUMERIC_INPUT"
	case errors.Is(err, ErrInvalidAssets):
		return "INVALID_ASSETS"
	case errors.Is(err, ErrInvalidRiskLevel):
		return "INVALID_RISK_LEVEL"
	case errors.Is(err, ErrInvalidWeightBound):
		return "INVALID_WEIGHT_BOUND"
	case errors.Is(err, ErrInfeasibleBounds):
		return "INFEASIBLE_BOUNDS"
	case errors.Is(err, ErrNonConvergence):
		return "NON_CONVERGENCE"
	case errors.Is(err, ErrNumericalDegeneracy):
		return "NUMERICAL_DEGENERACY"
	default:
		return "INTERNAL"
	}
}

// IsValidationError reports whether err is an input or parameter problem
// detected before any optimization work.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrNonNumericInput) ||
		errors.Is(err, ErrInvalidAssets) ||
		errors.Is(err, ErrInvalidRiskLevel) ||
		errors.Is(err, ErrInvalidWeightBound) ||
		errors.Is(err, ErrInfeasibleBounds)
}
