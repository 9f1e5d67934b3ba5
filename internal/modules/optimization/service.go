// Package optimization provides the constrained mean-variance portfolio
// optimizer: return statistics, problem construction, an SQP solver and
// post-processing of the optimal weights.
package optimization

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds solver settings for the service.
type Config struct {
	Tolerance     float64
	MaxIterations int
}

// Request is one optimization job.
type Request struct {
	Returns   ReturnMatrix
	RiskLevel float64
	MaxWeight float64
	// Trace records per-iteration solver statistics in the outcome.
	Trace bool
}

// Outcome bundles the reported allocation with solver diagnostics.
type Outcome struct {
	Allocation *Allocation
	Result     *OptimizationResult
	Duration   time.Duration
}

// Service runs the estimate → build → solve → finalize pipeline. It keeps no
// per-request state and is safe for concurrent use.
type Service struct {
	solver      *Solver
	traceSolver *Solver
	finalizer   *Finalizer
	cfg         Config
	log         zerolog.Logger
}

// NewService creates an optimization service.
func NewService(cfg Config, log zerolog.Logger, opts ...SolverOption) *Service {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Service{
		solver:      NewSolver(opts...),
		traceSolver: NewSolver(append(append([]SolverOption(nil), opts...), WithTrace())...),
		finalizer:   NewFinalizer(log),
		cfg:         cfg,
		log:         log.With().Str("service", "optimization").Logger(),
	}
}

// OptimizePortfolio returns the weights maximizing expected return with
// volatility at most riskLevel, every weight in [0, maxWeight] and the
// weights summing to one.
func (s *Service) OptimizePortfolio(returns ReturnMatrix, riskLevel, maxWeight float64) (Portfolio, error) {
	out, err := s.run(Request{Returns: returns, RiskLevel: riskLevel, MaxWeight: maxWeight})
	if err != nil {
		return nil, err
	}
	return out.Allocation.Portfolio, nil
}

// Optimize runs req and waits at most until ctx is done. The computation
// itself is not interrupted; when ctx ends first its result is discarded.
func (s *Service) Optimize(ctx context.Context, req Request) (*Outcome, error) {
	type reply struct {
		out *Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := s.run(req)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) run(req Request) (*Outcome, error) {
	start := time.Now()
	returns := req.Returns

	if err := validateAssets(returns); err != nil {
		return nil, err
	}

	mean, cov, err := Estimate(returns)
	if err != nil {
		return nil, err
	}

	problem, err := BuildPortfolioProblem(mean, cov, req.RiskLevel, req.MaxWeight)
	if err != nil {
		return nil, err
	}

	solver := s.solver
	if req.Trace {
		solver = s.traceSolver
	}
	result, err := solver.Solve(problem, EqualWeights(problem.Dim()), s.cfg.Tolerance, s.cfg.MaxIterations)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	s.log.Info().
		Int("assets", problem.Dim()).
		Int("observations", len(returns.Rows)).
		Int("iterations", result.Iterations).
		Float64("violation", result.Violation).
		Bool("converged", result.Converged).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("Portfolio optimization finished")

	allocation, err := s.finalizer.Finalize(result, returns.Assets)
	if err != nil {
		return &Outcome{Result: result, Duration: duration}, err
	}

	return &Outcome{Allocation: allocation, Result: result, Duration: duration}, nil
}

// validateAssets checks that every column has a unique, non-empty name.
func validateAssets(returns ReturnMatrix) error {
	if len(returns.Rows) > 0 && len(returns.Assets) != len(returns.Rows[0]) {
		return fmt.Errorf("%w: %d identifiers for %d columns",
			ErrInvalidAssets, len(returns.Assets), len(returns.Rows[0]))
	}
	seen := make(map[string]struct{}, len(returns.Assets))
	for i, a := range returns.Assets {
		if a == "" {
			return fmt.Errorf("%w: column %d has no identifier", ErrInvalidAssets, i)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate identifier %q", ErrInvalidAssets, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}
