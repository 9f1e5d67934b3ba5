// Package history records optimization runs and prunes old ones.
package history

import (
	"errors"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
)

// Sources of a run.
const (
	SourceHTTP   = "http"
	SourceStream = "stream"
)

// Run is one recorded optimization attempt, successful or not.
type Run struct {
	ID               string                 `json:"id" msgpack:"id"`
	CreatedAt        time.Time              `json:"created_at" msgpack:"created_at"`
	Source           string                 `json:"source" msgpack:"source"`
	AssetCount       int                    `json:"asset_count" msgpack:"asset_count"`
	ObservationCount int                    `json:"observation_count" msgpack:"observation_count"`
	RiskLevel        float64                `json:"risk_level" msgpack:"risk_level"`
	MaxWeight        float64                `json:"max_weight" msgpack:"max_weight"`
	Converged        bool                   `json:"converged" msgpack:"converged"`
	Iterations       int                    `json:"iterations" msgpack:"iterations"`
	Violation        float64                `json:"violation" msgpack:"violation"`
	Objective        float64                `json:"objective" msgpack:"objective"`
	Status           string                 `json:"status" msgpack:"status"`
	WeightSum        float64                `json:"weight_sum" msgpack:"weight_sum"`
	ErrorKind        string                 `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty" msgpack:"error_message,omitempty"`
	DurationMs       int64                  `json:"duration_ms" msgpack:"duration_ms"`
	Holdings         optimization.Portfolio `json:"holdings" msgpack:"holdings"`
}

// NewRun summarizes a request and whatever the service returned for it.
// out may be nil when the request failed before solving.
func NewRun(source string, req optimization.Request, out *optimization.Outcome, err error) Run {
	run := Run{
		Source:           source,
		AssetCount:       len(req.Returns.Assets),
		ObservationCount: len(req.Returns.Rows),
		RiskLevel:        req.RiskLevel,
		MaxWeight:        req.MaxWeight,
		Holdings:         optimization.Portfolio{},
	}

	if out != nil {
		run.DurationMs = out.Duration.Milliseconds()
		if res := out.Result; res != nil {
			run.Converged = res.Converged
			run.Iterations = res.Iterations
			run.Violation = res.Violation
			run.Objective = res.Objective
			run.Status = res.Status.String()
		}
		if alloc := out.Allocation; alloc != nil {
			run.Holdings = alloc.Portfolio
			run.WeightSum = alloc.Sum
		}
	}

	if err != nil {
		run.ErrorKind = optimization.Kind(err)
		run.ErrorMessage = err.Error()

		var nce *optimization.NonConvergenceError
		if errors.As(err, &nce) {
			run.Iterations = nce.Iterations
			run.Violation = nce.Violation
			run.Status = nce.Status.String()
		}
	}

	return run
}
