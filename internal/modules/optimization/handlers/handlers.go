// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/modules/history"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/returns"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const contentTypeMsgpack = "application/msgpack"

// errBadRequest marks malformed requests that never reached the optimizer.
var errBadRequest = errors.New("bad request")

// RunStore persists and reads optimization runs.
type RunStore interface {
	Record(run history.Run) (string, error)
	Get(id string) (*history.Run, error)
	List(limit int) ([]history.Run, error)
}

// Config holds request limits.
type Config struct {
	MaxUploadBytes int64
	Timeout        time.Duration
}

// Handler handles optimization HTTP requests
type Handler struct {
	service *optimization.Service
	runs    RunStore
	cfg     Config
	log     zerolog.Logger
}

// NewHandler creates a new optimization handler. runs may be nil, which
// disables recording and the history endpoints.
func NewHandler(service *optimization.Service, runs RunStore, cfg Config, log zerolog.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Handler{
		service: service,
		runs:    runs,
		cfg:     cfg,
		log:     log.With().Str("handler", "optimization").Logger(),
	}
}

// OptimizeRequest is the JSON or MessagePack body of an optimization request.
type OptimizeRequest struct {
	Assets    []string    `json:"assets" msgpack:"assets"`
	Index     []string    `json:"index,omitempty" msgpack:"index,omitempty"`
	Returns   [][]float64 `json:"returns" msgpack:"returns"`
	RiskLevel float64     `json:"risk_level" msgpack:"risk_level"`
	MaxWeight float64     `json:"max_weight" msgpack:"max_weight"`
	// Input is "returns" (default) or "prices".
	Input string `json:"input,omitempty" msgpack:"input,omitempty"`
}

// Diagnostics describes how the solver reached the reported portfolio.
type Diagnostics struct {
	Converged                bool                         `json:"converged" msgpack:"converged"`
	Status                   string                       `json:"status" msgpack:"status"`
	Iterations               int                          `json:"iterations" msgpack:"iterations"`
	Violation                float64                      `json:"violation" msgpack:"violation"`
	ExpectedReturn           float64                      `json:"expected_return" msgpack:"expected_return"`
	WeightSum                float64                      `json:"weight_sum" msgpack:"weight_sum"`
	WeightSumWithinTolerance bool                         `json:"weight_sum_within_tolerance" msgpack:"weight_sum_within_tolerance"`
	Assets                   int                          `json:"assets" msgpack:"assets"`
	Observations             int                          `json:"observations" msgpack:"observations"`
	DurationMs               int64                        `json:"duration_ms" msgpack:"duration_ms"`
	Trace                    []optimization.IterationStat `json:"trace,omitempty" msgpack:"trace,omitempty"`
}

// OptimizeResponse is returned for a successful optimization.
type OptimizeResponse struct {
	OptimalPortfolio optimization.Portfolio `json:"optimal_portfolio" msgpack:"optimal_portfolio"`
	RunID            string                 `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Diagnostics      Diagnostics            `json:"diagnostics" msgpack:"diagnostics"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Kind       string  `json:"kind" msgpack:"kind"`
	Message    string  `json:"message" msgpack:"message"`
	RunID      string  `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Iterations int     `json:"iterations,omitempty" msgpack:"iterations,omitempty"`
	Violation  float64 `json:"violation,omitempty" msgpack:"violation,omitempty"`
	Infeasible bool    `json:"infeasible,omitempty" msgpack:"infeasible,omitempty"`
}

// ErrorResponse wraps ErrorDetail as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error" msgpack:"error"`
}

// HandleOptimize handles POST /api/optimizer/optimize and POST /optimize-portfolio.
// It accepts a multipart upload (file, risk_level, max_weight, input) or a
// JSON/MessagePack OptimizeRequest body.
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(w, r)
	if err != nil {
		h.log.Debug().Err(err).Msg("Rejected optimization request")
		h.writeError(w, r, err, "")
		return
	}
	req.Trace = r.URL.Query().Get("trace") == "true"

	out, runID, err := h.optimize(r.Context(), history.SourceHTTP, req)
	if err != nil {
		h.writeError(w, r, err, runID)
		return
	}

	h.write(w, r, http.StatusOK, newOptimizeResponse(req, out, runID))
}

// optimize runs req under the request timeout and records the run.
func (h *Handler) optimize(ctx context.Context, source string, req optimization.Request) (*optimization.Outcome, string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.service.Optimize(ctx, req)
	run := history.NewRun(source, req, out, err)
	if err != nil {
		run.ErrorKind = errorKind(err)
	}
	runID := h.record(run)

	if err != nil {
		event := h.log.Warn()
		if optimization.IsValidationError(err) {
			event = h.log.Debug()
		}
		event.Err(err).
			Str("kind", errorKind(err)).
			Str("run_id", runID).
			Msg("Optimization failed")
		return nil, runID, err
	}
	return out, runID, nil
}

func (h *Handler) record(run history.Run) string {
	if h.runs == nil {
		return ""
	}
	id, err := h.runs.Record(run)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to record optimization run")
		return ""
	}
	return id
}

func newOptimizeResponse(req optimization.Request, out *optimization.Outcome, runID string) OptimizeResponse {
	alloc := out.Allocation
	return OptimizeResponse{
		OptimalPortfolio: alloc.Portfolio,
		RunID:            runID,
		Diagnostics: Diagnostics{
			Converged:                out.Result.Converged,
			Status:                   out.Result.Status.String(),
			Iterations:               alloc.Iterations,
			Violation:                alloc.Violation,
			ExpectedReturn:           -alloc.Objective,
			WeightSum:                alloc.Sum,
			WeightSumWithinTolerance: alloc.SumWithinTolerance,
			Assets:                   len(req.Returns.Assets),
			Observations:             len(req.Returns.Rows),
			DurationMs:               out.Duration.Milliseconds(),
			Trace:                    out.Result.Trace,
		},
	}
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (optimization.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		return h.decodeMultipart(r)
	case contentTypeMsgpack, "application/x-msgpack":
		var body OptimizeRequest
		if err := msgpack.NewDecoder(r.Body).Decode(&body); err != nil {
			return optimization.Request{}, fmt.Errorf("%w: invalid MessagePack body: %v", errBadRequest, err)
		}
		return body.toRequest()
	case "", "application/json":
		var body OptimizeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return optimization.Request{}, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
		}
		return body.toRequest()
	default:
		return optimization.Request{}, fmt.Errorf("%w: unsupported content type %q", errBadRequest, mediaType)
	}
}

// decodeMultipart validates the form parameters before reading the file.
func (h *Handler) decodeMultipart(r *http.Request) (optimization.Request, error) {
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		return optimization.Request{}, fmt.Errorf("%w: invalid multipart form: %v", errBadRequest, err)
	}

	riskLevel, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue("risk_level")), 64)
	if err != nil || !(riskLevel > 0) {
		return optimization.Request{}, fmt.Errorf("%w: risk_level must be a positive number", optimization.ErrInvalidRiskLevel)
	}

	maxWeight, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue("max_weight")), 64)
	if err != nil || !(maxWeight > 0 && maxWeight <= 1) {
		return optimization.Request{}, fmt.Errorf("%w: max_weight must be in (0, 1]", optimization.ErrInvalidWeightBound)
	}

	format, err := returns.ParseFormat(r.FormValue("input"))
	if err != nil {
		return optimization.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return optimization.Request{}, fmt.Errorf("%w: a CSV file field named \"file\" is required", errBadRequest)
	}
	defer file.Close()

	matrix, err := returns.Parse(file, format)
	if err != nil {
		return optimization.Request{}, err
	}

	return optimization.Request{Returns: matrix, RiskLevel: riskLevel, MaxWeight: maxWeight}, nil
}

func (b OptimizeRequest) toRequest() (optimization.Request, error) {
	format, err := returns.ParseFormat(b.Input)
	if err != nil {
		return optimization.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	matrix := optimization.ReturnMatrix{Assets: b.Assets, Index: b.Index, Rows: b.Returns}
	if format == returns.FormatPrices {
		for i, row := range b.Returns {
			if len(row) != len(b.Assets) {
				return optimization.Request{}, fmt.Errorf("%w: row %d has %d values for %d assets",
					optimization.ErrNonNumericInput, i+1, len(row), len(b.Assets))
			}
		}
		matrix, err = returns.FromPrices(&returns.Table{Assets: b.Assets, Index: b.Index, Values: b.Returns})
		if err != nil {
			return optimization.Request{}, err
		}
	}

	return optimization.Request{Returns: matrix, RiskLevel: b.RiskLevel, MaxWeight: b.MaxWeight}, nil
}

// HandleListRuns handles GET /api/optimizer/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeErrorDetail(w, r, http.StatusNotFound, ErrorDetail{Kind: "HISTORY_DISABLED", Message: "run history is disabled"})
		return
	}

	limit := history.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			h.writeErrorDetail(w, r, http.StatusBadRequest, ErrorDetail{Kind: "INVALID_REQUEST", Message: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	runs, err := h.runs.List(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		h.writeError(w, r, err, "")
		return
	}

	h.write(w, r, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGetRun handles GET /api/optimizer/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeErrorDetail(w, r, http.StatusNotFound, ErrorDetail{Kind: "HISTORY_DISABLED", Message: "run history is disabled"})
		return
	}

	run, err := h.runs.Get(chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrRunNotFound) {
		h.writeErrorDetail(w, r, http.StatusNotFound, ErrorDetail{Kind: "RUN_NOT_FOUND", Message: err.Error()})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get run")
		h.writeError(w, r, err, "")
		return
	}

	h.write(w, r, http.StatusOK, run)
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest), optimization.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, optimization.ErrNonConvergence), errors.Is(err, optimization.ErrNumericalDegeneracy):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "TIMEOUT"
	case errors.Is(err, errBadRequest):
		return "INVALID_REQUEST"
	default:
		return optimization.Kind(err)
	}
}

func newErrorDetail(err error, runID string) ErrorDetail {
	detail := ErrorDetail{Kind: errorKind(err), Message: err.Error(), RunID: runID}
	if errors.Is(err, context.DeadlineExceeded) {
		detail.Message = "optimization did not finish before the request deadline"
	}

	var nce *optimization.NonConvergenceError
	if errors.As(err, &nce) {
		detail.Iterations = nce.Iterations
		detail.Violation = nce.Violation
		detail.Infeasible = nce.Infeasible()
	}
	return detail
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, runID string) {
	h.writeErrorDetail(w, r, statusFor(err), newErrorDetail(err, runID))
}

func (h *Handler) writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, detail ErrorDetail) {
	h.write(w, r, status, ErrorResponse{Error: detail})
}

// write encodes data as MessagePack when the client asks for it, JSON otherwise.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if wantsMsgpack(r) {
		body, err := msgpack.Marshal(data)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to encode MessagePack response")
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeMsgpack)
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}

	h.writeJSON(w, status, data)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func wantsMsgpack(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, contentTypeMsgpack) || strings.Contains(accept, "application/x-msgpack")
}
