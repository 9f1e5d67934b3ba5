package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestHandleOptimize_MultipartUpload(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), true)
	body, contentType := multipartBody(t, map[string]string{"risk_level": "0.5", "max_weight": "0.6"}, dominantCSV())

	req := httptest.NewRequest(http.MethodPost, "/optimize-portfolio", body)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	w2, ok := resp.OptimalPortfolio.Weight("ASSET2")
	require.True(t, ok)
	assert.InDelta(t, 0.6, w2, 1e-4)
	w3, ok := resp.OptimalPortfolio.Weight("ASSET3")
	require.True(t, ok)
	assert.InDelta(t, 0.4, w3, 1e-4)
	_, ok = resp.OptimalPortfolio.Weight("ASSET1")
	assert.False(t, ok)

	// Keys follow column order.
	assert.Less(t, strings.Index(rec.Body.String(), `"ASSET2"`), strings.Index(rec.Body.String(), `"ASSET3"`))

	assert.True(t, resp.Diagnostics.Converged)
	assert.Equal(t, 3, resp.Diagnostics.Assets)
	assert.Equal(t, 60, resp.Diagnostics.Observations)
	assert.Empty(t, resp.Diagnostics.Trace)
	require.NotEmpty(t, resp.RunID)

	run, err := env.repo.Get(resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.SourceHTTP, run.Source)
	assert.Equal(t, resp.OptimalPortfolio, run.Holdings)
}

func TestHandleOptimize_FormValidationBeforeFile(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), true)

	tests := []struct {
		name   string
		fields map[string]string
		kind   string
	}{
		{"zero risk", map[string]string{"risk_level": "0", "max_weight": "0.5"}, "INVALID_RISK_LEVEL"},
		{"missing risk", map[string]string{"max_weight": "0.5"}, "INVALID_RISK_LEVEL"},
		{"nan risk", map[string]string{"risk_level": "NaN", "max_weight": "0.5"}, "INVALID_RISK_LEVEL"},
		{"weight above one", map[string]string{"risk_level": "0.1", "max_weight": "1.5"}, "INVALID_WEIGHT_BOUND"},
		{"zero weight", map[string]string{"risk_level": "0.1", "max_weight": "0"}, "INVALID_WEIGHT_BOUND"},
		{"missing file", map[string]string{"risk_level": "0.1", "max_weight": "0.5"}, "INVALID_REQUEST"},
		{"bad input mode", map[string]string{"risk_level": "0.1", "max_weight": "0.5", "input": "ohlc"}, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.fields, "")
			req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize", body)
			req.Header.Set("Content-Type", contentType)

			rec := env.do(req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}

	// Nothing reached the optimizer, so nothing was recorded.
	runs, err := env.repo.List(0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleOptimize_BadCSV(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)

	tests := []struct {
		name string
		csv  string
		kind string
	}{
		{"non numeric", "Date,A,B\nd1,0.1,abc\n", "NON_NUMERIC_INPUT"},
		{"too few rows", returnsCSV(10, []float64{0.001, 0.002}, []float64{0.01, 0.01}, 1), "INSUFFICIENT_DATA"},
		{"duplicate assets", "Date,A,A\n" + strings.Repeat("d,0.1,0.2\n", 30), "INVALID_ASSETS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, map[string]string{"risk_level": "0.1", "max_weight": "0.5"}, tt.csv)
			req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize", body)
			req.Header.Set("Content-Type", contentType)

			rec := env.do(req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}
}

func jsonRequest(t *testing.T, payload OptimizeRequest) *http.Request {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandleOptimize_JSONInfeasibleRisk(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), true)
	csv := returnsCSV(60, []float64{0.001, 0.002, 0.003}, []float64{0.01, 0.012, 0.015}, 5)
	payload := payloadFromCSV(t, csv)
	payload.RiskLevel = 0.0005
	payload.MaxWeight = 0.6

	rec := env.do(jsonRequest(t, payload))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "NON_CONVERGENCE", detail.Kind)
	assert.True(t, detail.Infeasible)
	assert.Contains(t, detail.Message, "infeasible")
	require.NotEmpty(t, detail.RunID)

	run, err := env.repo.Get(detail.RunID)
	require.NoError(t, err)
	assert.Equal(t, "NON_CONVERGENCE", run.ErrorKind)
	assert.Empty(t, run.Holdings)
}

func TestHandleOptimize_InfeasibleBounds(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)
	payload := payloadFromCSV(t, dominantCSV())
	payload.RiskLevel = 0.5
	payload.MaxWeight = 0.3

	rec := env.do(jsonRequest(t, payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INFEASIBLE_BOUNDS", decodeError(t, rec).Kind)
}

func TestHandleOptimize_PricesInput(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)

	// Two assets compounding at different constant rates with small wobble.
	payload := OptimizeRequest{Assets: []string{"SLOW", "FAST"}, RiskLevel: 1, MaxWeight: 1, Input: "prices"}
	slow, fast := 100.0, 100.0
	for i := 0; i < 41; i++ {
		wobble := 1.0
		if i%2 == 1 {
			wobble = 1.001
		}
		payload.Returns = append(payload.Returns, []float64{slow * wobble, fast * wobble})
		slow *= 1.0005
		fast *= 1.002
	}

	rec := env.do(jsonRequest(t, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 40, resp.Diagnostics.Observations)
	w, ok := resp.OptimalPortfolio.Weight("FAST")
	require.True(t, ok)
	assert.InDelta(t, 1.0, w, 1e-4)
}

func TestHandleOptimize_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)
	req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Kind)
}

func TestHandleOptimize_Msgpack(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)
	payload := payloadFromCSV(t, dominantCSV())
	payload.RiskLevel = 0.5
	payload.MaxWeight = 0.6

	data, err := msgpack.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize?trace=true", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("Accept", "application/msgpack")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get("Content-Type"))

	var resp OptimizeResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 0.6, resp.OptimalPortfolio[0].Weight, 1e-4)
	assert.Equal(t, "ASSET2", resp.OptimalPortfolio[0].Asset)
	assert.NotEmpty(t, resp.Diagnostics.Trace)
	assert.Empty(t, resp.RunID)
}

func TestHandleOptimize_DeadlineReturns503(t *testing.T) {
	cfg := defaultConfig()
	cfg.Timeout = time.Nanosecond
	env := newTestEnv(t, cfg, true)

	means := make([]float64, 20)
	vols := make([]float64, 20)
	for i := range means {
		means[i] = 0.0005 + 0.0001*float64(i)
		vols[i] = 0.01 + 0.001*float64(i)
	}
	payload := payloadFromCSV(t, returnsCSV(400, means, vols, 3))
	payload.RiskLevel = 0.008
	payload.MaxWeight = 0.2

	rec := env.do(jsonRequest(t, payload))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "TIMEOUT", decodeError(t, rec).Kind)
}

func TestHandleRuns(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), true)
	payload := payloadFromCSV(t, dominantCSV())
	payload.RiskLevel = 0.5
	payload.MaxWeight = 0.6

	for i := 0; i < 2; i++ {
		rec := env.do(jsonRequest(t, payload))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/optimizer/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs  []history.Run `json:"runs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Runs, 1)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/optimizer/runs/"+list.Runs[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Len(t, run.Holdings, 2)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/optimizer/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUN_NOT_FOUND", decodeError(t, rec).Kind)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/optimizer/runs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRuns_HistoryDisabled(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), false)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/optimizer/runs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "HISTORY_DISABLED", decodeError(t, rec).Kind)
}
