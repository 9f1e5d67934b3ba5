package handlers

import (
	"bytes"
	"fmt"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/history"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/returns"
	testutil "github.com/aristath/allocator/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// returnsCSV renders a returns table whose column means are exactly means.
func returnsCSV(rows int, means, vols []float64, seed int64) string {
	r := rand.New(rand.NewSource(seed))
	n := len(means)
	half := rows / 2

	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, n)
	}
	for i := 0; i < half; i++ {
		for j := 0; j < n; j++ {
			v := vols[j] * r.NormFloat64()
			values[i][j] = means[j] + v
			values[i+half][j] = means[j] - v
		}
	}

	var b strings.Builder
	b.WriteString("Date")
	for j := 0; j < n; j++ {
		fmt.Fprintf(&b, ",ASSET%d", j+1)
	}
	b.WriteString("\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "day-%03d", i)
		for j := 0; j < n; j++ {
			b.WriteString(",")
			b.WriteString(strconv.FormatFloat(values[i][j], 'g', -1, 64))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// dominantCSV has ASSET2 clearly best and ASSET1 clearly worst.
func dominantCSV() string {
	return returnsCSV(60, []float64{0.0005, 0.0040, 0.0012}, []float64{0.01, 0.01, 0.01}, 42)
}

func multipartBody(t *testing.T, fields map[string]string, csv string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csv != "" {
		fw, err := mw.CreateFormFile("file", "returns.csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

type testEnv struct {
	router chi.Router
	repo   *history.Repository
}

func newTestEnv(t *testing.T, cfg Config, withHistory bool) *testEnv {
	t.Helper()

	var runs RunStore
	var repo *history.Repository
	if withHistory {
		db, cleanup := testutil.NewTestDB(t, "history")
		t.Cleanup(cleanup)
		repo = history.NewRepository(db.Conn(), zerolog.Nop())
		runs = repo
	}

	service := optimization.NewService(optimization.Config{}, zerolog.Nop())
	handler := NewHandler(service, runs, cfg, zerolog.Nop())

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	handler.RegisterLegacyRoutes(router)
	return &testEnv{router: router, repo: repo}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func defaultConfig() Config {
	return Config{MaxUploadBytes: 1 << 20, Timeout: 30 * time.Second}
}

func payloadFromCSV(t *testing.T, csv string) OptimizeRequest {
	t.Helper()
	m, err := returns.Parse(strings.NewReader(csv), returns.FormatReturns)
	require.NoError(t, err)
	return OptimizeRequest{Assets: m.Assets, Index: m.Index, Returns: m.Rows}
}
