package optimization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Reporting rules for optimized weights.
const (
	WeightDecimals    = 4
	MinReportedWeight = 0.0001
	SumTolerance      = 0.01
)

// Holding is one asset and its allocated weight.
type Holding struct {
	Asset  string
	Weight float64
}

// Portfolio is an ordered asset→weight mapping. Order follows the columns
// of the input return matrix.
type Portfolio []Holding

// Sum returns the total reported weight.
func (p Portfolio) Sum() float64 {
	total := 0.0
	for _, h := range p {
		total += h.Weight
	}
	return total
}

// Weight looks up an asset.
func (p Portfolio) Weight(asset string) (float64, bool) {
	for _, h := range p {
		if h.Asset == asset {
			return h.Weight, true
		}
	}
	return 0, false
}

// Map returns the portfolio as an unordered map.
func (p Portfolio) Map() map[string]float64 {
	out := make(map[string]float64, len(p))
	for _, h := range p {
		out[h.Asset] = h.Weight
	}
	return out
}

// MarshalJSON encodes the portfolio as a JSON object with keys in order.
func (p Portfolio) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, h := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(h.Asset)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(h.Weight)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (p *Portfolio) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("portfolio must be a JSON object")
	}

	var out Portfolio
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		asset, ok := tok.(string)
		if !ok {
			return fmt.Errorf("portfolio key must be a string")
		}
		var weight float64
		if err := dec.Decode(&weight); err != nil {
			return fmt.Errorf("weight for %q: %w", asset, err)
		}
		out = append(out, Holding{Asset: asset, Weight: weight})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = out
	return nil
}

// EncodeMsgpack writes the portfolio as a MessagePack map with keys in order.
func (p Portfolio) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(p)); err != nil {
		return err
	}
	for _, h := range p {
		if err := enc.EncodeString(h.Asset); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(h.Weight); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack reads a MessagePack map, keeping key order.
func (p *Portfolio) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}

	out := make(Portfolio, 0, max(n, 0))
	for i := 0; i < n; i++ {
		asset, err := dec.DecodeString()
		if err != nil {
			return err
		}
		weight, err := dec.DecodeFloat64()
		if err != nil {
			return fmt.Errorf("weight for %q: %w", asset, err)
		}
		out = append(out, Holding{Asset: asset, Weight: weight})
	}
	*p = out
	return nil
}

// Allocation is the reported result of an optimization run.
type Allocation struct {
	Portfolio Portfolio
	// Sum of the reported weights. It may drift from 1 after rounding and
	// dropping negligible weights; no renormalization is applied.
	Sum                float64
	SumWithinTolerance bool
	Iterations         int
	Violation          float64
	Objective          float64
}

// Finalizer turns raw solver output into a reported portfolio.
type Finalizer struct {
	log zerolog.Logger
}

// NewFinalizer creates a finalizer that reports allocation-sum drift on log.
func NewFinalizer(log zerolog.Logger) *Finalizer {
	return &Finalizer{
		log: log.With().Str("component", "finalizer").Logger(),
	}
}

// Finalize rounds weights to WeightDecimals places, drops those below
// MinReportedWeight and pairs the rest with their asset identifiers. A
// non-converged result fails with *NonConvergenceError.
func (f *Finalizer) Finalize(result *OptimizationResult, assets []string) (*Allocation, error) {
	if result == nil {
		return nil, fmt.Errorf("optimization result is required")
	}
	if !result.Converged {
		return nil, &NonConvergenceError{
			Weights:    append([]float64(nil), result.Weights...),
			Violation:  result.Violation,
			Iterations: result.Iterations,
			Status:     result.Status,
			Message:    result.Message,
		}
	}
	if len(assets) != len(result.Weights) {
		return nil, fmt.Errorf("%w: %d asset identifiers for %d weights",
			ErrInvalidAssets, len(assets), len(result.Weights))
	}

	portfolio := make(Portfolio, 0, len(assets))
	for i, w := range result.Weights {
		rounded := roundWeight(w)
		if rounded < MinReportedWeight-1e-12 {
			continue
		}
		portfolio = append(portfolio, Holding{Asset: assets[i], Weight: rounded})
	}

	sum := portfolio.Sum()
	allocation := &Allocation{
		Portfolio:          portfolio,
		Sum:                sum,
		SumWithinTolerance: math.Abs(sum-1) <= SumTolerance,
		Iterations:         result.Iterations,
		Violation:          result.Violation,
		Objective:          result.Objective,
	}

	if !allocation.SumWithinTolerance {
		f.log.Warn().
			Float64("sum", sum).
			Int("holdings", len(portfolio)).
			Msg("Reported weights do not sum to 1")
	}

	return allocation, nil
}

func roundWeight(w float64) float64 {
	scale := math.Pow10(WeightDecimals)
	r := math.Round(w*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}
