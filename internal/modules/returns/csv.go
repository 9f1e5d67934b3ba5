// Package returns reads return matrices from uploaded tables.
package returns

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/aristath/allocator/internal/modules/optimization"
)

// Format selects how table values are interpreted.
type Format string

const (
	// FormatReturns means every cell is already a periodic return.
	FormatReturns Format = "returns"
	// FormatPrices means cells are prices to be converted into returns.
	FormatPrices Format = "prices"
)

// ParseFormat maps a user-supplied name to a Format. Empty selects returns.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatReturns:
		return FormatReturns, nil
	case FormatPrices:
		return FormatPrices, nil
	default:
		return "", fmt.Errorf("unknown input format %q", s)
	}
}

// Table is a parsed CSV: one label per row and one column per asset.
type Table struct {
	Assets []string
	Index  []string
	Values [][]float64
}

// Parse reads a CSV table and returns it as a return matrix. The first
// column holds row labels (usually dates); the header names the assets.
func Parse(r io.Reader, format Format) (optimization.ReturnMatrix, error) {
	table, err := ReadTable(r)
	if err != nil {
		return optimization.ReturnMatrix{}, err
	}
	if format == FormatPrices {
		return FromPrices(table)
	}
	return optimization.ReturnMatrix{
		Assets: table.Assets,
		Index:  table.Index,
		Rows:   table.Values,
	}, nil
}

// ReadTable parses CSV content into a numeric table. Every data cell must be
// a finite number.
func ReadTable(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", optimization.ErrInsufficientData)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", optimization.ErrNonNumericInput, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: header needs an index column and at least one asset", optimization.ErrInvalidAssets)
	}

	table := &Table{Assets: make([]string, len(header)-1)}
	for i, name := range header[1:] {
		table.Assets[i] = strings.TrimSpace(name)
	}

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", optimization.ErrNonNumericInput, line, err)
		}

		row := make([]float64, len(record)-1)
		for j, cell := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: line %d, column %q: %q is not a finite number",
					optimization.ErrNonNumericInput, line, table.Assets[j], cell)
			}
			row[j] = v
		}
		table.Index = append(table.Index, strings.TrimSpace(record[0]))
		table.Values = append(table.Values, row)
	}

	return table, nil
}
