package returns

import (
	"fmt"
	"strconv"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/markcheno/go-talib"
)

// FromPrices converts a price table into simple periodic returns,
// (p_t - p_{t-1}) / p_{t-1}. The result has one row fewer than the table.
// Rows without labels are numbered from 1.
func FromPrices(table *Table) (optimization.ReturnMatrix, error) {
	if len(table.Values) < 2 {
		return optimization.ReturnMatrix{}, fmt.Errorf("%w: at least two prices per asset are required",
			optimization.ErrInsufficientData)
	}

	rows := len(table.Values)
	n := len(table.Assets)
	index := table.Index
	if len(index) != rows {
		index = make([]string, rows)
		for i := range index {
			index[i] = strconv.Itoa(i + 1)
		}
	}
	out := optimization.ReturnMatrix{
		Assets: table.Assets,
		Index:  index[1:],
		Rows:   make([][]float64, rows-1),
	}
	for i := range out.Rows {
		out.Rows[i] = make([]float64, n)
	}

	prices := make([]float64, rows)
	for j := 0; j < n; j++ {
		for i, row := range table.Values {
			if row[j] <= 0 {
				return optimization.ReturnMatrix{}, fmt.Errorf("%w: price for %q on %q must be positive",
					optimization.ErrNonNumericInput, table.Assets[j], index[i])
			}
			prices[i] = row[j]
		}

		rocp := talib.Rocp(prices, 1)
		for i := 1; i < rows; i++ {
			out.Rows[i-1][j] = rocp[i]
		}
	}

	return out, nil
}
