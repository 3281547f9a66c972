package analytics

import "go.uber.org/zap"

// PriceSeries maps a symbol to its close-price history, used by the
// portfolio-wide correlation checks.
type PriceSeries map[string][]float64

// EnforceCorrelationLimit is the hard, non-negotiable veto: a new candidate
// is rejected outright if its return series correlates with ANY existing
// open position beyond maxCorrelation. Returns (allowed, violating symbols).
func EnforceCorrelationLimit(logger *zap.Logger, newSymbol string, newCloses []float64, portfolio PriceSeries, maxCorrelation float64) (bool, []string) {
	newReturns := DailyReturns(newCloses)
	var violators []string

	for symbol, closes := range portfolio {
		if symbol == newSymbol {
			continue
		}
		corr := Correlation(newReturns, DailyReturns(closes))
		if corr > maxCorrelation || corr < -maxCorrelation {
			violators = append(violators, symbol)
		}
	}

	if len(violators) > 0 {
		if logger != nil {
			logger.Warn("correlation veto",
				zap.String("symbol", newSymbol),
				zap.Strings("violators", violators),
				zap.Float64("maxCorrelation", maxCorrelation))
		}
		return false, violators
	}
	return true, nil
}

// CorrelationMatrix builds the full symmetric pairwise correlation matrix
// for a price series set; the diagonal is always 1.
func CorrelationMatrix(series PriceSeries) map[string]map[string]float64 {
	symbols := make([]string, 0, len(series))
	for s := range series {
		symbols = append(symbols, s)
	}
	matrix := make(map[string]map[string]float64, len(symbols))
	for _, a := range symbols {
		matrix[a] = make(map[string]float64, len(symbols))
		for _, b := range symbols {
			if a == b {
				matrix[a][b] = 1.0
				continue
			}
			matrix[a][b] = Correlation(DailyReturns(series[a]), DailyReturns(series[b]))
		}
	}
	return matrix
}

// DiversificationScore is 1 minus the average absolute off-diagonal
// correlation across the matrix.
func DiversificationScore(series PriceSeries) float64 {
	matrix := CorrelationMatrix(series)
	var sum float64
	var count int
	for a, row := range matrix {
		for b, v := range row {
			if a == b {
				continue
			}
			if v < 0 {
				v = -v
			}
			sum += v
			count++
		}
	}
	if count == 0 {
		return 1.0
	}
	return 1.0 - sum/float64(count)
}
