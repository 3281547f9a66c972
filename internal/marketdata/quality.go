package marketdata

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

// QualityValidator checks a symbol's OHLCV history for the kind of bad data
// that quietly poisons screening and risk metrics: missing sessions,
// extreme or impossible prices, volume anomalies, and broken OHLC
// invariants. Run ahead of the analytics package for any feed that isn't
// already known-clean.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove   float64 // max (high-low)/low before flagging, e.g. 0.20 for 20%
	MaxGapMove        float64 // max open-vs-prior-close move before flagging
	MinVolume         float64
	MaxVolumeMultiple float64 // multiple of average volume that counts as a spike
}

// DataIssue is one quality problem found in a bar series.
type DataIssue struct {
	Type      string
	Severity  string // critical, high, medium, low
	Timestamp time.Time
	Symbol    string
	Message   string
	BarIndex  int
}

// QualityReport summarizes a Validate run.
type QualityReport struct {
	Symbol          string
	TotalBars       int
	Issues          []DataIssue
	QualityScore    int // 0-100
	IsUsable        bool
	StartDate       time.Time
	EndDate         time.Time
	Recommendations []string
}

// NewQualityValidator builds a validator tuned for equities: 20% intraday
// moves are the circuit-breaker ceiling, gaps beyond 15% are suspicious,
// and a 10x average-volume bar is treated as a spike.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:            logger.Named("marketdata.quality"),
		MaxIntradayMove:   0.20,
		MaxGapMove:        0.15,
		MinVolume:         1000,
		MaxVolumeMultiple: 10.0,
	}
}

// Validate runs every check and scores the series 0-100; IsUsable requires
// both a score of at least 70 and no critical issue.
func (qv *QualityValidator) Validate(bars []types.OHLCV, symbol string) QualityReport {
	if len(bars) == 0 {
		return QualityReport{
			Symbol:       symbol,
			Issues:       []DataIssue{{Type: "NO_DATA", Severity: "critical", Message: "no data provided"}},
			QualityScore: 0,
		}
	}

	var issues []DataIssue
	issues = append(issues, qv.checkMissingData(bars, symbol)...)
	issues = append(issues, qv.checkPriceAnomalies(bars, symbol)...)
	issues = append(issues, qv.checkVolumeAnomalies(bars, symbol)...)
	issues = append(issues, qv.checkOHLCConsistency(bars, symbol)...)
	issues = append(issues, qv.checkDuplicates(bars, symbol)...)
	issues = append(issues, qv.checkChronologicalOrder(bars, symbol)...)

	score := qv.qualityScore(len(bars), issues)
	return QualityReport{
		Symbol:          symbol,
		TotalBars:       len(bars),
		Issues:          issues,
		QualityScore:    score,
		IsUsable:        score >= 70 && !hasCriticalIssue(issues),
		StartDate:       bars[0].Timestamp,
		EndDate:         bars[len(bars)-1].Timestamp,
		Recommendations: qv.recommendations(issues, len(bars)),
	}
}

func (qv *QualityValidator) checkMissingData(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	if len(bars) < 2 {
		return issues
	}

	intervals := make([]time.Duration, 0, 10)
	for i := 1; i < len(bars) && i <= 10; i++ {
		intervals = append(intervals, bars[i].Timestamp.Sub(bars[i-1].Timestamp))
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	var expected time.Duration
	if len(intervals) > 0 {
		expected = intervals[len(intervals)/2]
	}

	for i := 1; i < len(bars); i++ {
		actual := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		maxInterval := expected + expected/2
		if actual > maxInterval*3 {
			severity := "high"
			if actual > maxInterval*10 {
				severity = "critical"
			}
			issues = append(issues, DataIssue{
				Type: "GAP_DETECTED", Severity: severity, Timestamp: bars[i-1].Timestamp,
				Symbol: symbol, Message: "data gap: " + actual.String() + " (expected ~" + expected.String() + ")", BarIndex: i - 1,
			})
		}
	}
	return issues
}

func (qv *QualityValidator) checkPriceAnomalies(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.Open.IsZero() || bar.High.IsZero() || bar.Low.IsZero() || bar.Close.IsZero() {
			issues = append(issues, DataIssue{Type: "ZERO_PRICE", Severity: "critical", Timestamp: bar.Timestamp, Symbol: symbol, Message: "zero price", BarIndex: i})
			continue
		}
		if bar.Open.IsNegative() || bar.High.IsNegative() || bar.Low.IsNegative() || bar.Close.IsNegative() {
			issues = append(issues, DataIssue{Type: "NEGATIVE_PRICE", Severity: "critical", Timestamp: bar.Timestamp, Symbol: symbol, Message: "negative price", BarIndex: i})
			continue
		}
		if !bar.Low.IsZero() {
			move, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64()
			if move > qv.MaxIntradayMove {
				issues = append(issues, DataIssue{Type: "EXTREME_MOVE", Severity: "high", Timestamp: bar.Timestamp, Symbol: symbol,
					Message: "extreme intraday move", BarIndex: i})
			}
		}
		if i > 0 && !bars[i-1].Close.IsZero() {
			move, _ := bar.Open.Sub(bars[i-1].Close).Div(bars[i-1].Close).Abs().Float64()
			if move > qv.MaxGapMove {
				issues = append(issues, DataIssue{Type: "GAP_MOVE", Severity: "medium", Timestamp: bar.Timestamp, Symbol: symbol,
					Message: "large price gap", BarIndex: i})
			}
		}
	}
	return issues
}

func (qv *QualityValidator) checkVolumeAnomalies(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	var total decimal.Decimal
	nonZero := 0
	for _, bar := range bars {
		if bar.Volume.IsPositive() {
			total = total.Add(bar.Volume)
			nonZero++
		}
	}
	avg := 0.0
	if nonZero > 0 {
		a, _ := total.Div(decimal.NewFromInt(int64(nonZero))).Float64()
		avg = a
	}

	for i, bar := range bars {
		vol, _ := bar.Volume.Float64()
		if bar.Volume.IsZero() {
			issues = append(issues, DataIssue{Type: "ZERO_VOLUME", Severity: "low", Timestamp: bar.Timestamp, Symbol: symbol, Message: "zero volume bar", BarIndex: i})
			continue
		}
		if vol < qv.MinVolume {
			issues = append(issues, DataIssue{Type: "LOW_VOLUME", Severity: "low", Timestamp: bar.Timestamp, Symbol: symbol, Message: "volume below threshold", BarIndex: i})
		}
		if avg > 0 && vol > avg*qv.MaxVolumeMultiple {
			issues = append(issues, DataIssue{Type: "VOLUME_SPIKE", Severity: "low", Timestamp: bar.Timestamp, Symbol: symbol, Message: "volume spike", BarIndex: i})
		}
	}
	return issues
}

func (qv *QualityValidator) checkOHLCConsistency(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) {
			issues = append(issues, DataIssue{Type: "OHLC_INCONSISTENT", Severity: "critical", Timestamp: bar.Timestamp, Symbol: symbol, Message: "high is not the highest price", BarIndex: i})
		}
		if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) || bar.Low.GreaterThan(bar.High) {
			issues = append(issues, DataIssue{Type: "OHLC_INCONSISTENT", Severity: "critical", Timestamp: bar.Timestamp, Symbol: symbol, Message: "low is not the lowest price", BarIndex: i})
		}
	}
	return issues
}

func (qv *QualityValidator) checkDuplicates(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	seen := make(map[int64]bool)
	for i, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] {
			issues = append(issues, DataIssue{Type: "DUPLICATE_TIMESTAMP", Severity: "high", Timestamp: bar.Timestamp, Symbol: symbol, Message: "duplicate timestamp", BarIndex: i})
			continue
		}
		seen[ts] = true
	}
	return issues
}

func (qv *QualityValidator) checkChronologicalOrder(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{Type: "OUT_OF_ORDER", Severity: "critical", Timestamp: bars[i].Timestamp, Symbol: symbol, Message: "bar out of chronological order", BarIndex: i})
		}
	}
	return issues
}

func (qv *QualityValidator) qualityScore(totalBars int, issues []DataIssue) int {
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)
	return int(math.Max(0, math.Min(100, score)))
}

func hasCriticalIssue(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func (qv *QualityValidator) recommendations(issues []DataIssue, totalBars int) []string {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}

	var recs []string
	if counts["GAP_DETECTED"] > 0 {
		recs = append(recs, "data gaps detected, verify feed continuity")
	}
	if counts["OHLC_INCONSISTENT"] > 0 {
		recs = append(recs, "OHLC inconsistencies detected, verify data source integrity")
	}
	if totalBars > 0 && counts["EXTREME_MOVE"] > totalBars/100 {
		recs = append(recs, "many extreme price moves, consider verifying the source before sizing off this series")
	}
	if counts["DUPLICATE_TIMESTAMP"] > 0 {
		recs = append(recs, "duplicate timestamps present")
	}
	if counts["OUT_OF_ORDER"] > 0 {
		recs = append(recs, "series is not sorted by timestamp")
	}
	if len(recs) == 0 {
		recs = append(recs, "data quality acceptable")
	}
	return recs
}
