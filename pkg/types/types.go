// Package types holds the shared data model for the trading engine: the
// shapes that flow between phases, the State Core, the Decision Store, and
// the broker.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the order type accepted by the broker abstraction.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStop       OrderType = "stop"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeOCO        OrderType = "oco"
)

// OrderStatus is the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Direction is a position or decision direction.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRO"
)

// CandidateSource identifies which Phase 0 source surfaced a candidate.
type CandidateSource string

const (
	SourceWatchlist    CandidateSource = "watchlist"
	SourceVolumeSpike  CandidateSource = "volume_spike"
	SourceGap          CandidateSource = "gap"
	SourceNewsCatalyst CandidateSource = "news_catalyst"
)

// Tier is the market-cap bucket assigned to a candidate.
type Tier string

const (
	TierOne     Tier = "tier1_large_cap"
	TierTwo     Tier = "tier2_mid_cap"
	TierUnknown Tier = "unknown"
)

// Verdict is the Judge's trade decision outcome.
type Verdict string

const (
	VerdictApprove Verdict = "APROVAR"
	VerdictReject  Verdict = "REJEITAR"
	VerdictWait    Verdict = "AGUARDAR"
)

// SizeHint is the Judge's suggested position-size tier.
type SizeHint string

const (
	SizeHintNormal SizeHint = "NORMAL"
	SizeHintReduced SizeHint = "REDUZIDO"
	SizeHintMinimum SizeHint = "MINIMO"
)

// SizeHintMultiplier returns the multiplier for a size hint, defaulting
// unknown hints to NORMAL.
func SizeHintMultiplier(h SizeHint) decimal.Decimal {
	switch h {
	case SizeHintReduced:
		return decimal.NewFromFloat(0.5)
	case SizeHintMinimum:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.NewFromInt(1)
	}
}

// SystemState is the State Core's coarse operating mode.
type SystemState string

const (
	SystemStateRunning     SystemState = "running"
	SystemStatePaused      SystemState = "paused"
	SystemStateKilled      SystemState = "killed"
	SystemStateMaintenance SystemState = "maintenance"
)

// AlertLevel is the severity of a Guardian alert.
type AlertLevel string

const (
	AlertInfo      AlertLevel = "info"
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
	AlertEmergency AlertLevel = "emergency"
)

// OHLCV is a single daily candlestick.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Quote is a market snapshot for a single symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        int64           `json:"volume"`
	AvgVolume     int64           `json:"avgVolume"`
	MarketCap     decimal.Decimal `json:"marketCap"`
	ChangePct     float64         `json:"changePct"`
	PreviousClose decimal.Decimal `json:"previousClose"`
	Beta          float64         `json:"beta"`
	Sector        string          `json:"sector"`
	Industry      string          `json:"industry"`
	FetchedAt     time.Time       `json:"fetchedAt"`
}

// MacroSnapshot is the market-wide backdrop woven into the Judge's prompt:
// volatility, index levels and trend, the dollar, and the 10-year yield.
type MacroSnapshot struct {
	VIX        float64         `json:"vix"`
	SPYPrice   decimal.Decimal `json:"spyPrice"`
	SPYTrend   string          `json:"spyTrend"` // uptrend, downtrend, flat
	QQQPrice   decimal.Decimal `json:"qqqPrice"`
	DXYPrice   float64         `json:"dxyPrice"`
	US10YYield float64         `json:"us10yYield"`
	FetchedAt  time.Time       `json:"fetchedAt"`
}

// NewsArticle is a single item returned by the news adapter.
type NewsArticle struct {
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	URL            string    `json:"url"`
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"publishedAt"`
	TickersMentioned []string `json:"tickersMentioned,omitempty"`
	RelevanceScore float64   `json:"relevanceScore,omitempty"`
}

// Candidate is a ticker surfaced by Phase 0, the Buzz Factory.
type Candidate struct {
	Symbol      string          `json:"symbol"`
	Source      CandidateSource `json:"source"`
	BuzzScore   float64         `json:"buzzScore"`
	Reason      string          `json:"reason"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Tier        Tier            `json:"tier"`
	MarketCap   decimal.Decimal `json:"marketCap"`
	NewsContent string          `json:"newsContent,omitempty"`
}

// ScreenerResult is Phase 1's cheap-AI triage output.
type ScreenerResult struct {
	Symbol     string    `json:"symbol"`
	Score      float64   `json:"score"`
	Summary    string    `json:"summary"`
	Bias       Direction `json:"bias"`
	Confidence float64   `json:"confidence"`
	Passed     bool      `json:"passed"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskMetrics are Phase 2's per-symbol risk statistics.
type RiskMetrics struct {
	Symbol         string  `json:"symbol"`
	Beta           float64 `json:"beta"`
	Volatility20d  float64 `json:"volatility20d"`
	Volatility60d  float64 `json:"volatility60d"`
	SharpeRatio    float64 `json:"sharpeRatio"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	VaR95          float64 `json:"var95"`
	CVaR95         float64 `json:"cvar95"`
}

// TradeDecision is Phase 3's verdict, the richest artifact in the pipeline.
type TradeDecision struct {
	Symbol         string          `json:"symbol"`
	Verdict        Verdict         `json:"verdict"`
	FinalScore     float64         `json:"finalScore"`
	Direction      Direction       `json:"direction"`
	Entry          decimal.Decimal `json:"entry"`
	Stop           decimal.Decimal `json:"stop"`
	TP1            decimal.Decimal `json:"tp1"`
	TP2            decimal.Decimal `json:"tp2"`
	RiskReward     float64         `json:"riskReward"`
	SizeHint       SizeHint        `json:"sizeHint"`
	Justification  string          `json:"justification"`
	Alerts         []string        `json:"alerts"`
	ValidityHours  int             `json:"validityHours"`
	Timestamp      time.Time       `json:"timestamp"`
	PortfolioHash  string          `json:"portfolioHash"`
}

// Approved reports whether the decision satisfies every hard invariant an
// APROVAR verdict must hold.
func (d TradeDecision) Approved() bool {
	if d.Verdict != VerdictApprove {
		return false
	}
	if d.RiskReward < 2.0 {
		return false
	}
	switch d.Direction {
	case DirectionLong:
		return d.Stop.LessThan(d.Entry)
	case DirectionShort:
		return d.Stop.GreaterThan(d.Entry)
	default:
		return false
	}
}

// PositionSize is Phase 4's sizing output.
type PositionSize struct {
	Symbol           string          `json:"symbol"`
	Shares           int64           `json:"shares"`
	PositionValue    decimal.Decimal `json:"positionValue"`
	RiskAmount       decimal.Decimal `json:"riskAmount"`
	RiskPercent      float64         `json:"riskPercent"`
	AppliedMultiplier float64        `json:"appliedMultiplier"`
	Reason           string          `json:"reason"`
}

// Position is an open equities position tracked by the State Core.
type Position struct {
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	Quantity        int64           `json:"quantity"`
	StopLoss        decimal.Decimal `json:"stopLoss"`
	BackupStop      decimal.Decimal `json:"backupStop"`
	TakeProfit1     decimal.Decimal `json:"takeProfit1"`
	TakeProfit2     decimal.Decimal `json:"takeProfit2"`
	EntryTime       time.Time       `json:"entryTime"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl"`
	PhysicalOrderID string          `json:"physicalOrderId,omitempty"`
}

// IsProfitable reports whether the position currently shows a gain, falling
// back to entry price when no current price has been observed yet.
func (p Position) IsProfitable() bool {
	current := p.CurrentPrice
	if current.IsZero() {
		current = p.EntryPrice
	}
	if p.Direction == DirectionLong {
		return current.GreaterThan(p.EntryPrice)
	}
	return current.LessThan(p.EntryPrice)
}

// DailyStats are the State Core's rolling per-session numbers.
type DailyStats struct {
	Date             string          `json:"date"`
	StartingCapital  decimal.Decimal `json:"startingCapital"`
	CurrentCapital   decimal.Decimal `json:"currentCapital"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	TradesCount      int             `json:"tradesCount"`
	Wins             int             `json:"wins"`
	Losses           int             `json:"losses"`
}

// CapitalSnapshot is a single entry of the 30-day capital-history ring.
type CapitalSnapshot struct {
	Date          string          `json:"date"`
	Capital       decimal.Decimal `json:"capital"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// StateSnapshot is an immutable, consistent read of the State Core, handed
// to callers instead of a live pointer into guarded state.
type StateSnapshot struct {
	SystemState       SystemState         `json:"systemState"`
	Capital           decimal.Decimal     `json:"capital"`
	Positions         []Position          `json:"positions"`
	DailyStats        DailyStats          `json:"dailyStats"`
	CapitalHistory    []CapitalSnapshot   `json:"capitalHistory"`
	KillSwitchActive  bool                `json:"killSwitchActive"`
	KillSwitchReason  string              `json:"killSwitchReason,omitempty"`
}

// DecisionCacheEntry is a cached Judge verdict keyed by symbol and the
// portfolio-composition hash at the time it was computed.
type DecisionCacheEntry struct {
	Symbol        string
	PortfolioHash string
	Timestamp     time.Time
	Decision      TradeDecision
}

// PoisonPillEventType enumerates the overnight event categories the Guardian
// classifies headlines into.
type PoisonPillEventType string

const (
	EventMergerAcquisition PoisonPillEventType = "M&A"
	EventTenderOffer       PoisonPillEventType = "tender"
	EventEarnings          PoisonPillEventType = "earnings"
	EventFDA               PoisonPillEventType = "fda"
	EventSEC               PoisonPillEventType = "sec"
	EventBankruptcy        PoisonPillEventType = "bankruptcy"
	EventContract          PoisonPillEventType = "contract"
	EventInsider           PoisonPillEventType = "insider"
	EventGapUp             PoisonPillEventType = "gap_up"
	EventGapDown           PoisonPillEventType = "gap_down"
)

// PoisonPillImpact is the directional read of an overnight event.
type PoisonPillImpact string

const (
	ImpactPositive  PoisonPillImpact = "positive"
	ImpactNegative  PoisonPillImpact = "negative"
	ImpactUncertain PoisonPillImpact = "uncertain"
)

// PoisonPillMagnitude is the severity of an overnight event.
type PoisonPillMagnitude string

const (
	MagnitudeLow     PoisonPillMagnitude = "low"
	MagnitudeMedium  PoisonPillMagnitude = "medium"
	MagnitudeHigh    PoisonPillMagnitude = "high"
	MagnitudeExtreme PoisonPillMagnitude = "extreme"
)

// RecommendedAction is the Poison-Pill scanner's suggested response.
type RecommendedAction string

const (
	ActionHold   RecommendedAction = "HOLD"
	ActionReview RecommendedAction = "REVIEW"
	ActionReduce RecommendedAction = "REDUCE"
	ActionExit   RecommendedAction = "EXIT"
)

// PoisonPillEvent is an overnight corporate/regulatory event surfaced for a
// held position.
type PoisonPillEvent struct {
	Symbol              string              `json:"symbol"`
	EventType           PoisonPillEventType `json:"eventType"`
	Headline            string              `json:"headline"`
	Impact              PoisonPillImpact    `json:"impact"`
	Magnitude           PoisonPillMagnitude `json:"magnitude"`
	RecommendedAction   RecommendedAction   `json:"recommendedAction"`
	Source              string              `json:"source"`
	Timestamp           time.Time           `json:"timestamp"`
}

// Order is a broker-facing order. The same shape carries entries, physical
// stops, backup stops, and multi-target exits; ParentOrderID links OCO
// siblings.
type Order struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       int64           `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice      decimal.Decimal `json:"stopPrice,omitempty"`
	Status         OrderStatus     `json:"status"`
	FilledQty      int64           `json:"filledQty"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	ParentOrderID  string          `json:"parentOrderId,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TradeHistoryRow is a trade_history persisted record: opened on fill,
// completed on exit.
type TradeHistoryRow struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	ExitTime   *time.Time      `json:"exitTime,omitempty"`
	Quantity   int64           `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl,omitempty"`
	PnLPercent float64         `json:"pnlPercent,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ComputePnL applies the direction-dependent P&L formula.
func ComputePnL(direction Direction, entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	if direction == DirectionShort {
		return entry.Sub(exit).Mul(q)
	}
	return exit.Sub(entry).Mul(q)
}

// DecisionLogRow is an append-only decision_log record.
type DecisionLogRow struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Verdict       Verdict   `json:"verdict"`
	Score         float64   `json:"score"`
	Entry         decimal.Decimal `json:"entry"`
	Stop          decimal.Decimal `json:"stop"`
	TP1           decimal.Decimal `json:"tp1"`
	TP2           decimal.Decimal `json:"tp2"`
	Justification string    `json:"justification"`
	Alerts        string    `json:"alerts"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"createdAt"`
}

// JudgeAuditEntry is a single prompt/verdict pair written to the append-only
// judge_audit log, via an AuditSink rather than a global callback.
type JudgeAuditEntry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Symbol        string    `json:"symbol"`
	Origin        string    `json:"origin"`
	Prompt        string    `json:"prompt,omitempty"`
	Result        Verdict   `json:"result"`
	Score         float64   `json:"score"`
	Direction     Direction `json:"direction"`
	Justification string    `json:"justification"`
}

// PriceAlert is emitted by the Watchdog.
type PriceAlert struct {
	Symbol         string          `json:"symbol"`
	AlertType      string          `json:"alertType"`
	Level          AlertLevel      `json:"level"`
	Message        string          `json:"message"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	ChangePct      float64         `json:"changePct"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewsImpact is the Sentinel's AI-classified impact of a headline.
type NewsImpact string

const (
	NewsImpactPositive NewsImpact = "positive"
	NewsImpactNeutral  NewsImpact = "neutral"
	NewsImpactNegative NewsImpact = "negative"
	NewsImpactCritical NewsImpact = "critical"
)

// NewsAction is the Sentinel's suggested response to a classified headline.
type NewsAction string

const (
	NewsActionHold        NewsAction = "HOLD"
	NewsActionMonitor     NewsAction = "MONITOR"
	NewsActionConsiderExit NewsAction = "CONSIDER_EXIT"
	NewsActionExitNow     NewsAction = "EXIT_NOW"
)

// NewsAlert is emitted by the Sentinel.
type NewsAlert struct {
	Symbol           string     `json:"symbol"`
	Headline         string     `json:"headline"`
	Impact           NewsImpact `json:"impact"`
	Summary          string     `json:"summary"`
	ActionSuggested  NewsAction `json:"actionSuggested"`
	Confidence       float64    `json:"confidence"`
	Source           string     `json:"source"`
	Timestamp        time.Time  `json:"timestamp"`
}
