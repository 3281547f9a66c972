// Package phase4 implements Execution: translates an approved Judge verdict
// into a sized, stopped, and OCO-grouped set of broker orders, then records
// the resulting position in the State Core and the Decision Store.
package phase4

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/pkg/types"
	"github.com/iara-trader/engine/pkg/utils"
)

// MarketData is the subset of the market-data adapter Execution needs for
// ATR/swing-low stop refinement.
type MarketData interface {
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
}

// EarningsChecker reports whether a symbol has an earnings event within the
// configured proximity window, tightening the stop when it does.
type EarningsChecker interface {
	EarningsWithin(ctx context.Context, symbol string, days int) bool
}

// StateWriter is the slice of the State Core Execution needs.
type StateWriter interface {
	AddPosition(p types.Position) error
	GetOpenPositions() []types.Position
	CheckSectorExposure(symbol string, notional decimal.Decimal) bool
	Snapshot() types.StateSnapshot
	DefensiveMultiplier() float64
}

// TradeRecorder is the Decision Store slice Execution writes an opened
// trade to.
type TradeRecorder interface {
	OpenTrade(ctx context.Context, t types.TradeHistoryRow) error
}

// Input bundles what Execution needs beyond the approved decision itself:
// the candidate's tier (for the tier size multiplier) and the Vault's
// beta-adjusted sizing multiplier, both computed upstream.
type Input struct {
	Decision       types.TradeDecision
	Tier           types.Tier
	BetaMultiplier float64
}

// RejectReason explains why Execution declined to act on an approved
// decision — a distinct failure mode from the Judge's own veto paths.
type RejectReason struct {
	Symbol string
	Reason string
}

// equityTick is the minimum price increment every order leg is rounded to
// before it reaches the broker; US equities quote and trade in pennies.
var equityTick = decimal.NewFromFloat(0.01)

// Executor is Phase 4 of the pipeline.
type Executor struct {
	logger               *zap.Logger
	broker               broker.Broker
	market               MarketData
	earnings             EarningsChecker
	state                StateWriter
	store                TradeRecorder
	risk                 config.RiskConfig
	tiers                config.TiersConfig
	technical            config.TechnicalConfig
	earningsProximityDays int
}

// New builds an Executor.
func New(logger *zap.Logger, br broker.Broker, market MarketData, earnings EarningsChecker, state StateWriter, store TradeRecorder, risk config.RiskConfig, tiers config.TiersConfig, technical config.TechnicalConfig, earningsProximityDays int) *Executor {
	return &Executor{
		logger:                logger.Named("phase4"),
		broker:                br,
		market:                market,
		earnings:              earnings,
		state:                 state,
		store:                 store,
		risk:                  risk,
		tiers:                 tiers,
		technical:             technical,
		earningsProximityDays: earningsProximityDays,
	}
}

// Execute runs the full six-step sequence for one approved decision: stop
// selection, position sizing, entry order, dual stops, multi-target exits,
// and OCO grouping.
func (e *Executor) Execute(ctx context.Context, capital decimal.Decimal, in Input) (*types.Position, *RejectReason) {
	d := in.Decision
	if !d.Approved() {
		return nil, &RejectReason{Symbol: d.Symbol, Reason: "decision not approved"}
	}

	stop := e.selectStop(ctx, d)

	shares, reject := e.sizePosition(capital, d, in.Tier, in.BetaMultiplier, stop)
	if reject != nil {
		return nil, reject
	}
	notional := decimal.NewFromInt(shares).Mul(d.Entry)
	if !e.state.CheckSectorExposure(d.Symbol, notional) {
		return nil, &RejectReason{Symbol: d.Symbol, Reason: "sector exposure cap exceeded"}
	}

	entrySide, exitSide := sidesFor(d.Direction)

	entryOrder, err := e.broker.PlaceOrder(ctx, types.Order{
		Symbol:     d.Symbol,
		Side:       entrySide,
		Type:       types.OrderTypeStopLimit,
		Quantity:   shares,
		StopPrice:  utils.RoundToTickSize(d.Entry, equityTick),
		LimitPrice: utils.RoundToTickSize(entryLimitFor(d.Direction, d.Entry), equityTick),
		Notes:      "entry",
	})
	if err != nil {
		return nil, &RejectReason{Symbol: d.Symbol, Reason: fmt.Sprintf("entry order placement failed: %v", err)}
	}

	backupStop := backupStopFor(d.Direction, d.Entry)
	e.placeExitOrders(ctx, d, entryOrder.ID, shares, stop, exitSide)

	position := types.Position{
		Symbol:          d.Symbol,
		Direction:       d.Direction,
		EntryPrice:      d.Entry,
		Quantity:        shares,
		StopLoss:        stop,
		BackupStop:      backupStop,
		TakeProfit1:     d.TP1,
		TakeProfit2:     d.TP2,
		EntryTime:       time.Now(),
		CurrentPrice:    d.Entry,
		PhysicalOrderID: entryOrder.ID,
	}
	if err := e.state.AddPosition(position); err != nil {
		e.logger.Error("execution: state rejected position after broker fill", zap.String("symbol", d.Symbol), zap.Error(err))
		return nil, &RejectReason{Symbol: d.Symbol, Reason: fmt.Sprintf("state add position failed: %v", err)}
	}

	if e.store != nil {
		row := types.TradeHistoryRow{
			ID:         uuid.NewString(),
			Symbol:     d.Symbol,
			Direction:  d.Direction,
			EntryPrice: d.Entry,
			EntryTime:  position.EntryTime,
			Quantity:   shares,
			CreatedAt:  time.Now(),
		}
		if err := e.store.OpenTrade(ctx, row); err != nil {
			e.logger.Warn("execution: recording opened trade failed", zap.String("symbol", d.Symbol), zap.Error(err))
		}
	}

	e.logger.Info("position opened",
		zap.String("symbol", d.Symbol), zap.String("direction", string(d.Direction)),
		zap.Int64("shares", shares), zap.String("entry", d.Entry.String()), zap.String("stop", stop.String()))
	return &position, nil
}

// placeExitOrders places the physical stop and the two take-profit legs,
// grouped as an OCO set when the broker supports it so a fill of any leg
// cancels the rest once all exit quantity is realized.
func (e *Executor) placeExitOrders(ctx context.Context, d types.TradeDecision, parentID string, shares int64, stop decimal.Decimal, exitSide types.OrderSide) {
	tp1Qty := shares / 2
	tp2Qty := shares - tp1Qty

	legs := []types.Order{
		{Symbol: d.Symbol, Side: exitSide, Type: types.OrderTypeStop, Quantity: shares, StopPrice: utils.RoundToTickSize(stop, equityTick), ParentOrderID: parentID, Notes: "physical stop"},
		{Symbol: d.Symbol, Side: exitSide, Type: types.OrderTypeLimit, Quantity: tp1Qty, LimitPrice: utils.RoundToTickSize(d.TP1, equityTick), ParentOrderID: parentID, Notes: "tp1"},
		{Symbol: d.Symbol, Side: exitSide, Type: types.OrderTypeLimit, Quantity: tp2Qty, LimitPrice: utils.RoundToTickSize(d.TP2, equityTick), ParentOrderID: parentID, Notes: "tp2"},
	}

	if ocoBroker, ok := e.broker.(broker.OCOPlacer); ok {
		if _, err := ocoBroker.PlaceOCOOrder(ctx, legs); err != nil {
			e.logger.Warn("execution: native OCO placement failed, falling back to individual legs", zap.String("symbol", d.Symbol), zap.Error(err))
			e.placeLegsIndividually(ctx, legs)
		}
		return
	}
	e.placeLegsIndividually(ctx, legs)
}

func (e *Executor) placeLegsIndividually(ctx context.Context, legs []types.Order) {
	for _, leg := range legs {
		if _, err := e.broker.PlaceOrder(ctx, leg); err != nil {
			e.logger.Warn("execution: exit leg placement failed", zap.String("symbol", leg.Symbol), zap.String("notes", leg.Notes), zap.Error(err))
		}
	}
}

// selectStop implements step 1: earnings proximity tightens the stop to a
// half-percent band; otherwise the ATR/swing-low formula applies, capped
// so the implied loss never exceeds 10% of entry.
func (e *Executor) selectStop(ctx context.Context, d types.TradeDecision) decimal.Decimal {
	if e.earnings != nil && e.earnings.EarningsWithin(ctx, d.Symbol, e.proximityDays()) {
		if d.Direction == types.DirectionShort {
			return d.Entry.Mul(decimal.NewFromFloat(1.005))
		}
		return d.Entry.Mul(decimal.NewFromFloat(0.995))
	}

	stop := d.Stop
	if bars, err := e.market.OHLCV(ctx, d.Symbol, 60); err == nil && len(bars) > 0 {
		atr := analytics.ATR(bars, e.atrPeriod())
		entry, _ := d.Entry.Float64()
		if d.Direction == types.DirectionShort {
			swingHigh := highestHigh(bars)
			candidate := math.Min(entry+2.5*atr, swingHigh)
			stop = decimal.NewFromFloat(candidate)
		} else {
			swingLow := lowestLow(bars)
			candidate := math.Max(entry-2.5*atr, swingLow)
			stop = decimal.NewFromFloat(candidate)
		}
	}
	return capStopLoss(d.Direction, d.Entry, stop)
}

// capStopLoss ensures the stop never implies more than a 10% loss vs entry.
func capStopLoss(direction types.Direction, entry, stop decimal.Decimal) decimal.Decimal {
	maxLoss := entry.Mul(decimal.NewFromFloat(0.10))
	if direction == types.DirectionShort {
		return utils.MinDecimal(stop, entry.Add(maxLoss))
	}
	return utils.MaxDecimal(stop, entry.Sub(maxLoss))
}

// sizePosition implements step 2: the capital/risk/tier/size-hint/beta/
// defensive multiplier chain, the 20%-of-capital cap, and the
// max-positions/80%-exposure validation.
func (e *Executor) sizePosition(capital decimal.Decimal, d types.TradeDecision, tier types.Tier, betaMultiplier float64, stop decimal.Decimal) (int64, *RejectReason) {
	riskPerShare := d.Entry.Sub(stop).Abs()
	if riskPerShare.IsZero() {
		return 0, &RejectReason{Symbol: d.Symbol, Reason: "entry equals stop, cannot size position"}
	}

	tierMult := e.tierMultiplier(tier)
	sizeHintMult := types.SizeHintMultiplier(d.SizeHint)
	defensiveMult := decimal.NewFromFloat(e.state.DefensiveMultiplier())

	base := capital.
		Mul(e.risk.RiskPerTrade).
		Mul(decimal.NewFromFloat(tierMult)).
		Mul(sizeHintMult).
		Mul(decimal.NewFromFloat(betaMultiplier)).
		Mul(defensiveMult)

	baseF, _ := base.Float64()
	riskF, _ := riskPerShare.Float64()
	shares := int64(math.Floor(baseF / riskF))

	capValue := capital.Mul(decimal.NewFromFloat(0.20))
	entryF, _ := d.Entry.Float64()
	capValueF, _ := capValue.Float64()
	if entryF > 0 {
		maxByCap := int64(math.Floor(capValueF / entryF))
		if shares > maxByCap {
			shares = maxByCap
		}
	}

	if shares < 1 {
		return 0, &RejectReason{Symbol: d.Symbol, Reason: "computed share count below 1"}
	}
	if !e.validateSize(capital, d.Entry, shares) {
		return 0, &RejectReason{Symbol: d.Symbol, Reason: "position size fails max-positions/exposure validation"}
	}
	return shares, nil
}

// validateSize enforces max_positions and the 80% total-exposure cap
// against the current open portfolio.
func (e *Executor) validateSize(capital, entry decimal.Decimal, shares int64) bool {
	positions := e.state.GetOpenPositions()
	if e.risk.MaxPositions > 0 && len(positions) >= e.risk.MaxPositions {
		return false
	}
	existingExposure := decimal.Zero
	for _, p := range positions {
		existingExposure = existingExposure.Add(decimal.NewFromInt(p.Quantity).Mul(p.EntryPrice))
	}
	newExposure := existingExposure.Add(decimal.NewFromInt(shares).Mul(entry))
	exposureCap := capital.Mul(decimal.NewFromFloat(0.80))
	return newExposure.LessThanOrEqual(exposureCap)
}

func (e *Executor) tierMultiplier(tier types.Tier) float64 {
	switch tier {
	case types.TierOne:
		if e.tiers.Tier1LargeCap.PositionMultiplier > 0 {
			return e.tiers.Tier1LargeCap.PositionMultiplier
		}
		return 1.0
	case types.TierTwo:
		if e.tiers.Tier2MidCap.PositionMultiplier > 0 {
			return e.tiers.Tier2MidCap.PositionMultiplier
		}
		return 0.6
	default:
		return 0.4
	}
}

func (e *Executor) atrPeriod() int {
	if e.technical.ATRPeriod > 0 {
		return e.technical.ATRPeriod
	}
	return 14
}

func (e *Executor) proximityDays() int {
	if e.earningsProximityDays > 0 {
		return e.earningsProximityDays
	}
	return 5
}

func sidesFor(direction types.Direction) (entry, exit types.OrderSide) {
	if direction == types.DirectionShort {
		return types.OrderSideSell, types.OrderSideBuy
	}
	return types.OrderSideBuy, types.OrderSideSell
}

// entryLimitFor bounds slippage on the stop-limit entry: half a percent
// worse than trigger, in the direction that favors the broker filling it.
func entryLimitFor(direction types.Direction, entry decimal.Decimal) decimal.Decimal {
	band := entry.Mul(decimal.NewFromFloat(0.005))
	if direction == types.DirectionShort {
		return entry.Sub(band)
	}
	return entry.Add(band)
}

// backupStopFor is the locally-tracked fallback the Guardian acts on if
// the broker-side physical stop fails to trigger.
func backupStopFor(direction types.Direction, entry decimal.Decimal) decimal.Decimal {
	band := entry.Mul(decimal.NewFromFloat(0.10))
	if direction == types.DirectionShort {
		return entry.Add(band)
	}
	return entry.Sub(band)
}

func lowestLow(bars []types.OHLCV) float64 {
	lowest := math.MaxFloat64
	for _, b := range bars {
		v, _ := b.Low.Float64()
		if v < lowest {
			lowest = v
		}
	}
	return lowest
}

func highestHigh(bars []types.OHLCV) float64 {
	highest := 0.0
	for _, b := range bars {
		v, _ := b.High.Float64()
		if v > highest {
			highest = v
		}
	}
	return highest
}
