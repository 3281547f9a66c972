package guardian

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/pkg/types"
)

func TestCloseAtMarketRemovesPositionAndComputesPnL(t *testing.T) {
	st := &fakeState{positions: []types.Position{{
		Symbol: "AAPL", Direction: types.DirectionLong, Quantity: 10,
		EntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(110),
	}}}
	br := broker.NewPaper(zap.NewNop(), func(symbol string) (decimal.Decimal, bool) {
		return decimal.NewFromInt(110), true
	}, broker.PaperConfig{})
	c := NewCloser(zap.NewNop(), br, st)

	pnl, err := c.CloseAtMarket(context.Background(), st.positions[0])
	if err != nil {
		t.Fatalf("CloseAtMarket() error = %v", err)
	}
	want := decimal.NewFromInt(100) // (110-100)*10
	if !pnl.Equal(want) {
		t.Errorf("pnl = %s, want %s", pnl, want)
	}
	if len(st.positions) != 0 {
		t.Errorf("positions after close = %v, want empty", st.positions)
	}
}

func TestCloseAtMarketErrorsWhenPositionAlreadyGone(t *testing.T) {
	st := &fakeState{}
	br := broker.NewPaper(zap.NewNop(), nil, broker.PaperConfig{})
	c := NewCloser(zap.NewNop(), br, st)

	_, err := c.CloseAtMarket(context.Background(), types.Position{Symbol: "GHOST", Direction: types.DirectionLong, Quantity: 1})
	if err == nil {
		t.Fatalf("CloseAtMarket() error = nil, want error for a position absent from state")
	}
}
