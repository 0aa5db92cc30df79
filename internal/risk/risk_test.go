package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-engine/internal/exchange"
)

func newTestManager(t *testing.T, balance float64, positions []exchange.PositionInfo) *Manager {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	bal := func(ctx context.Context) (float64, float64, error) { return balance, balance, nil }
	pos := func(ctx context.Context) ([]exchange.PositionInfo, error) { return positions, nil }
	m, err := Start(context.Background(), cfg, bal, pos)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestStartFailsClosedWithoutBalance(t *testing.T) {
	bal := func(ctx context.Context) (float64, float64, error) {
		return 0, 0, assert.AnError
	}
	pos := func(ctx context.Context) ([]exchange.PositionInfo, error) { return nil, nil }
	_, err := Start(context.Background(), DefaultConfig(), bal, pos)
	require.Error(t, err)
}

func TestValidateTradeRejectsLowRiskReward(t *testing.T) {
	m := newTestManager(t, 1000, nil)
	cfg := DefaultConfig()
	cfg.RiskRewardRatio = 2
	m.cfg = cfg
	m.cfg.StopLossPct = 2
	m.cfg.TakeProfitPct = 2.8 // R/R = 1.4 < 2.0, per spec scenario S5

	res := m.ValidateTrade(context.Background(), "BTCUSDT", "LONG", 1, 100)
	assert.False(t, res.Valid)
	found := false
	for _, e := range res.Errors {
		if e == "Risk/Reward ratio too low" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateTradeAcceptsHappyPath(t *testing.T) {
	m := newTestManager(t, 1000, nil)
	m.cfg.StopLossPct = 2
	m.cfg.TakeProfitPct = 4
	m.cfg.RiskRewardRatio = 2
	m.cfg.MaxPositionSizePct = 20

	res := m.ValidateTrade(context.Background(), "BTCUSDT", "LONG", 1, 100)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestValidateTradeRejectsOversizedPosition(t *testing.T) {
	m := newTestManager(t, 1000, nil)
	m.cfg.MaxPositionSizePct = 5 // 5% of 1000 = $50 max notional

	res := m.ValidateTrade(context.Background(), "BTCUSDT", "LONG", 1, 100) // $100 notional
	assert.False(t, res.Valid)
}

func TestStopLossTakeProfitPureFunctions(t *testing.T) {
	assert.InDelta(t, 98, StopLossPrice(100, "LONG", 2), 0.001)
	assert.InDelta(t, 104, TakeProfitPrice(100, "LONG", 4), 0.001)
	assert.InDelta(t, 102, StopLossPrice(100, "SHORT", 2), 0.001)
	assert.InDelta(t, 96, TakeProfitPrice(100, "SHORT", 4), 0.001)
}

func TestBreakEvenIncludesRoundTripFee(t *testing.T) {
	be := BreakEvenPrice(100, "LONG", 0.15)
	assert.Greater(t, be, 100.0)
}
