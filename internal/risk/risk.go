// Package risk implements C6, the Risk Manager: the synchronous validateTrade
// pre-trade gate and continuous position monitoring, with pure stop-loss /
// take-profit / break-even / trailing-stop functions. Generalized from the
// donor's execution_service.go MonitorPosition, whose breakeven/trailing/
// stop-hit thresholds were hardcoded constants; here they are config-driven
// per §4.6.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"apex-engine/internal/engerr"
	"apex-engine/internal/exchange"
)

// RiskLevel classifies how dangerous a position's current state is.
type RiskLevel string

const (
	Low      RiskLevel = "LOW"
	Medium   RiskLevel = "MEDIUM"
	High     RiskLevel = "HIGH"
	Critical RiskLevel = "CRITICAL"
)

// PositionRisk is §3's derived, not-stored risk snapshot.
type PositionRisk struct {
	Symbol             string
	StopLossPrice      float64
	TakeProfitPrice    float64
	BreakEvenPrice     float64
	TrailingStopPrice  float64
	HasTrailingStop    bool
	LiquidationPrice   float64
	MarginRatio        float64
	RiskAmount         float64
	RewardAmount       float64
	RiskRewardRatio    float64
	RiskLevel          RiskLevel
	UnrealizedPnLPct   float64
}

// ValidateResult is validateTrade's structured return value, per §4.6: no
// exception-for-control-flow.
type ValidateResult struct {
	Valid      bool
	Errors     []string
	Warnings   []string
	Assessment string
}

// Config is §6's risk-relevant configuration surface.
type Config struct {
	MaxPositionSizePct float64 // 5..50
	RiskRewardRatio    float64 // 1.0..5.0
	MaxDrawdownPct     float64 // 5..25
	MaxDailyLossUSDT   float64
	StopLossPct        float64
	TakeProfitPct      float64
	TrailingStopPct    float64
	RoundTripFeePct    float64 // default 0.075% x 2
	MonitorInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPositionSizePct: 20,
		RiskRewardRatio:    2,
		MaxDrawdownPct:     15,
		MaxDailyLossUSDT:   200,
		StopLossPct:        2,
		TakeProfitPct:      4,
		TrailingStopPct:    1,
		RoundTripFeePct:    0.15,
		MonitorInterval:    5 * time.Second,
	}
}

// BalanceSource fetches current balance; bound to C1 by the composition root.
type BalanceSource func(ctx context.Context) (total float64, available float64, err error)

// PositionSource fetches open positions; bound to C1 by the composition root.
type PositionSource func(ctx context.Context) ([]exchange.PositionInfo, error)

// Events the manager emits, per §4.6/§6.
type EventKind int

const (
	MoveToBreakEven EventKind = iota
	ActivateTrailingStop
	EmergencyStop
	DailyLimitExceeded
)

type Event struct {
	Kind      EventKind
	Risk      PositionRisk
	Timestamp time.Time
}

// Manager is C6. dailyPnL is owned exclusively by the monitor goroutine.
type Manager struct {
	cfg         Config
	balances    BalanceSource
	positions   PositionSource

	mu                 sync.Mutex
	dailyStartBalance  float64
	dailyPnL           float64
	currentBalance     float64

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Start records dailyStartBalance via the balance source; per §4.6, refuses
// to start if the balance is unavailable (Fatal).
func Start(ctx context.Context, cfg Config, balances BalanceSource, positions PositionSource) (*Manager, error) {
	total, _, err := balances(ctx)
	if err != nil {
		return nil, engerr.FatalErr("risk manager cannot obtain starting balance", err)
	}

	m := &Manager{
		cfg:               cfg,
		balances:          balances,
		positions:         positions,
		dailyStartBalance: total,
		currentBalance:    total,
		events:            make(chan Event, 128),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	go m.monitorLoop()
	return m, nil
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) monitorLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	positions, err := m.positions(ctx)
	if err != nil {
		return // transient I/O failure on a monitoring tick: skip this tick, do not fail closed here
	}

	total, _, err := m.balances(ctx)
	if err == nil {
		m.mu.Lock()
		m.currentBalance = total
		m.dailyPnL = total - m.dailyStartBalance
		dailyPnL := m.dailyPnL
		m.mu.Unlock()

		if dailyPnL < 0 && -dailyPnL > m.cfg.MaxDailyLossUSDT {
			m.emit(Event{Kind: DailyLimitExceeded, Timestamp: time.Now()})
		}
	}

	for _, pos := range positions {
		pr := m.computeRisk(pos)
		switch {
		case pr.RiskLevel == Critical:
			m.emit(Event{Kind: EmergencyStop, Risk: pr, Timestamp: time.Now()})
		case pr.UnrealizedPnLPct > m.cfg.TakeProfitPct*0.5:
			m.emit(Event{Kind: ActivateTrailingStop, Risk: pr, Timestamp: time.Now()})
		case pr.UnrealizedPnLPct > 2:
			m.emit(Event{Kind: MoveToBreakEven, Risk: pr, Timestamp: time.Now()})
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) computeRisk(pos exchange.PositionInfo) PositionRisk {
	side := "LONG"
	if pos.PositionAmt < 0 {
		side = "SHORT"
	}
	pnlPct := 0.0
	if pos.EntryPrice > 0 {
		if side == "LONG" {
			pnlPct = pos.UnrealizedPnL / (pos.EntryPrice * absF(pos.PositionAmt)) * 100
		} else {
			pnlPct = pos.UnrealizedPnL / (pos.EntryPrice * absF(pos.PositionAmt)) * 100
		}
	}

	sl := StopLossPrice(pos.EntryPrice, side, m.cfg.StopLossPct)
	tp := TakeProfitPrice(pos.EntryPrice, side, m.cfg.TakeProfitPct)
	be := BreakEvenPrice(pos.EntryPrice, side, m.cfg.RoundTripFeePct)

	level := Low
	critThreshold := -0.8 * m.cfg.MaxDrawdownPct
	switch {
	case pnlPct < critThreshold:
		level = Critical
	case pnlPct < -m.cfg.MaxDrawdownPct*0.5:
		level = High
	case pnlPct < 0:
		level = Medium
	}

	return PositionRisk{
		Symbol:           pos.Symbol,
		StopLossPrice:    sl,
		TakeProfitPrice:  tp,
		BreakEvenPrice:   be,
		RiskLevel:        level,
		UnrealizedPnLPct: pnlPct,
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// StopLossPrice is a pure function of (entryPrice, side, pct).
func StopLossPrice(entry float64, side string, pct float64) float64 {
	if side == "LONG" {
		return entry * (1 - pct/100)
	}
	return entry * (1 + pct/100)
}

// TakeProfitPrice is a pure function of (entryPrice, side, pct).
func TakeProfitPrice(entry float64, side string, pct float64) float64 {
	if side == "LONG" {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}

// BreakEvenPrice includes a symmetric round-trip fee allowance.
func BreakEvenPrice(entry float64, side string, roundTripFeePct float64) float64 {
	if side == "LONG" {
		return entry * (1 + roundTripFeePct/100)
	}
	return entry * (1 - roundTripFeePct/100)
}

// TrailingStopPrice is a pure function of (currentPrice, side, pct).
func TrailingStopPrice(currentPrice float64, side string, pct float64) float64 {
	if side == "LONG" {
		return currentPrice * (1 - pct/100)
	}
	return currentPrice * (1 + pct/100)
}

// ValidateTrade is the synchronous pre-trade gate, §4.6. All failures listed
// are errors, not warnings; any I/O failure gathering inputs is fail-closed.
func (m *Manager) ValidateTrade(ctx context.Context, symbol, side string, size, entryPrice float64) ValidateResult {
	total, _, err := m.balances(ctx)
	if err != nil {
		return ValidateResult{Valid: false, Errors: []string{"Unable to fetch balance: " + err.Error()}}
	}

	m.mu.Lock()
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	var errs, warnings []string

	notional := decimal.NewFromFloat(size).Mul(decimal.NewFromFloat(entryPrice))
	maxNotional := decimal.NewFromFloat(total).Mul(decimal.NewFromFloat(m.cfg.MaxPositionSizePct / 100))
	if notional.GreaterThan(maxNotional) {
		errs = append(errs, "Position size exceeds maxPositionSizePct of balance")
	}

	sl := StopLossPrice(entryPrice, side, m.cfg.StopLossPct)
	tp := TakeProfitPrice(entryPrice, side, m.cfg.TakeProfitPct)
	rr := riskRewardRatio(entryPrice, sl, tp)
	if rr < m.cfg.RiskRewardRatio {
		errs = append(errs, "Risk/Reward ratio too low")
	}

	riskAmount := absF(entryPrice-sl) * size
	projected := dailyPnL - riskAmount
	if projected < 0 && -projected > m.cfg.MaxDailyLossUSDT {
		errs = append(errs, "Projected loss would exceed maxDailyLossUSDT")
	}

	requiredMargin := notional.InexactFloat64()
	if requiredMargin > 0.9*total {
		errs = append(errs, "Required margin exceeds 90% of balance")
	}

	if tp != 0 && sl != 0 && absF(tp-entryPrice)/absF(entryPrice-sl) < m.cfg.RiskRewardRatio {
		warnings = append(warnings, "configured takeProfitPct/stopLossPct ratio is below riskRewardRatio")
	}

	return ValidateResult{
		Valid:      len(errs) == 0,
		Errors:     errs,
		Warnings:   warnings,
		Assessment: assessmentFor(rr, m.cfg.RiskRewardRatio),
	}
}

func riskRewardRatio(entry, sl, tp float64) float64 {
	risk := absF(entry - sl)
	reward := absF(tp - entry)
	if risk == 0 {
		return 0
	}
	return reward / risk
}

func assessmentFor(rr, required float64) string {
	if rr >= required {
		return "acceptable"
	}
	return "rejected: risk/reward below threshold"
}
