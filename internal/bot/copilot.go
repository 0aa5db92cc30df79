package bot

import (
	"sync"
	"time"
)

// Advice strings, ported from the donor's CoPilotService advice constants.
const (
	AdviceHold     = "STRONG HOLD"
	AdviceTrim     = "TRIM POSITION"
	AdviceExit     = "IMMEDIATE EXIT"
	AdviceWarning  = "TREND FLIP"
	AdviceNeutral  = "MONITORING"
)

// Advisor is an observer of the bot's active positions: it may read state and
// emit advice, but per §4.7 it never calls PlaceOrder or otherwise mutates
// activePositions/executionQueue. Implementations must not block Stop().
type Advisor interface {
	Track(symbol, side string, entryPrice float64)
	Untrack(symbol string)
	Evaluate(symbol string, currentPrice float64) (advice, reason string)
}

// AdvisorSession mirrors the donor's TradeSession, minus the whale/order-book
// inputs (no depth feed in this domain stack) -- advice is derived purely
// from PnL and elapsed time, which is what survives of evaluateSession once
// whale/iceberg detection is out of scope.
type AdvisorSession struct {
	Symbol     string
	Side       string
	EntryPrice float64
	StartTime  time.Time
	LastAdvice string
	Reason     string
	PnLPercent float64
}

// CoPilotAdvisor is the advisory-only hook grounded on co_pilot_service.go's
// evaluateSession. It is never wired to order placement.
type CoPilotAdvisor struct {
	mu       sync.Mutex
	sessions map[string]*AdvisorSession
}

func NewCoPilotAdvisor() *CoPilotAdvisor {
	return &CoPilotAdvisor{sessions: make(map[string]*AdvisorSession)}
}

func (cp *CoPilotAdvisor) Track(symbol, side string, entryPrice float64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.sessions[symbol] = &AdvisorSession{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		StartTime:  time.Now(),
		LastAdvice: AdviceNeutral,
		Reason:     "Initializing advisory session...",
	}
}

func (cp *CoPilotAdvisor) Untrack(symbol string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	delete(cp.sessions, symbol)
}

// Evaluate reproduces the donor's PnL-threshold ladder (fee-saver, trailing
// lock, hard stop/target) without the whale-hysteresis and trend-flip legs,
// which depended on depth/trade-stream inputs this domain stack doesn't have.
func (cp *CoPilotAdvisor) Evaluate(symbol string, currentPrice float64) (string, string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	s, ok := cp.sessions[symbol]
	if !ok || s.EntryPrice == 0 {
		return AdviceNeutral, "no active session"
	}

	var pnl float64
	if s.Side == "LONG" {
		pnl = (currentPrice - s.EntryPrice) / s.EntryPrice * 100
	} else {
		pnl = (s.EntryPrice - currentPrice) / s.EntryPrice * 100
	}
	s.PnLPercent = pnl

	advice, reason := cp.ladder(s, pnl)
	s.LastAdvice = advice
	s.Reason = reason
	return advice, reason
}

func (cp *CoPilotAdvisor) ladder(s *AdvisorSession, pnl float64) (string, string) {
	if time.Since(s.StartTime).Seconds() < 60 && pnl > 0.1 {
		return AdviceWarning, "price escaping, limit update recommended"
	}
	if pnl > 0.5 {
		return AdviceTrim, "target reached (+0.5%)"
	}
	if pnl > 0.2 {
		return AdviceTrim, "lock profit: move stop to entry"
	}
	if pnl < -0.5 {
		return AdviceExit, "stop hit (-0.5%)"
	}
	return AdviceNeutral, "market ranging, volume balanced"
}
