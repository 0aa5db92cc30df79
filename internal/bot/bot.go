// Package bot implements C7, the Trading Bot orchestrator: the periodic scan
// cycle, the execution queue, the active-position map and the
// SignalInProcess stage machine that ties C3–C6 together. Grounded on the
// donor's main.go Analyzer scan-and-dispatch structure.
package bot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"apex-engine/internal/config"
	"apex-engine/internal/engerr"
	"apex-engine/internal/exchange"
	"apex-engine/internal/marketcache"
	"apex-engine/internal/ratelimit"
	"apex-engine/internal/risk"
	"apex-engine/internal/signal"
	"apex-engine/internal/store"
	"apex-engine/internal/symbols"
	"apex-engine/internal/workerpool"
)

// Stage is §3's SignalInProcess stage machine.
type Stage string

const (
	StageAnalyzing Stage = "analyzing"
	StageEvaluating Stage = "evaluating"
	StageDecided   Stage = "decided"
	StageQueued    Stage = "queued"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageRejected  Stage = "rejected"
)

// SignalInProcess is owned by the Bot, keyed by UUID, erased on terminal state.
type SignalInProcess struct {
	ID     string
	Symbol string
	Stage  Stage
	Reason string
}

// Position is §3's Position record.
type Position struct {
	Symbol        string
	Side          string // LONG | SHORT
	EntryPrice    float64
	Quantity      float64
	UnrealizedPnL float64
	OrderID       int64
}

// QueueStatus is TradeInQueue.status.
type QueueStatus string

const (
	Queued     QueueStatus = "queued"
	Processing QueueStatus = "processing"
	Executed   QueueStatus = "executed"
	Failed     QueueStatus = "failed"
)

// TradeInQueue is §3's execution-queue entry.
type TradeInQueue struct {
	ID             string
	Symbol         string
	Side           string // BUY | SELL
	Quantity       float64
	EstimatedPrice float64
	Priority       float64
	QueuedAt       time.Time
	Status         QueueStatus
	SignalID       string
}

// EventKind is one of §6's internal events the orchestrator emits.
type EventKind int

const (
	EvSignal EventKind = iota
	EvTradeExecuted
	EvPositionClosed
	EvProcessUpdate
	EvActivityEvent
	EvCircuitBreakerOpened
	EvEmergencyStop
	EvDailyLimitExceeded
)

type Event struct {
	Kind      EventKind
	Symbol    string
	Payload   interface{}
	Timestamp time.Time
}

// AccountUpdate is the push-stream payload §4.7 step 5 reacts to.
type AccountUpdate struct {
	Symbol      string
	PositionAmt float64
	EntryPrice  float64
	UnrealizedPnL float64
}

// Deps bundles C7's collaborators, injected by the composition root rather
// than lazily constructed, per §9's design note.
type Deps struct {
	C1        *ratelimit.Manager
	C2        *marketcache.Cache
	C3        *symbols.Registry
	Pool      *workerpool.Pool
	Risk      *risk.Manager
	Exchange  exchange.Caller
	Store     store.TradeStore
	Advisor   Advisor // optional, see copilot.go
}

// Bot is C7. activePositions and executionQueue are owned exclusively by the
// goroutine running run(); all mutation happens there, with push-stream
// account updates arriving on accountUpdates.
type Bot struct {
	deps Deps

	mu     sync.Mutex
	cfg    *config.BotConfig

	activePositions map[string]Position
	executionQueue  []TradeInQueue
	activeSignals   map[string]*SignalInProcess

	events chan Event

	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	accountUpdates chan AccountUpdate
}

func New(cfg *config.BotConfig, deps Deps) *Bot {
	return &Bot{
		deps:            deps,
		cfg:             cfg,
		activePositions: make(map[string]Position),
		activeSignals:   make(map[string]*SignalInProcess),
		events:          make(chan Event, 2048),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		accountUpdates:  make(chan AccountUpdate, 256),
	}
}

func (b *Bot) Events() <-chan Event { return b.events }

// PushAccountUpdate feeds an ACCOUNT_UPDATE event from the exchange push
// stream into the bot's serialized event-processing domain.
func (b *Bot) PushAccountUpdate(u AccountUpdate) {
	select {
	case b.accountUpdates <- u:
	default:
	}
}

// Start performs the §4.7 startup sequence then begins the scan loop. All
// mutation of activePositions/executionQueue happens on the single goroutine
// spawned here.
func (b *Bot) Start(ctx context.Context) error {
	positions, err := b.deps.Exchange.GetPositions(ctx)
	if err != nil {
		return engerr.FatalErr("cannot load starting positions", err)
	}

	b.mu.Lock()
	for _, p := range positions {
		side := "LONG"
		if p.PositionAmt < 0 {
			side = "SHORT"
		}
		b.activePositions[p.Symbol] = Position{
			Symbol:        p.Symbol,
			Side:          side,
			EntryPrice:    p.EntryPrice,
			Quantity:      p.PositionAmt,
			UnrealizedPnL: p.UnrealizedPnL,
		}
	}
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

// Stop is the single cancellation signal: marks the bot not-running and
// stops the scan loop. Per §8 invariant 6, no further tradeExecuted events
// are emitted after this returns.
func (b *Bot) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

func (b *Bot) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) run(ctx context.Context) {
	defer close(b.doneCh)

	scanInterval := time.Duration(b.snapshotCfg().ScanIntervalMs) * time.Millisecond
	scanTicker := time.NewTicker(scanInterval)
	defer scanTicker.Stop()

	advisorTicker := time.NewTicker(5 * time.Second)
	defer advisorTicker.Stop()

	poolEvents := b.deps.Pool.Events()

	for {
		select {
		case <-b.stopCh:
			return
		case <-scanTicker.C:
			b.scanCycle(ctx)
		case <-advisorTicker.C:
			b.runAdvisor(ctx)
		case ev := <-poolEvents:
			b.onPoolEvent(ev)
		case u := <-b.accountUpdates:
			b.onAccountUpdate(u)
		}
	}
}

func (b *Bot) snapshotCfg() config.BotConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.cfg
}

// UpdateConfig hot-swaps the bot's config; additive per §4.7.
func (b *Bot) UpdateConfig(cfg *config.BotConfig) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case b.events <- ev:
	default:
	}
}

// scanCycle is §4.7 step 2.
func (b *Bot) scanCycle(ctx context.Context) {
	cfg := b.snapshotCfg()

	b.mu.Lock()
	activeCount := len(b.activePositions)
	held := make(map[string]bool, len(b.activePositions))
	for s := range b.activePositions {
		held[s] = true
	}
	b.mu.Unlock()

	if activeCount >= cfg.MaxConcurrentTrades {
		return
	}

	popular := b.deps.C3.GetPopular(30)
	var scanSet []string
	for _, s := range popular {
		if !held[s] {
			scanSet = append(scanSet, s)
		}
	}
	if len(scanSet) == 0 {
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	batchSize := cfg.WorkerPool.BatchSize
	if batchSize <= 0 {
		batchSize = 3
	}

	g, _ := errgroup.WithContext(cycleCtx)
	for i := 0; i < len(scanSet); i += batchSize {
		end := i + batchSize
		if end > len(scanSet) {
			end = len(scanSet)
		}
		batch := scanSet[i:end]

		b.mu.Lock()
		for _, sym := range batch {
			sp := &SignalInProcess{ID: uuid.NewString(), Symbol: sym, Stage: StageAnalyzing}
			b.activeSignals[sp.ID] = sp
		}
		b.mu.Unlock()

		bi := batch
		g.Go(func() error {
			b.deps.Pool.Submit(bi, 0)
			return nil
		})

		// Spacer between batches, per §4.7 -- interruptible by Stop() rather
		// than a blocking time.Sleep, so shutdown isn't held up by a scan
		// cycle in progress.
		if end < len(scanSet) {
			spacer := time.NewTimer(200 * time.Millisecond)
			select {
			case <-b.stopCh:
				spacer.Stop()
				_ = g.Wait()
				return
			case <-spacer.C:
			}
		}
	}
	_ = g.Wait()
}

// onPoolEvent is §4.7 step 3: advance the matching SignalInProcess and admit
// qualifying signals into the execution queue.
func (b *Bot) onPoolEvent(ev workerpool.Event) {
	switch ev.Kind {
	case workerpool.SignalGenerated:
		b.onSignalGenerated(ev.Signal)
	case workerpool.CircuitBreakerOpened:
		b.emit(Event{Kind: EvCircuitBreakerOpened, Payload: ev})
	}
}

func (b *Bot) onSignalGenerated(sig signal.TradingSignal) {
	cfg := b.snapshotCfg()

	b.mu.Lock()
	var sp *SignalInProcess
	for _, s := range b.activeSignals {
		if s.Symbol == sig.Symbol && s.Stage == StageAnalyzing {
			sp = s
			break
		}
	}
	if sp == nil {
		sp = &SignalInProcess{ID: uuid.NewString(), Symbol: sig.Symbol, Stage: StageAnalyzing}
		b.activeSignals[sp.ID] = sp
	}
	sp.Stage = StageEvaluating
	b.mu.Unlock()
	b.emit(Event{Kind: EvSignal, Symbol: sig.Symbol, Payload: sig})

	b.mu.Lock()
	sp.Stage = StageDecided
	admit := sig.Action != signal.Hold && sig.Strength >= cfg.AdmitThreshold
	if !admit {
		sp.Stage = StageRejected
		if sig.Action == signal.Hold {
			sp.Reason = "signal is HOLD"
		} else {
			sp.Reason = "strength below admitThreshold"
		}
		delete(b.activeSignals, sp.ID)
		b.mu.Unlock()
		b.emit(Event{Kind: EvProcessUpdate, Symbol: sig.Symbol, Payload: *sp})
		return
	}

	side := "BUY"
	if sig.Action == signal.Sell {
		side = "SELL"
	}
	entry := TradeInQueue{
		ID:             uuid.NewString(),
		Symbol:         sig.Symbol,
		Side:           side,
		EstimatedPrice: sig.Indicators.Price,
		Priority:       sig.Strength,
		QueuedAt:       time.Now(),
		Status:         Queued,
		SignalID:       sp.ID,
	}
	b.insertQueueLocked(entry)
	sp.Stage = StageQueued
	b.mu.Unlock()

	b.emit(Event{Kind: EvProcessUpdate, Symbol: sig.Symbol, Payload: *sp})

	b.tryExecuteNext(context.Background())
}

// insertQueueLocked keeps executionQueue ordered by descending priority.
// Caller holds b.mu.
func (b *Bot) insertQueueLocked(t TradeInQueue) {
	idx := len(b.executionQueue)
	for i, q := range b.executionQueue {
		if q.Priority < t.Priority {
			idx = i
			break
		}
	}
	b.executionQueue = append(b.executionQueue, TradeInQueue{})
	copy(b.executionQueue[idx+1:], b.executionQueue[idx:])
	b.executionQueue[idx] = t
}

// tryExecuteNext is §4.7 step 4.
func (b *Bot) tryExecuteNext(ctx context.Context) {
	cfg := b.snapshotCfg()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	var idx = -1
	for i, t := range b.executionQueue {
		if t.Status != Queued {
			continue
		}
		if _, held := b.activePositions[t.Symbol]; held {
			continue
		}
		if len(b.activePositions) >= cfg.MaxConcurrentTrades {
			continue
		}
		idx = i
		break
	}
	if idx == -1 {
		b.mu.Unlock()
		return
	}
	entry := b.executionQueue[idx]
	b.executionQueue[idx].Status = Processing
	sp := b.activeSignals[entry.SignalID]
	if sp != nil {
		sp.Stage = StageExecuting
	}
	b.mu.Unlock()

	b.executeTrade(ctx, entry, sp)
}

func (b *Bot) executeTrade(ctx context.Context, entry TradeInQueue, sp *SignalInProcess) {
	cfg := b.snapshotCfg()

	positionSide := "LONG"
	if entry.Side == "SELL" {
		positionSide = "SHORT"
	}

	ticker, err := b.deps.C2.GetTicker(ctx, entry.Symbol, true)
	if err != nil {
		b.failEntry(entry, sp, "failed to fetch current price: "+err.Error())
		return
	}

	quantity := roundTo(cfg.DefaultPositionSize/ticker.Price, 3)

	// §8 invariant 7: validateTrade must gate the SAME (symbol, side, size,
	// entryPrice) that placeOrder is about to submit, not the stale
	// signal-time estimate.
	res := b.deps.Risk.ValidateTrade(ctx, entry.Symbol, positionSide, quantity, ticker.Price)
	if !res.Valid {
		reason := "risk rejected"
		if len(res.Errors) > 0 {
			reason = res.Errors[0]
		}
		b.failEntry(entry, sp, reason)
		return
	}

	sl := risk.StopLossPrice(ticker.Price, positionSide, cfg.StopLossPct)
	tp := risk.TakeProfitPrice(ticker.Price, positionSide, cfg.TakeProfitPct)

	orderReq := exchange.OrderRequest{
		Symbol:       entry.Symbol,
		Side:         entry.Side,
		PositionSide: positionSide,
		Type:         "MARKET",
		Quantity:     quantity,
		StopLoss:     sl,
		TakeProfit:   tp,
	}

	val, err := b.deps.C1.Submit(ctx, fmt.Sprintf("POST:order:%s:%s", entry.Symbol, entry.ID), ratelimit.High, func(ctx context.Context) (interface{}, error) {
		return b.deps.Exchange.PlaceOrder(ctx, orderReq)
	})
	if err != nil {
		b.failEntry(entry, sp, "order placement failed: "+err.Error())
		return
	}
	orderRes, _ := val.(exchange.OrderResult)

	if b.deps.Store != nil {
		_ = b.deps.Store.Save(store.TradeRecord{
			OrderID:         orderRes.OrderID,
			Symbol:          entry.Symbol,
			Side:            entry.Side,
			PositionSide:    positionSide,
			Type:            "MARKET",
			Status:          orderRes.Status,
			Quantity:        quantity,
			Price:           ticker.Price,
			StopLossPrice:   sl,
			TakeProfitPrice: tp,
		})
	}

	if !b.isRunning() {
		// §8 invariant 6: stop() happened mid-flight; don't emit tradeExecuted.
		return
	}

	b.mu.Lock()
	b.activePositions[entry.Symbol] = Position{
		Symbol:     entry.Symbol,
		Side:       positionSide,
		EntryPrice: ticker.Price,
		Quantity:   quantity,
		OrderID:    orderRes.OrderID,
	}
	b.removeFromQueueLocked(entry.ID)
	if sp != nil {
		sp.Stage = StageCompleted
		delete(b.activeSignals, sp.ID)
	}
	b.mu.Unlock()

	if b.deps.Advisor != nil {
		b.deps.Advisor.Track(entry.Symbol, positionSide, ticker.Price)
	}

	b.emit(Event{Kind: EvTradeExecuted, Symbol: entry.Symbol, Payload: orderRes})
}

func (b *Bot) failEntry(entry TradeInQueue, sp *SignalInProcess, reason string) {
	b.mu.Lock()
	b.removeFromQueueLocked(entry.ID)
	if sp != nil {
		sp.Stage = StageRejected
		sp.Reason = reason
		delete(b.activeSignals, sp.ID)
	}
	b.mu.Unlock()
	log.Printf("⚠️ trade rejected for %s: %s", entry.Symbol, reason)
	b.emit(Event{Kind: EvActivityEvent, Symbol: entry.Symbol, Payload: reason})
}

// removeFromQueueLocked drops the entry with id from the execution queue once
// it has reached a terminal state (executed/failed); the event carrying its
// final status has already been (or is about to be) emitted from a copy, so
// nothing downstream needs it to remain in the queue. Caller holds b.mu.
func (b *Bot) removeFromQueueLocked(id string) {
	out := b.executionQueue[:0]
	for _, q := range b.executionQueue {
		if q.ID != id {
			out = append(out, q)
		}
	}
	b.executionQueue = out
}

// onAccountUpdate is §4.7 step 5.
func (b *Bot) onAccountUpdate(u AccountUpdate) {
	b.mu.Lock()
	if u.PositionAmt == 0 {
		if _, ok := b.activePositions[u.Symbol]; ok {
			delete(b.activePositions, u.Symbol)
			b.mu.Unlock()
			if b.deps.Advisor != nil {
				b.deps.Advisor.Untrack(u.Symbol)
			}
			b.emit(Event{Kind: EvPositionClosed, Symbol: u.Symbol})
			return
		}
		b.mu.Unlock()
		return
	}

	if pos, ok := b.activePositions[u.Symbol]; ok {
		pos.Quantity = u.PositionAmt
		pos.UnrealizedPnL = u.UnrealizedPnL
		b.activePositions[u.Symbol] = pos
	}
	b.mu.Unlock()
}

// runAdvisor evaluates the optional CoPilotAdvisor against every open
// position's current cached price. The advisor is observe-only: it never
// reaches activePositions or executionQueue, only the output events.
func (b *Bot) runAdvisor(ctx context.Context) {
	if b.deps.Advisor == nil {
		return
	}
	for symbol := range b.ActivePositions() {
		t, err := b.deps.C2.GetTicker(ctx, symbol, true)
		if err != nil {
			continue
		}
		advice, reason := b.deps.Advisor.Evaluate(symbol, t.Price)
		b.emit(Event{Kind: EvActivityEvent, Symbol: symbol, Payload: advice + ": " + reason})
	}
}

// Snapshot accessors, used by tests and monitors.
func (b *Bot) ActivePositions() map[string]Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Position, len(b.activePositions))
	for k, v := range b.activePositions {
		out[k] = v
	}
	return out
}

func (b *Bot) ExecutionQueue() []TradeInQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TradeInQueue, len(b.executionQueue))
	copy(out, b.executionQueue)
	return out
}

func roundTo(v float64, decimals int) float64 {
	mult := 1.0
	for i := 0; i < decimals; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+0.5)) / mult
}
