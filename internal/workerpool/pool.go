// Package workerpool implements C5, the Signal Worker Pool: a priority+dedup
// task queue consumed by a fixed (or hot-swappable) pool of workers, with
// per-task timeout, retry/backoff and a rate-limit-sensitive circuit
// breaker, grounded on the donor's predator_engine.go per-symbol worker
// goroutines and its consecutive-loss-triggered lockdown.
package workerpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"apex-engine/internal/engerr"
	"apex-engine/internal/exchange"
	"apex-engine/internal/signal"
)

// Fetcher fetches candles for a task; the pool's only I/O dependency, bound
// to C1/C2 by the composition root.
type Fetcher func(ctx context.Context, symbol string) ([]exchange.Candle, error)

// Task is §3's SignalTask.
type Task struct {
	ID         string
	Symbol     string
	CreatedAt  time.Time
	Priority   int
	Retries    int
	MaxRetries int
}

// Config is §4.5's tunables, hot-swappable via Reconfigure.
type Config struct {
	MaxWorkers          int
	EnableParallel      bool
	TickMs              int
	TaskTimeout         time.Duration
	DedupeWindow        time.Duration
	TaskExpiry          time.Duration
	MaxRetries          int
	BreakerThreshold    int
	BreakerThresholdRL  int
	BreakerOpenDuration time.Duration
	BreakerOpenDurationRL time.Duration
	RetryBackoffMin     time.Duration
	RetryBackoffMax     time.Duration
}

func DefaultSequentialConfig() Config {
	return Config{
		MaxWorkers:            1,
		EnableParallel:        false,
		TickMs:                100,
		TaskTimeout:           20 * time.Second,
		DedupeWindow:          30 * time.Second,
		TaskExpiry:            45 * time.Second,
		MaxRetries:            2,
		BreakerThreshold:      10,
		BreakerThresholdRL:    5,
		BreakerOpenDuration:   5 * time.Minute,
		BreakerOpenDurationRL: 10 * time.Minute,
		RetryBackoffMin:       time.Second,
		RetryBackoffMax:       30 * time.Second,
	}
}

func DefaultParallelConfig() Config {
	cfg := DefaultSequentialConfig()
	cfg.MaxWorkers = 12
	cfg.EnableParallel = true
	cfg.TaskTimeout = 10 * time.Second
	cfg.DedupeWindow = 15 * time.Second
	return cfg
}

// Event kinds the pool emits, per §4.5/§6.
type EventKind int

const (
	SignalGenerated EventKind = iota
	TaskError
	TaskFailed
	CircuitBreakerOpened
	CircuitBreakerClosed
)

type Event struct {
	Kind      EventKind
	Task      Task
	Signal    signal.TradingSignal
	Err       error
	IsRateLim bool
	Timestamp time.Time
}

// Pool is C5.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	fetch  Fetcher
	params func() signal.Params
	gen    *signal.Generator

	queue      []*Task
	bySymbol   map[string]*Task

	consecutiveFailures   int
	breakerOpen           bool
	breakerOpenedAt       time.Time
	breakerRateLimited    bool

	retryBackoff *backoff.Backoff

	events chan Event

	runningWorkers int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New(cfg Config, fetch Fetcher, params func() signal.Params, gen *signal.Generator) *Pool {
	p := &Pool{
		cfg:      cfg,
		fetch:    fetch,
		params:   params,
		gen:      gen,
		bySymbol: make(map[string]*Task),
		retryBackoff: &backoff.Backoff{
			Min:    cfg.RetryBackoffMin,
			Max:    cfg.RetryBackoffMax,
			Factor: 2,
			Jitter: true,
		},
		events: make(chan Event, 1024),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.dispatchLoop()
	return p
}

func (p *Pool) Events() <-chan Event { return p.events }

// Stop tears down the dispatch loop; in-flight task goroutines are allowed to
// finish but their results are discarded (no further events emitted).
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Reconfigure hot-swaps the pool's tunables, including a parallel<->sequential
// mode switch, without dropping the queue.
func (p *Pool) Reconfigure(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Submit enqueues a task per symbol, deduplicated against an existing
// younger-than-dedupeWindow task for the same symbol.
func (p *Pool) Submit(symbols []string, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, sym := range symbols {
		if existing, ok := p.bySymbol[sym]; ok && now.Sub(existing.CreatedAt) < p.cfg.DedupeWindow {
			continue
		}
		t := &Task{
			ID:         uuid.NewString(),
			Symbol:     sym,
			CreatedAt:  now,
			Priority:   priority,
			MaxRetries: p.cfg.MaxRetries,
		}
		p.bySymbol[sym] = t
		p.insertLocked(t)
	}
}

// insertLocked keeps the queue ordered priority DESC, createdAt ASC. Caller
// holds p.mu.
func (p *Pool) insertLocked(t *Task) {
	p.queue = append(p.queue, t)
	sort.SliceStable(p.queue, func(i, j int) bool {
		if p.queue[i].Priority != p.queue[j].Priority {
			return p.queue[i].Priority > p.queue[j].Priority
		}
		return p.queue[i].CreatedAt.Before(p.queue[j].CreatedAt)
	})
}

// requeueHeadLocked re-inserts a retried task at the front of its priority
// tier (§4.5 "re-queued to the head"). Caller holds p.mu.
func (p *Pool) requeueHeadLocked(t *Task) {
	idx := len(p.queue)
	for i, q := range p.queue {
		if q.Priority <= t.Priority {
			idx = i
			break
		}
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[idx+1:], p.queue[idx:])
	p.queue[idx] = t
}

func (p *Pool) dispatchLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfgTick())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) cfgTick() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.TickMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(p.cfg.TickMs) * time.Millisecond
}

func (p *Pool) tick() {
	p.mu.Lock()

	// Age out expired tasks.
	now := time.Now()
	kept := p.queue[:0]
	for _, t := range p.queue {
		if now.Sub(t.CreatedAt) > p.cfg.TaskExpiry {
			delete(p.bySymbol, t.Symbol)
			continue
		}
		kept = append(kept, t)
	}
	p.queue = kept

	if p.breakerOpen {
		openDur := p.cfg.BreakerOpenDuration
		if p.breakerRateLimited {
			openDur = p.cfg.BreakerOpenDurationRL
		}
		if now.Sub(p.breakerOpenedAt) >= openDur {
			p.breakerOpen = false
			p.consecutiveFailures = 0
			p.mu.Unlock()
			p.emit(Event{Kind: CircuitBreakerClosed, Timestamp: now})
			p.mu.Lock()
		} else {
			p.mu.Unlock()
			return
		}
	}

	slots := 1
	if p.cfg.EnableParallel {
		slots = p.cfg.MaxWorkers - p.runningWorkers
	} else if p.runningWorkers > 0 {
		slots = 0
	}
	if slots <= 0 || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	if slots > len(p.queue) {
		slots = len(p.queue)
	}

	batch := p.queue[:slots]
	p.queue = p.queue[slots:]
	p.runningWorkers += len(batch)
	cfg := p.cfg
	p.mu.Unlock()

	go p.runBatch(batch, cfg)
}

func (p *Pool) runBatch(batch []*Task, cfg Config) {
	g, ctx := errgroup.WithContext(context.Background())
	for _, t := range batch {
		t := t
		g.Go(func() error {
			p.execute(ctx, t, cfg)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.runningWorkers -= len(batch)
	p.mu.Unlock()
}

func (p *Pool) execute(ctx context.Context, t *Task, cfg Config) {
	taskCtx, cancel := context.WithTimeout(ctx, cfg.TaskTimeout)
	defer cancel()

	candles, err := p.fetch(taskCtx, t.Symbol)
	if err != nil {
		p.onFailure(t, err)
		return
	}

	if len(candles) == 0 {
		p.onFailure(t, engerr.DataBad("no candles returned for "+t.Symbol))
		return
	}

	sig := p.gen.Generate(t.Symbol, candles, p.params())

	p.mu.Lock()
	delete(p.bySymbol, t.Symbol)
	p.consecutiveFailures = 0
	p.retryBackoff.Reset()
	p.mu.Unlock()

	p.emit(Event{Kind: SignalGenerated, Task: *t, Signal: sig, Timestamp: time.Now()})
}

func (p *Pool) onFailure(t *Task, err error) {
	p.emit(Event{Kind: TaskError, Task: *t, Err: err, Timestamp: time.Now()})

	isRateLimited := engerr.Is(err, engerr.RateLimited)

	p.mu.Lock()
	if t.Retries < t.MaxRetries {
		t.Retries++
		delay := p.retryBackoff.Duration()
		p.bySymbol[t.Symbol] = t
		p.mu.Unlock()
		p.scheduleRequeue(t, delay)
		return
	}

	delete(p.bySymbol, t.Symbol)
	p.consecutiveFailures++

	threshold := p.cfg.BreakerThreshold
	if isRateLimited {
		threshold = p.cfg.BreakerThresholdRL
	}

	opened := false
	if !p.breakerOpen && p.consecutiveFailures >= threshold {
		p.breakerOpen = true
		p.breakerOpenedAt = time.Now()
		p.breakerRateLimited = isRateLimited
		opened = true
	}
	p.mu.Unlock()

	p.emit(Event{Kind: TaskFailed, Task: *t, Err: err, Timestamp: time.Now()})

	if opened {
		p.emit(Event{Kind: CircuitBreakerOpened, Task: *t, IsRateLim: isRateLimited, Timestamp: time.Now()})
	}
}

// scheduleRequeue re-inserts t at the head of its priority tier after delay,
// drawn from the same jpillora/backoff primitive C1 uses for its rate-limit
// dispatch pause, rather than hammering a failing symbol immediately. A pool already stopped
// by the time the timer fires drops the requeue instead of reviving a dead
// dispatch loop.
func (p *Pool) scheduleRequeue(t *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.requeueHeadLocked(t)
	})
}

func (p *Pool) emit(ev Event) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
	}
}

// BreakerOpen reports the current breaker state, for monitors/tests.
func (p *Pool) BreakerOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breakerOpen
}

// QueueLen reports the current pending queue length.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
