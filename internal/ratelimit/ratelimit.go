// Package ratelimit implements C1, the Rate-Limited Request Manager: every
// outbound exchange call is serialized through a priority queue under a
// sliding-window budget, with single-flight deduplication of identical
// in-flight requests and a shared backoff primitive for rate-limit cooldowns.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"apex-engine/internal/engerr"
)

// Priority orders pending requests: HIGH > NORMAL > LOW, FIFO within a tier.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Do is the exchange call a request wraps: must be deterministic-enough that
// joining a single-flight call and sharing its result is safe.
type Do func(ctx context.Context) (interface{}, error)

type request struct {
	key      string
	priority Priority
	do       Do
	result   chan result
	enqueuedAt time.Time
}

type result struct {
	val interface{}
	err error
}

// Config tunes the window and dispatch cadence.
type Config struct {
	WindowCap  int           // default 100
	WindowMs   int64         // default 10_000
	TickMs     int           // dispatch tick, default 50ms
	BackoffMin time.Duration // default 1s
	BackoffMax time.Duration // default 60s
}

func DefaultConfig() Config {
	return Config{
		WindowCap:  100,
		WindowMs:   10_000,
		TickMs:     50,
		BackoffMin: time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Manager is C1. Zero value is not usable; use New.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	window   *list.List // of time.Time, admitted-request timestamps, ascending
	queue    []*request // pending, kept sorted by priority/enqueue order on insert
	inFlight map[string][]*request

	backoff    *backoff.Backoff
	backingOff bool
	backoffUntil time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		window:   list.New(),
		inFlight: make(map[string][]*request),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Stop halts the dispatch loop. In-flight calls are allowed to finish; their
// results are simply never collected by a future Submit.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

// Submit enqueues req under key/priority and blocks until dispatched and
// completed, or ctx is cancelled. Identical in-flight keys are coalesced
// (single-flight): joiners receive the same result as the original caller.
func (m *Manager) Submit(ctx context.Context, key string, priority Priority, do Do) (interface{}, error) {
	m.mu.Lock()
	if joiners, ok := m.inFlight[key]; ok {
		r := &request{key: key, priority: priority, result: make(chan result, 1)}
		m.inFlight[key] = append(joiners, r)
		m.mu.Unlock()
		select {
		case res := <-r.result:
			return res.val, res.err
		case <-ctx.Done():
			return nil, engerr.Timedout("context cancelled waiting for single-flight result")
		}
	}

	r := &request{key: key, priority: priority, do: do, result: make(chan result, 1), enqueuedAt: time.Now()}
	m.inFlight[key] = []*request{r}
	m.insertLocked(r)
	m.mu.Unlock()

	select {
	case res := <-r.result:
		return res.val, res.err
	case <-ctx.Done():
		return nil, engerr.Timedout("context cancelled waiting for dispatch")
	}
}

// insertLocked inserts r keeping m.queue ordered priority DESC, FIFO within
// a priority tier. Caller holds m.mu.
func (m *Manager) insertLocked(r *request) {
	idx := len(m.queue)
	for i, q := range m.queue {
		if q.priority < r.priority {
			idx = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = r
}

func (m *Manager) dispatchLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(time.Duration(m.cfg.TickMs) * time.Millisecond)
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
	m.mu.Lock()
	now := time.Now()

	m.ageOutLocked(now)

	if m.backingOff && now.Before(m.backoffUntil) {
		m.mu.Unlock()
		return
	}
	m.backingOff = false

	var admitted []*request
	for len(m.queue) > 0 && m.window.Len() < m.cfg.WindowCap {
		r := m.queue[0]
		m.queue = m.queue[1:]
		m.window.PushBack(now)
		admitted = append(admitted, r)
	}
	m.mu.Unlock()

	for _, r := range admitted {
		go m.execute(r)
	}
}

// ageOutLocked removes window entries older than WindowMs. Caller holds m.mu.
func (m *Manager) ageOutLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(m.cfg.WindowMs) * time.Millisecond)
	for e := m.window.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			m.window.Remove(e)
		}
		e = next
	}
}

func (m *Manager) execute(r *request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	val, err := r.do(ctx)

	if err != nil && engerr.Is(err, engerr.RateLimited) {
		m.mu.Lock()
		m.backingOff = true
		m.backoffUntil = time.Now().Add(m.backoff.Duration())
		m.mu.Unlock()
	} else if err == nil {
		m.backoff.Reset()
	}

	m.mu.Lock()
	joiners := m.inFlight[r.key]
	delete(m.inFlight, r.key)
	m.mu.Unlock()

	res := result{val: val, err: err}
	for _, j := range joiners {
		j.result <- res
	}
}

// State is the §4.1 observable snapshot.
type State struct {
	CurrentRequests    int
	RemainingRequests  int
	WindowMs           int64
	OldestRequestAgeMs int64
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ageOutLocked(time.Now())

	var oldestAge int64
	if front := m.window.Front(); front != nil {
		oldestAge = time.Since(front.Value.(time.Time)).Milliseconds()
	}

	current := m.window.Len()
	remaining := m.cfg.WindowCap - current
	if remaining < 0 {
		remaining = 0
	}

	return State{
		CurrentRequests:    current,
		RemainingRequests:  remaining,
		WindowMs:           m.cfg.WindowMs,
		OldestRequestAgeMs: oldestAge,
	}
}
