// Package marketcache implements C2, the Market-Data Cache: a TTL cache of
// ticker/kline data backed by C1 on miss, with push-stream subscriptions for
// hot symbols and significant-price-change events, grounded on the donor's
// hub.go (client registry + broadcast) and predator_engine.go (per-symbol
// reconnect-with-backoff worker loop).
package marketcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"apex-engine/internal/engerr"
	"apex-engine/internal/exchange"
	"apex-engine/internal/ratelimit"
)

// EventKind distinguishes the one internal event C2 emits.
type EventKind int

const (
	SignificantPriceChange EventKind = iota
)

type Event struct {
	Kind      EventKind
	Symbol    string
	Price     float64
	Timestamp int64
}

// Streamer is the push-stream dependency C2 subscribes hot symbols to. The
// real implementation dials a combined-stream websocket per symbol (see
// stream.go); tests inject a fake.
type Streamer interface {
	// Subscribe starts streaming ticker updates for symbol, invoking onPrice
	// for every update, until the returned cancel func is called or the
	// context is cancelled.
	Subscribe(ctx context.Context, symbol string, onPrice func(price float64, ts int64)) (cancel func(), err error)
}

type cachedEntry struct {
	symbol     string
	price      float64
	klines     []exchange.Candle
	lastUpdate time.Time
	lruElem    *list.Element
	unsubscribe func()
}

// Config tunes TTLs and cache size (§4.2, §6 cache.*).
type Config struct {
	TickerTTL            time.Duration
	KlineTTL             time.Duration
	MaxCacheSize         int
	PriceChangeThreshold float64
	ReconnectDelay       time.Duration
	SweepInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickerTTL:            5 * time.Second,
		KlineTTL:             30 * time.Second,
		MaxCacheSize:         500,
		PriceChangeThreshold: 0.001,
		ReconnectDelay:       5 * time.Second,
		SweepInterval:        30 * time.Second,
	}
}

// Cache is C2. All maps are owned by Cache and mutated only under mu.
type Cache struct {
	cfg      Config
	c1       *ratelimit.Manager
	exch     exchange.Caller
	streamer Streamer

	mu      sync.RWMutex
	tickers map[string]*cachedEntry
	klines  map[string]*cachedEntry
	lru     *list.List // of *cachedEntry (ticker entries only, per §4.2 eviction policy)

	events chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, c1 *ratelimit.Manager, exch exchange.Caller, streamer Streamer) *Cache {
	c := &Cache{
		cfg:      cfg,
		c1:       c1,
		exch:     exch,
		streamer: streamer,
		tickers:  make(map[string]*cachedEntry),
		klines:   make(map[string]*cachedEntry),
		lru:      list.New(),
		events:   make(chan Event, 256),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Events exposes significantPriceChange notifications for C7 to consume.
func (c *Cache) Events() <-chan Event { return c.events }

// Stop closes the sweeper and all active subscriptions.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.tickers {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
	}
}

// GetTicker returns the cached price for symbol if fresh, else fetches via
// C1 and populates the cache, subscribing the symbol to the push stream.
func (c *Cache) GetTicker(ctx context.Context, symbol string, useCache bool) (exchange.Ticker, error) {
	if useCache {
		c.mu.RLock()
		e, ok := c.tickers[symbol]
		fresh := ok && time.Since(e.lastUpdate) < c.cfg.TickerTTL
		var price float64
		if ok {
			price = e.price
		}
		c.mu.RUnlock()
		if fresh {
			return exchange.Ticker{Symbol: symbol, Price: price}, nil
		}
	}

	val, err := c.c1.Submit(ctx, "GET:ticker:"+symbol, ratelimit.Normal, func(ctx context.Context) (interface{}, error) {
		return c.exch.GetTicker(ctx, symbol)
	})
	if err != nil {
		return exchange.Ticker{}, err
	}
	t, ok := val.(exchange.Ticker)
	if !ok {
		return exchange.Ticker{}, engerr.DataBad("ticker response had unexpected shape")
	}

	c.storeTicker(symbol, t.Price, time.Now().UnixMilli())
	c.subscribe(symbol)
	return t, nil
}

// GetKlines returns cached klines for (symbol, interval) if fresh, else
// fetches via C1 and populates the cache.
func (c *Cache) GetKlines(ctx context.Context, symbol, interval string, limit int, useCache bool) ([]exchange.Candle, error) {
	key := symbol + ":" + interval

	if useCache {
		c.mu.RLock()
		e, ok := c.klines[key]
		fresh := ok && time.Since(e.lastUpdate) < c.cfg.KlineTTL
		var candles []exchange.Candle
		if ok {
			candles = e.klines
		}
		c.mu.RUnlock()
		if fresh && len(candles) >= limit {
			return candles, nil
		}
	}

	val, err := c.c1.Submit(ctx, "GET:klines:"+key, ratelimit.Normal, func(ctx context.Context) (interface{}, error) {
		return c.exch.GetKlines(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	candles, ok := val.([]exchange.Candle)
	if !ok {
		return nil, engerr.DataBad("klines response had unexpected shape")
	}

	c.mu.Lock()
	c.klines[key] = &cachedEntry{symbol: symbol, klines: candles, lastUpdate: time.Now()}
	c.mu.Unlock()

	return candles, nil
}

// storeTicker updates the cache and LRU, evicting the oldest entry if over
// capacity, and emits significantPriceChange when warranted.
func (c *Cache) storeTicker(symbol string, price float64, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.tickers[symbol]
	var prevPrice float64
	if existed {
		prevPrice = prev.price
		c.lru.MoveToBack(prev.lruElem)
		prev.price = price
		prev.lastUpdate = time.Now()
	} else {
		e := &cachedEntry{symbol: symbol, price: price, lastUpdate: time.Now()}
		e.lruElem = c.lru.PushBack(e)
		c.tickers[symbol] = e
		c.evictIfNeededLocked()
	}

	if existed && prevPrice > 0 {
		change := (price - prevPrice) / prevPrice
		if change < 0 {
			change = -change
		}
		if change > c.cfg.PriceChangeThreshold {
			select {
			case c.events <- Event{Kind: SignificantPriceChange, Symbol: symbol, Price: price, Timestamp: ts}:
			default:
			}
		}
	}
}

// evictIfNeededLocked drops the LRU-oldest ticker entry when over capacity.
// Caller holds c.mu.
func (c *Cache) evictIfNeededLocked() {
	for len(c.tickers) > c.cfg.MaxCacheSize {
		front := c.lru.Front()
		if front == nil {
			return
		}
		e := front.Value.(*cachedEntry)
		c.lru.Remove(front)
		delete(c.tickers, e.symbol)
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
	}
}

func (c *Cache) subscribe(symbol string) {
	if c.streamer == nil {
		return
	}
	c.mu.Lock()
	e, ok := c.tickers[symbol]
	if !ok || e.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	unsub, err := c.streamer.Subscribe(ctx, symbol, func(price float64, ts int64) {
		c.storeTicker(symbol, price, ts)
	})
	if err != nil {
		cancel()
		return
	}

	c.mu.Lock()
	if e, ok := c.tickers[symbol]; ok {
		e.unsubscribe = func() {
			unsub()
			cancel()
		}
	} else {
		unsub()
		cancel()
	}
	c.mu.Unlock()
}

// sweepLoop discards entries older than 2xTTL and releases their
// subscriptions, per §4.2.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := 2 * c.cfg.TickerTTL
	for symbol, e := range c.tickers {
		if time.Since(e.lastUpdate) > cutoff {
			c.lru.Remove(e.lruElem)
			delete(c.tickers, symbol)
			if e.unsubscribe != nil {
				e.unsubscribe()
			}
		}
	}

	klineCutoff := 2 * c.cfg.KlineTTL
	for key, e := range c.klines {
		if time.Since(e.lastUpdate) > klineCutoff {
			delete(c.klines, key)
		}
	}
}
