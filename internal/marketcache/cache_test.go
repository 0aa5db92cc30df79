package marketcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-engine/internal/exchange"
	"apex-engine/internal/ratelimit"
)

type fakeExchange struct {
	mu          sync.Mutex
	tickerCalls int
	price       float64
	klines      []exchange.Candle
}

func (f *fakeExchange) GetSymbols(ctx context.Context) ([]exchange.SymbolInfo, error) { return nil, nil }
func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	return exchange.Ticker{Symbol: symbol, Price: f.price}, nil
}
func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return f.klines, nil
}
func (f *fakeExchange) GetPositions(ctx context.Context) ([]exchange.PositionInfo, error) { return nil, nil }
func (f *fakeExchange) GetBalance(ctx context.Context) ([]exchange.Balance, error)         { return nil, nil }
func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error { return nil }
func (f *fakeExchange) StartUserStream(ctx context.Context) (string, error)                 { return "", nil }
func (f *fakeExchange) KeepAliveUserStream(ctx context.Context, listenKey string) error      { return nil }
func (f *fakeExchange) CloseUserStream(ctx context.Context, listenKey string) error          { return nil }

type noopStreamer struct{}

func (noopStreamer) Subscribe(ctx context.Context, symbol string, onPrice func(float64, int64)) (func(), error) {
	return func() {}, nil
}

func newTestCache(t *testing.T, fe *fakeExchange) (*Cache, *ratelimit.Manager) {
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.TickMs = 5
	rl := ratelimit.New(rlCfg)
	t.Cleanup(rl.Stop)

	cfg := DefaultConfig()
	cfg.TickerTTL = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	c := New(cfg, rl, fe, noopStreamer{})
	t.Cleanup(c.Stop)
	return c, rl
}

func TestGetTickerCachesWithinTTL(t *testing.T) {
	fe := &fakeExchange{price: 100}
	c, _ := newTestCache(t, fe)

	ticker, err := c.GetTicker(context.Background(), "BTCUSDT", true)
	require.NoError(t, err)
	assert.Equal(t, 100.0, ticker.Price)

	_, err = c.GetTicker(context.Background(), "BTCUSDT", true)
	require.NoError(t, err)

	fe.mu.Lock()
	calls := fe.tickerCalls
	fe.mu.Unlock()
	assert.Equal(t, 1, calls, "second call within TTL should be served from cache")
}

func TestGetTickerRefetchesAfterTTLExpires(t *testing.T) {
	fe := &fakeExchange{price: 100}
	c, _ := newTestCache(t, fe)

	_, err := c.GetTicker(context.Background(), "BTCUSDT", true)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	fe.mu.Lock()
	fe.price = 101
	fe.mu.Unlock()

	ticker, err := c.GetTicker(context.Background(), "BTCUSDT", true)
	require.NoError(t, err)
	assert.Equal(t, 101.0, ticker.Price)
}

func TestSignificantPriceChangeEmitted(t *testing.T) {
	fe := &fakeExchange{price: 100}
	c, _ := newTestCache(t, fe)

	_, err := c.GetTicker(context.Background(), "BTCUSDT", true)
	require.NoError(t, err)

	c.storeTicker("BTCUSDT", 100.5, time.Now().UnixMilli()) // +0.5%, above default 0.1% threshold

	select {
	case ev := <-c.Events():
		assert.Equal(t, SignificantPriceChange, ev.Kind)
		assert.Equal(t, "BTCUSDT", ev.Symbol)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a significantPriceChange event")
	}
}

func TestEvictionRespectsMaxCacheSize(t *testing.T) {
	fe := &fakeExchange{price: 100}
	c, _ := newTestCache(t, fe)
	c.cfg.MaxCacheSize = 2

	c.storeTicker("A", 1, 1)
	c.storeTicker("B", 2, 2)
	c.storeTicker("C", 3, 3)

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.LessOrEqual(t, len(c.tickers), 2)
	_, hasA := c.tickers["A"]
	assert.False(t, hasA, "oldest entry should have been evicted")
}
