package symbols

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-engine/internal/exchange"
	"apex-engine/internal/ratelimit"
)

type fakeExchange struct {
	symbols []exchange.SymbolInfo
}

func (f *fakeExchange) GetSymbols(ctx context.Context) ([]exchange.SymbolInfo, error) {
	return f.symbols, nil
}
func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}
func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return nil, nil
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

func newTestRegistry(t *testing.T, syms []exchange.SymbolInfo) *Registry {
	rl := ratelimit.New(ratelimit.DefaultConfig())
	t.Cleanup(rl.Stop)
	reg := New(rl, &fakeExchange{symbols: syms}, time.Hour)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Stop)
	return reg
}

func activeSymbol(sym, asset string) exchange.SymbolInfo {
	return exchange.SymbolInfo{Symbol: sym, BaseAsset: asset, QuoteAsset: "USDT", Status: 1}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"btc", "BTC-USDT", "eth_usdt", " sol/usdt ", "DOGEUSDT"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "normalize(normalize(x)) == normalize(x) for %q", in)
	}
}

func TestValidateExactMatch(t *testing.T) {
	reg := newTestRegistry(t, []exchange.SymbolInfo{activeSymbol("BTCUSDT", "BTC")})
	res := reg.Validate("btc")
	assert.True(t, res.IsValid)
	assert.Equal(t, "BTCUSDT", res.CanonicalSymbol)
}

func TestValidateUnknownReturnsSuggestions(t *testing.T) {
	reg := newTestRegistry(t, []exchange.SymbolInfo{
		activeSymbol("BTCUSDT", "BTC"),
		activeSymbol("BTCDOMUSDT", "BTCDOM"),
	})
	res := reg.Validate("btcd")
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Suggestions, "BTCDOMUSDT")
	assert.LessOrEqual(t, len(res.Suggestions), 5)
}

func TestGetPopularPrefersStaticPriority(t *testing.T) {
	reg := newTestRegistry(t, []exchange.SymbolInfo{
		activeSymbol("ZZZUSDT", "ZZZ"),
		activeSymbol("BTCUSDT", "BTC"),
		activeSymbol("ETHUSDT", "ETH"),
	})
	popular := reg.GetPopular(2)
	require.Len(t, popular, 2)
	assert.Equal(t, "BTCUSDT", popular[0])
	assert.Equal(t, "ETHUSDT", popular[1])
}

func TestInactiveSymbolsExcludedFromPopular(t *testing.T) {
	inactive := activeSymbol("BTCUSDT", "BTC")
	inactive.Status = 0
	reg := newTestRegistry(t, []exchange.SymbolInfo{inactive, activeSymbol("ETHUSDT", "ETH")})
	popular := reg.GetPopular(5)
	assert.NotContains(t, popular, "BTCUSDT")
	assert.Contains(t, popular, "ETHUSDT")
}
