package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-engine/internal/engerr"
	"apex-engine/internal/exchange"
	"apex-engine/internal/signal"
)

func fastConfig() Config {
	cfg := DefaultSequentialConfig()
	cfg.TickMs = 5
	cfg.TaskTimeout = time.Second
	cfg.DedupeWindow = 50 * time.Millisecond
	cfg.TaskExpiry = 5 * time.Second
	cfg.MaxRetries = 1
	cfg.BreakerThreshold = 3
	cfg.BreakerThresholdRL = 2
	cfg.BreakerOpenDuration = 60 * time.Millisecond
	cfg.BreakerOpenDurationRL = 60 * time.Millisecond
	cfg.RetryBackoffMin = time.Millisecond
	cfg.RetryBackoffMax = 10 * time.Millisecond
	return cfg
}

func flatCandles(n int) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		out[i] = exchange.Candle{Timestamp: int64(i * 60000), Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	return out
}

func drain(t *testing.T, p *Pool, want EventKind, timeout time.Duration) *Event {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == want {
				e := ev
				return &e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", want)
			return nil
		}
	}
}

func TestSubmitDeduplicatesWithinWindow(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		atomic.AddInt32(&calls, 1)
		return flatCandles(60), nil
	}
	p := New(fastConfig(), fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	p.Submit([]string{"BTCUSDT"}, 50)
	p.Submit([]string{"BTCUSDT"}, 50) // should be dropped as a duplicate

	drain(t, p, SignalGenerated, time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestRetryThenSucceed(t *testing.T) {
	var attempt int32
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return nil, engerr.Transient("boom", nil)
		}
		return flatCandles(60), nil
	}
	p := New(fastConfig(), fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	p.Submit([]string{"ETHUSDT"}, 50)
	ev := drain(t, p, SignalGenerated, 2*time.Second)
	require.NotNil(t, ev)
	assert.Equal(t, "ETHUSDT", ev.Task.Symbol)
	assert.GreaterOrEqual(t, ev.Task.Retries, 1)
}

func TestRetriesNeverExceedMaxRetries(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		return nil, engerr.Transient("always fails", nil)
	}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.BreakerThreshold = 100 // avoid tripping the breaker mid-test
	p := New(cfg, fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	p.Submit([]string{"SOLUSDT"}, 50)
	ev := drain(t, p, TaskFailed, 2*time.Second)
	require.NotNil(t, ev)
	assert.LessOrEqual(t, ev.Task.Retries, cfg.MaxRetries)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		return nil, engerr.Transient("always fails", nil)
	}
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 3
	cfg.DedupeWindow = 0
	p := New(cfg, fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.Submit([]string{"FAILUSDT"}, 50)
		drain(t, p, TaskFailed, time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	assert.True(t, p.BreakerOpen())
}

func TestCircuitBreakerClosesAfterOpenDuration(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		return nil, engerr.Transient("always fails", nil)
	}
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 1
	cfg.BreakerOpenDuration = 30 * time.Millisecond
	cfg.DedupeWindow = 0
	p := New(cfg, fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	p.Submit([]string{"FAILUSDT"}, 50)
	drain(t, p, CircuitBreakerOpened, time.Second)
	require.True(t, p.BreakerOpen())

	drain(t, p, CircuitBreakerClosed, time.Second)
	assert.False(t, p.BreakerOpen())
}

func TestRateLimitedFailuresUseStricterThreshold(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) ([]exchange.Candle, error) {
		return nil, engerr.RateLimit("429")
	}
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThresholdRL = 2
	cfg.BreakerThreshold = 100
	cfg.DedupeWindow = 0
	p := New(cfg, fetch, signal.DefaultParams, signal.NewGenerator(16))
	defer p.Stop()

	for i := 0; i < 2; i++ {
		p.Submit([]string{"RLUSDT"}, 50)
		drain(t, p, TaskFailed, time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, p.BreakerOpen())
}
