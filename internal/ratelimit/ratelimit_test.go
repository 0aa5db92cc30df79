package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.TickMs = 5
	return cfg
}

func TestSingleFlightCoalescesIdenticalKeys(t *testing.T) {
	m := New(fastConfig())
	defer m.Stop()

	var calls int32
	do := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Submit(context.Background(), "GET:/klines:BTCUSDT", Normal, do)
			require.NoError(t, err)
			results[i] = v.(string)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "ok", r)
	}
}

func TestWindowCapIsRespected(t *testing.T) {
	cfg := fastConfig()
	cfg.WindowCap = 3
	cfg.WindowMs = 10_000
	m := New(cfg)
	defer m.Stop()

	var executed int32
	do := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&executed, 1)
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "GET:/x:" + string(rune('A'+i))
			_, _ = m.Submit(context.Background(), key, Normal, do)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	snap := m.Snapshot()
	assert.LessOrEqual(t, snap.CurrentRequests, cfg.WindowCap)

	wg.Wait()
}

func TestPriorityOrdering(t *testing.T) {
	cfg := fastConfig()
	cfg.WindowCap = 1
	m := New(cfg)
	defer m.Stop()

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	blocking := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}
	record := func(name string) Do {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Submit(context.Background(), "blocker", Normal, blocking)
	}()
	time.Sleep(15 * time.Millisecond) // let the blocker occupy the single window slot

	wg.Add(3)
	go func() { defer wg.Done(); _, _ = m.Submit(context.Background(), "low", Low, record("low")) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); _, _ = m.Submit(context.Background(), "high", High, record("high")) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); _, _ = m.Submit(context.Background(), "normal", Normal, record("normal")) }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, "high", order[0])
	assert.Equal(t, "normal", order[1])
	assert.Equal(t, "low", order[2])
}

func TestSnapshotAgesOutOldEntries(t *testing.T) {
	cfg := fastConfig()
	cfg.WindowMs = 20
	m := New(cfg)
	defer m.Stop()

	_, _ = m.Submit(context.Background(), "k1", Normal, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	time.Sleep(50 * time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.CurrentRequests)
}
