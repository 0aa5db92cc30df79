// Package symbols implements C3, the Symbol Registry: the authoritative list
// of tradable symbols with TTL refresh, fuzzy lookup with suggestions, and a
// popular-symbol seed list, grounded on the donor's NormalizeSymbol and
// validSymbols handling in trend_analyzer.go / main.go.
package symbols

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"apex-engine/internal/exchange"
	"apex-engine/internal/ratelimit"
)

// Info is the registry's per-symbol record.
type Info struct {
	Symbol      string
	Asset       string
	Status      int // 1 == active/trading
	DisplayName string
	PricePrecision int
	QtyPrecision   int
	TickSize       float64
	StepSize       float64
}

// LookupResult is what Validate/Normalize returns.
type LookupResult struct {
	IsValid         bool
	CanonicalSymbol string
	Suggestions     []string
}

// popularPriority is the static priority list getPopular prefers, ported
// from main.go's hardcoded "Big Three" + major-asset handling.
var popularPriority = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "TRXUSDT", "PEPEUSDT",
}

// Registry is C3. symbols is owned by Registry; refreshed only by refreshLoop
// or an explicit Refresh call.
type Registry struct {
	c1   *ratelimit.Manager
	exch exchange.Caller

	refreshInterval time.Duration

	mu      sync.RWMutex
	symbols map[string]Info

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(c1 *ratelimit.Manager, exch exchange.Caller, refreshInterval time.Duration) *Registry {
	r := &Registry{
		c1:              c1,
		exch:            exch,
		refreshInterval: refreshInterval,
		symbols:         make(map[string]Info),
		stopCh:          make(chan struct{}),
	}
	return r
}

// Start performs an initial synchronous refresh then begins the TTL loop.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.refreshLoop()
	return nil
}

func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			_ = r.Refresh(context.Background())
		}
	}
}

// Refresh pulls the authoritative symbol list via C1.
func (r *Registry) Refresh(ctx context.Context) error {
	val, err := r.c1.Submit(ctx, "GET:exchangeInfo", ratelimit.Low, func(ctx context.Context) (interface{}, error) {
		return r.exch.GetSymbols(ctx)
	})
	if err != nil {
		return err
	}
	list, ok := val.([]exchange.SymbolInfo)
	if !ok {
		return nil
	}

	next := make(map[string]Info, len(list))
	for _, s := range list {
		next[s.Symbol] = Info{
			Symbol:         s.Symbol,
			Asset:          s.BaseAsset,
			Status:         s.Status,
			DisplayName:    s.BaseAsset + "/" + s.QuoteAsset,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QtyPrecision,
			TickSize:       s.TickSize,
			StepSize:       s.StepSize,
		}
	}

	r.mu.Lock()
	r.symbols = next
	r.mu.Unlock()
	return nil
}

// Get returns the registry row for an already-canonical symbol.
func (r *Registry) Get(symbol string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.symbols[symbol]
	return info, ok
}

// Normalize uppercases, strips separators and appends the default quote
// suffix if absent.
func Normalize(raw string) string {
	return exchange.NormalizeSymbol(raw)
}

// Validate normalizes raw, checks it against the registry, and if invalid
// (or unknown) returns up to 5 ranked suggestions, per §4.3.
func (r *Registry) Validate(raw string) LookupResult {
	canonical := Normalize(raw)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.symbols[canonical]; ok && info.Status == 1 {
		return LookupResult{IsValid: true, CanonicalSymbol: canonical}
	}

	return LookupResult{
		IsValid:         false,
		CanonicalSymbol: canonical,
		Suggestions:     r.suggestLocked(canonical),
	}
}

// suggestLocked ranks candidates: exact match > same asset prefix > substring
// > shortest, capped at 5. Caller holds r.mu (read).
func (r *Registry) suggestLocked(canonical string) []string {
	asset := strings.TrimSuffix(canonical, "USDT")

	type scored struct {
		symbol string
		rank   int
	}
	var candidates []scored
	for sym, info := range r.symbols {
		if info.Status != 1 {
			continue
		}
		switch {
		case sym == canonical:
			candidates = append(candidates, scored{sym, 0})
		case strings.HasPrefix(sym, asset):
			candidates = append(candidates, scored{sym, 1})
		case strings.Contains(sym, asset):
			candidates = append(candidates, scored{sym, 2})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return len(candidates[i].symbol) < len(candidates[j].symbol)
	})

	out := make([]string, 0, 5)
	for _, c := range candidates {
		out = append(out, c.symbol)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// GetPopular returns up to k active symbols, preferring the static priority
// list before falling back to registry order.
func (r *Registry) GetPopular(k int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, k)
	seen := make(map[string]bool)

	for _, sym := range popularPriority {
		if len(out) == k {
			return out
		}
		if info, ok := r.symbols[sym]; ok && info.Status == 1 {
			out = append(out, sym)
			seen[sym] = true
		}
	}

	var rest []string
	for sym, info := range r.symbols {
		if info.Status == 1 && !seen[sym] {
			rest = append(rest, sym)
		}
	}
	sort.Strings(rest)
	for _, sym := range rest {
		if len(out) == k {
			break
		}
		out = append(out, sym)
	}
	return out
}
