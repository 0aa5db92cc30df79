// Package exchange wraps the go-binance/v2 futures client behind the four
// semantic calls §6 names, handling demo-mode quote-suffix rewriting the way
// the donor's NormalizeSymbol / execution pipeline does. Authentication and
// request signing are entirely delegated to the underlying client.
package exchange

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
)

// Candle is the internal OHLCV representation C2/C4 operate on.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker is the internal ticker representation C2 caches.
type Ticker struct {
	Symbol    string
	Price     float64
	LastUpdate int64
}

// SymbolInfo is the internal exchange-info representation C3 caches.
type SymbolInfo struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	Status         int // 1 == TRADING
	PricePrecision int
	QtyPrecision   int
	TickSize       float64
	StepSize       float64
}

// PositionInfo mirrors the exchange's position-risk payload.
type PositionInfo struct {
	Symbol        string
	PositionSide  string // LONG | SHORT
	EntryPrice    float64
	PositionAmt   float64
	UnrealizedPnL float64
	Leverage      int
}

// Balance mirrors one asset balance row.
type Balance struct {
	Asset     string
	Available float64
	Total     float64
}

// OrderRequest is the normalized order-placement payload from §6. StopLoss
// and TakeProfit, when set on an entry order, trigger follow-up protective
// orders (see placeProtectionOrders).
type OrderRequest struct {
	Symbol       string
	Side         string // BUY | SELL
	PositionSide string // LONG | SHORT
	Type         string // MARKET | LIMIT | STOP | STOP_MARKET | TAKE_PROFIT_MARKET
	Quantity     float64
	Price        float64
	StopPrice    float64
	TimeInForce  string
	StopLoss     float64
	TakeProfit   float64
}

// OrderResult is what placeOrder returns on success.
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Status      string
	ExecutedQty float64
	AvgPrice    float64
}

// Caller is the interface C1 dispatches through; *Client implements it
// against the real exchange, tests implement it against fixtures.
type Caller interface {
	GetSymbols(ctx context.Context) ([]SymbolInfo, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetBalance(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context, listenKey string) error
	CloseUserStream(ctx context.Context, listenKey string) error
}

// Client adapts *futures.Client to Caller. DemoMode, when true, rewrites the
// quote suffix on the wire (e.g. "-USDT" -> "-VST") and reverses it on the
// way back, the way the donor's demo/paper-trading path does.
type Client struct {
	futures *futures.Client
	DemoMode bool
	demoQuote string
	realQuote string
}

func New(fc *futures.Client) *Client {
	return &Client{futures: fc, realQuote: "USDT", demoQuote: "VST"}
}

// NormalizeSymbol uppercases, strips separators and appends the default
// quote suffix if absent -- ported from trend_analyzer.go's NormalizeSymbol.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "", "_", "", "/", "", " ", "").Replace(s)
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}

func (c *Client) toWire(symbol string) string {
	if !c.DemoMode {
		return symbol
	}
	return strings.Replace(symbol, c.realQuote, c.demoQuote, 1)
}

func (c *Client) fromWire(symbol string) string {
	if !c.DemoMode {
		return symbol
	}
	return strings.Replace(symbol, c.demoQuote, c.realQuote, 1)
}

func (c *Client) GetSymbols(ctx context.Context) ([]SymbolInfo, error) {
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		status := 0
		if s.Status == "TRADING" {
			status = 1
		}
		tickSize, stepSize := 0.0, 0.0
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				tickSize, _ = strconv.ParseFloat(fmt1(f["tickSize"]), 64)
			case "LOT_SIZE":
				stepSize, _ = strconv.ParseFloat(fmt1(f["stepSize"]), 64)
			}
		}
		out = append(out, SymbolInfo{
			Symbol:         c.fromWire(s.Symbol),
			BaseAsset:      s.BaseAsset,
			QuoteAsset:     s.QuoteAsset,
			Status:         status,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
			TickSize:       tickSize,
			StepSize:       stepSize,
		})
	}
	return out, nil
}

func fmt1(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	wire := c.toWire(symbol)
	prices, err := c.futures.NewListPricesService().Symbol(wire).Do(ctx)
	if err != nil {
		return Ticker{}, err
	}
	if len(prices) == 0 {
		return Ticker{}, err
	}
	price, _ := strconv.ParseFloat(prices[0].Price, 64)
	return Ticker{Symbol: symbol, Price: price}, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	wire := c.toWire(symbol)
	kl, err := c.futures.NewKlinesService().Symbol(wire).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(kl))
	for _, k := range kl {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		cl, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, Candle{
			Timestamp: k.OpenTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cl,
			Volume:    vol,
		})
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PositionInfo, 0, len(risks))
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, PositionInfo{
			Symbol:        c.fromWire(r.Symbol),
			PositionSide:  string(r.PositionSide),
			EntryPrice:    entry,
			PositionAmt:   amt,
			UnrealizedPnL: pnl,
			Leverage:      lev,
		})
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context) ([]Balance, error) {
	bals, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(bals))
	for _, b := range bals {
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		total, _ := strconv.ParseFloat(b.Balance, 64)
		out = append(out, Balance{Asset: b.Asset, Available: avail, Total: total})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	svc := c.futures.NewCreateOrderService().
		Symbol(c.toWire(req.Symbol)).
		Side(futures.SideType(req.Side)).
		PositionSide(futures.PositionSideType(req.PositionSide)).
		Type(futures.OrderType(req.Type))

	if req.Quantity > 0 {
		svc = svc.Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	}
	if req.Price > 0 {
		svc = svc.Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	res := OrderResult{
		OrderID:     order.OrderID,
		Symbol:      c.fromWire(order.Symbol),
		Status:      string(order.Status),
		ExecutedQty: executedQty,
		AvgPrice:    avgPrice,
	}

	if req.StopLoss > 0 || req.TakeProfit > 0 {
		c.placeProtectionOrders(ctx, req)
	}

	return res, nil
}

// placeProtectionOrders submits the reduce-only STOP / TAKE_PROFIT_MARKET
// close orders behind an entry fill, ported from the donor's
// placeProtectionOrders. The entry is already filled by the time this runs,
// so a failure here is logged rather than returned: there is nothing left to
// roll back.
func (c *Client) placeProtectionOrders(ctx context.Context, req OrderRequest) {
	closeSide := futures.SideTypeSell
	if req.Side == "SELL" {
		closeSide = futures.SideTypeBuy
	}
	qty := strconv.FormatFloat(req.Quantity, 'f', -1, 64)

	if req.StopLoss > 0 {
		limitPrice := req.StopLoss * 0.995
		if closeSide == futures.SideTypeBuy {
			limitPrice = req.StopLoss * 1.005
		}
		_, err := c.futures.NewCreateOrderService().
			Symbol(c.toWire(req.Symbol)).
			Side(closeSide).
			Type(futures.OrderType("STOP")).
			StopPrice(strconv.FormatFloat(req.StopLoss, 'f', -1, 64)).
			Price(strconv.FormatFloat(limitPrice, 'f', -1, 64)).
			Quantity(qty).
			ReduceOnly(true).
			WorkingType(futures.WorkingTypeMarkPrice).
			Do(ctx)
		if err != nil {
			log.Printf("exchange: failed to place stop loss for %s: %v", req.Symbol, err)
		}
	}

	if req.TakeProfit > 0 {
		_, err := c.futures.NewCreateOrderService().
			Symbol(c.toWire(req.Symbol)).
			Side(closeSide).
			Type(futures.OrderType("TAKE_PROFIT_MARKET")).
			StopPrice(strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true).
			Quantity(qty).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			log.Printf("exchange: failed to place take profit for %s: %v", req.Symbol, err)
		}
	}
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.futures.NewCancelOrderService().Symbol(c.toWire(symbol)).OrderID(orderID).Do(ctx)
	return err
}

func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	return c.futures.NewStartUserStreamService().Do(ctx)
}

func (c *Client) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	return c.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}

func (c *Client) CloseUserStream(ctx context.Context, listenKey string) error {
	return c.futures.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
}
