package marketcache

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSStreamer dials the exchange's combined-stream websocket endpoint, one
// connection per symbol, reconnecting with a fixed backoff on error/close --
// ported from predator_engine.go's PredatorWorker reconnect loop and hub.go's
// heartbeat handling.
type WSStreamer struct {
	BaseURL        string // e.g. "wss://fstream.binance.com/ws"
	ReconnectDelay time.Duration
}

func NewWSStreamer(baseURL string, reconnectDelay time.Duration) *WSStreamer {
	return &WSStreamer{BaseURL: baseURL, ReconnectDelay: reconnectDelay}
}

type markPriceMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	EventTime int64  `json:"E"`
}

func (w *WSStreamer) Subscribe(ctx context.Context, symbol string, onPrice func(price float64, ts int64)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runLoop(subCtx, symbol, onPrice)
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (w *WSStreamer) runLoop(ctx context.Context, symbol string, onPrice func(float64, int64)) {
	stream := strings.ToLower(symbol) + "@markPrice@1s"
	url := w.BaseURL + "/" + stream

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connectOnce(ctx, url, symbol, onPrice); err != nil {
			log.Printf("marketcache: stream %s error: %v, reconnecting in %s", symbol, err, w.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.ReconnectDelay):
		}
	}
}

func (w *WSStreamer) connectOnce(ctx context.Context, url, symbol string, onPrice func(float64, int64)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	const pongWait = 60 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg markPriceMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			continue
		}
		onPrice(price, msg.EventTime)
	}
}
