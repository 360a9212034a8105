package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/core"
)

// SubscribeTicks opens a combined aggTrade stream for symbol and emits a
// normalized core.Tick per trade. A reconnect after a drop emits a
// GapMarker before the stream resumes, per spec §4.5: the engine must not
// assume it observed every tick across a disconnect.
func (e *Exchange) SubscribeTicks(ctx context.Context, symbol core.Symbol) (<-chan core.Tick, <-chan core.GapMarker, error) {
	ticks := make(chan core.Tick, 256)
	gaps := make(chan core.GapMarker, 4)

	streamName := fmt.Sprintf("%s@aggTrade", lowerSymbol(symbol))
	go e.runStream(ctx, streamName, func(reconnected bool) {
		if reconnected {
			select {
			case gaps <- core.GapMarker{Symbol: symbol, Reason: "websocket_reconnect"}:
			default:
			}
		}
	}, func(raw []byte) {
		var msg struct {
			Price string `json:"p"`
			Time  int64  `json:"T"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			e.Logger.Warn("failed to decode tick message", "error", err)
			return
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			e.Logger.Warn("failed to parse tick price", "raw", msg.Price, "error", err)
			return
		}
		tick := core.Tick{Symbol: symbol, Price: price, Timestamp: time.UnixMilli(msg.Time)}
		select {
		case ticks <- tick:
		default:
			e.Logger.Warn("tick channel full, dropping oldest is caller's responsibility", "symbol", symbol)
		}
	})

	return ticks, gaps, nil
}

// SubscribeFills opens the user-data stream and emits a normalized
// core.FillEvent per order update across every symbol the account trades.
func (e *Exchange) SubscribeFills(ctx context.Context) (<-chan core.FillEvent, <-chan core.GapMarker, error) {
	fills := make(chan core.FillEvent, 256)
	gaps := make(chan core.GapMarker, 4)

	listenKey, err := e.getListenKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain listen key: %w", err)
	}

	go e.runStream(ctx, listenKey, func(reconnected bool) {
		if reconnected {
			select {
			case gaps <- core.GapMarker{Symbol: "", Reason: "websocket_reconnect"}:
			default:
			}
		}
	}, func(raw []byte) {
		var env struct {
			EventType string `json:"e"`
			Order     struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				FilledQty     string `json:"z"`
				AvgPrice      string `json:"ap"`
				Commission    string `json:"n"`
				TradeTime     int64  `json:"T"`
			} `json:"o"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			e.Logger.Warn("failed to decode fill message", "error", err)
			return
		}
		if env.EventType != "ORDER_TRADE_UPDATE" {
			return
		}

		filledQty, _ := decimal.NewFromString(env.Order.FilledQty)
		avgPrice, _ := decimal.NewFromString(env.Order.AvgPrice)
		fee, _ := decimal.NewFromString(env.Order.Commission)

		fe := core.FillEvent{
			Symbol:          core.Symbol(env.Order.Symbol),
			ExchangeOrderId: fmt.Sprintf("%d", env.Order.OrderID),
			ClientOrderId:   core.ClientOrderId(env.Order.ClientOrderID),
			Status:          mapOrderStatus(env.Order.Status),
			FilledQty:       filledQty,
			AvgFillPrice:    avgPrice,
			Fee:             fee,
			Timestamp:       time.UnixMilli(env.Order.TradeTime),
		}
		select {
		case fills <- fe:
		default:
			e.Logger.Warn("fill channel full, dropping oldest is caller's responsibility")
		}
	})

	go e.keepAliveListenKey(ctx, listenKey)

	return fills, gaps, nil
}

func (e *Exchange) getListenKey(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/fapi/v1/listenKey", e.Config.BaseURL)
	body, err := e.Do(ctx, "POST", url, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

func (e *Exchange) keepAliveListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	url := fmt.Sprintf("%s/fapi/v1/listenKey", e.Config.BaseURL)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Do(ctx, "PUT", url, nil); err != nil {
				e.Logger.Warn("failed to refresh listen key", "error", err)
			}
		}
	}
}

// runStream maintains a reconnecting websocket connection, invoking
// onMessage for every text frame and onConnect(reconnected) after each
// successful dial (reconnected is false only on the very first connection).
func (e *Exchange) runStream(ctx context.Context, streamPath string, onConnect func(reconnected bool), onMessage func([]byte)) {
	url := fmt.Sprintf("%s/%s", e.Config.WSBaseURL, streamPath)
	backoff := time.Second
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			e.Logger.Warn("websocket dial failed, retrying", "url", url, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, 30*time.Second)
			continue
		}

		backoff = time.Second
		onConnect(!first)
		first = false

		e.Logger.Info("websocket connected", "url", url)
		readLoop(ctx, conn, onMessage)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		onMessage(msg)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func lowerSymbol(s core.Symbol) string {
	raw := s.Base() + s.Quote()
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out[i] = c
	}
	return string(out)
}
