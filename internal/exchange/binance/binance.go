// Package binance implements core.IExchangeAdapter for Binance USDT-M
// perpetual futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/exchange/base"
	"github.com/posedge/engine/pkg/apperrors"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	defaultWSURL   = "wss://fstream.binance.com/ws"
)

// Exchange implements core.IExchangeAdapter against Binance's REST and
// websocket APIs, signing every private request with an HMAC-SHA256
// signature over the query string (spec §6.2).
type Exchange struct {
	*base.Adapter
}

// New constructs a Binance exchange adapter. cfg.APIKey/cfg.SecretKey are
// the raw credential strings (the host reads these from files named in config, per
// §6.2's note on not embedding secrets in YAML).
func New(cfg base.Config, logger core.ILogger) *Exchange {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = defaultWSURL
	}
	e := &Exchange{Adapter: base.New("binance", cfg, logger)}
	e.SignRequest = e.sign
	e.ParseError = e.parseError
	return e
}

func (e *Exchange) sign(req *http.Request, body []byte) error {
	req.Header.Set("X-MBX-APIKEY", e.Config.APIKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", "5000")
	}

	mac := hmac.New(sha256.New, []byte(e.Config.SecretKey))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

// binanceError is Binance's standard {code, msg} error envelope.
type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Exchange) parseError(statusCode int, body []byte) error {
	var be binanceError
	if err := json.Unmarshal(body, &be); err != nil {
		return fmt.Errorf("binance error (status %d, unparsable body): %s", statusCode, string(body))
	}

	switch be.Code {
	case -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, be.Msg)
	case -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, be.Msg)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, be.Msg)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, be.Msg)
	case -2010, -2011, -2021:
		return fmt.Errorf("%w: %s", apperrors.ErrRejected, be.Msg)
	case -1021, -1022:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, be.Msg)
	}

	if statusCode >= 500 || statusCode == 429 || statusCode == 418 {
		return fmt.Errorf("%w: binance %d: %s", apperrors.ErrNetwork, be.Code, be.Msg)
	}
	return fmt.Errorf("%w: binance %d: %s", apperrors.ErrRejected, be.Code, be.Msg)
}

func binanceSymbol(s core.Symbol) string {
	return s.Base() + s.Quote()
}

func sideString(s core.OrderSide) string {
	if s == core.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// PlaceMarketOrder submits an immediate-or-cancel market order. clientOrderId
// is passed through verbatim as newClientOrderId: Binance itself rejects a
// duplicate client order id with code -2010, which parseError maps to
// apperrors.ErrDuplicateClientOrder-compatible apperrors.ErrRejected so the
// intent journal's caller can fall back to LookupOrder (spec I5).
func (e *Exchange) PlaceMarketOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, qty decimal.Decimal, clientOrderId core.ClientOrderId) (core.OrderAck, error) {
	url := fmt.Sprintf("%s/fapi/v1/order?symbol=%s&side=%s&type=MARKET&quantity=%s&newClientOrderId=%s",
		e.Config.BaseURL, binanceSymbol(symbol), sideString(side), qty.String(), string(clientOrderId))

	body, err := e.Do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return core.OrderAck{}, err
	}
	return parseOrderAck(body)
}

// PlaceStopLimit submits a STOP (stop-limit) order, used to rest the
// optional insurance stop on the exchange (spec §4.7.4).
func (e *Exchange) PlaceStopLimit(ctx context.Context, symbol core.Symbol, side core.OrderSide, qty decimal.Decimal, stopPrice, limitPrice decimal.Decimal, clientOrderId core.ClientOrderId) (core.OrderAck, error) {
	url := fmt.Sprintf("%s/fapi/v1/order?symbol=%s&side=%s&type=STOP&quantity=%s&stopPrice=%s&price=%s&timeInForce=GTC&newClientOrderId=%s",
		e.Config.BaseURL, binanceSymbol(symbol), sideString(side), qty.String(), stopPrice.String(), limitPrice.String(), string(clientOrderId))

	body, err := e.Do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return core.OrderAck{}, err
	}
	return parseOrderAck(body)
}

type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func parseOrderAck(body []byte) (core.OrderAck, error) {
	var ro rawOrder
	if err := json.Unmarshal(body, &ro); err != nil {
		return core.OrderAck{}, fmt.Errorf("failed to decode order ack: %w", err)
	}
	qty, _ := decimal.NewFromString(ro.OrigQty)
	return core.OrderAck{
		ExchangeOrderId: strconv.FormatInt(ro.OrderID, 10),
		AcceptedQty:     qty,
		Timestamp:       time.UnixMilli(ro.UpdateTime),
	}, nil
}

// CancelOrder cancels a resting order by its exchange id (used to pull the
// insurance stop once the local trailing stop fires first).
func (e *Exchange) CancelOrder(ctx context.Context, symbol core.Symbol, exchangeOrderId string) error {
	url := fmt.Sprintf("%s/fapi/v1/order?symbol=%s&orderId=%s", e.Config.BaseURL, binanceSymbol(symbol), exchangeOrderId)
	_, err := e.Do(ctx, http.MethodDelete, url, nil)
	if err != nil && errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil // already cancelled/filled: cancel is idempotent
	}
	return err
}

// LookupOrder resolves an order's current status by its client order id,
// the mechanism that replaces resubmission after an ambiguous failure
// (spec §4.7.5, property P4).
func (e *Exchange) LookupOrder(ctx context.Context, symbol core.Symbol, clientOrderId core.ClientOrderId) (*core.OrderStatusView, error) {
	url := fmt.Sprintf("%s/fapi/v1/order?symbol=%s&origClientOrderId=%s", e.Config.BaseURL, binanceSymbol(symbol), string(clientOrderId))
	body, err := e.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var ro rawOrder
	if err := json.Unmarshal(body, &ro); err != nil {
		return nil, fmt.Errorf("failed to decode order status: %w", err)
	}

	filledQty, _ := decimal.NewFromString(ro.ExecutedQty)
	avgPrice, _ := decimal.NewFromString(ro.AvgPrice)

	return &core.OrderStatusView{
		ExchangeOrderId: strconv.FormatInt(ro.OrderID, 10),
		ClientOrderId:   core.ClientOrderId(ro.ClientOrderID),
		Status:          mapOrderStatus(ro.Status),
		FilledQty:       filledQty,
		AvgFillPrice:    avgPrice,
	}, nil
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartial
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return core.OrderStatusCancelled
	case "REJECTED":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusPending
	}
}

// Positions returns the account's open futures positions (used by the
// reconciler and the safety-net monitor, spec §4.8/§4.9).
func (e *Exchange) Positions(ctx context.Context, accountId string) ([]core.ExchangePositionView, error) {
	url := fmt.Sprintf("%s/fapi/v2/positionRisk", e.Config.BaseURL)
	body, err := e.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	var out []core.ExchangePositionView
	for _, r := range raw {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		side := core.SideLong
		if amt.Sign() < 0 {
			side = core.SideShort
			amt = amt.Abs()
		}
		out = append(out, core.ExchangePositionView{
			Symbol:             core.Symbol(r.Symbol),
			Side:               side,
			Qty:                amt,
			EntryPrice:         entry,
			ExchangePositionId: r.Symbol + ":" + r.PositionSide,
		})
	}
	return out, nil
}

// Ping checks connectivity, used by the health monitor.
func (e *Exchange) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/fapi/v1/ping", e.Config.BaseURL)
	_, err := e.Do(ctx, http.MethodGet, url, nil)
	return err
}

var _ core.IExchangeAdapter = (*Exchange)(nil)
