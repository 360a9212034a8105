package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType enumerates the order shapes the exchange adapter accepts.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus is the lifecycle of a single Order row.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Order is the engine's record of a single exchange order, entry or exit.
// At most one Order per ClientOrderId ever reaches exchange-side
// acceptance (invariant I5); retries reuse the id instead of minting a
// new Order row.
type Order struct {
	Id              OrderId
	PositionId      PositionId
	ExchangeOrderId string
	ClientOrderId   ClientOrderId
	Symbol          Symbol
	Side            OrderSide
	OrderType       OrderType
	Qty             Quantity
	Price           *Price
	StopPrice       *Price
	Status          OrderStatus
	FilledQty       decimal.Decimal
	FillPrice       *Price
	FilledAt        *time.Time
	FeePaid         decimal.Decimal
	RetryCount      int
	LastError       string
	CreatedAt       time.Time
}

// IsTerminal reports whether the order cannot transition further.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}
