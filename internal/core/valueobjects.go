package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Symbol is a base/quote trading pair identifier, e.g. "BTC/USDT".
// Comparable and hashable by construction (it is a plain string type).
type Symbol string

// NewSymbol validates and normalizes a symbol string.
func NewSymbol(s string) (Symbol, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.Contains(s, "/") {
		return "", NewDomainError(KindInvalidNumeric, fmt.Sprintf("symbol %q must be BASE/QUOTE", s), nil)
	}
	parts := strings.SplitN(s, "/", 2)
	if parts[0] == "" || parts[1] == "" {
		return "", NewDomainError(KindInvalidNumeric, fmt.Sprintf("symbol %q has an empty leg", s), nil)
	}
	return Symbol(s), nil
}

func (s Symbol) String() string { return string(s) }

// Base returns the base asset of the pair.
func (s Symbol) Base() string { return strings.SplitN(string(s), "/", 2)[0] }

// Quote returns the quote asset of the pair.
func (s Symbol) Quote() string { return strings.SplitN(string(s), "/", 2)[1] }

// Side is the directional exposure of a Position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite is total over the two possible values.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// OrderSide is the exchange-facing direction of an Order, derived from a
// Position's Side and whether the order opens or closes the position.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySideFor returns the OrderSide that opens a position of the given Side.
func EntrySideFor(side Side) OrderSide {
	if side == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSideFor returns the OrderSide that closes a position of the given Side.
func ExitSideFor(side Side) OrderSide {
	return EntrySideFor(side.Opposite())
}

// Price is an arbitrary-precision, strictly positive, finite decimal price.
// Floating point never appears in price/qty/PnL math anywhere in the
// engine (spec §9).
type Price struct {
	v decimal.Decimal
}

// NewPrice validates and constructs a Price. Non-positive, NaN-like or
// unparsable inputs are rejected at construction so invalid prices cannot
// be represented in memory.
func NewPrice(v decimal.Decimal) (Price, error) {
	if v.Sign() <= 0 {
		return Price{}, NewDomainError(KindInvalidNumeric, fmt.Sprintf("price %s must be positive", v), nil)
	}
	return Price{v: v}, nil
}

// MustPrice panics on an invalid price. Besides test fixtures, Apply and the
// trailing-stop helpers call it on event payload values, including fill
// prices reported by the exchange.
func MustPrice(v decimal.Decimal) Price {
	p, err := NewPrice(v)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.v }
func (p Price) String() string           { return p.v.String() }
func (p Price) Add(d decimal.Decimal) Price {
	return Price{v: p.v.Add(d)}
}
func (p Price) Sub(d decimal.Decimal) Price {
	return Price{v: p.v.Sub(d)}
}
func (p Price) GreaterThan(o Price) bool  { return p.v.GreaterThan(o.v) }
func (p Price) LessThan(o Price) bool     { return p.v.LessThan(o.v) }
func (p Price) LessOrEqual(o Price) bool  { return p.v.LessThanOrEqual(o.v) }
func (p Price) GreaterOrEqual(o Price) bool {
	return p.v.GreaterThanOrEqual(o.v)
}

// MarshalJSON lets Price round-trip through event payloads and snapshots
// despite its unexported field.
func (p Price) MarshalJSON() ([]byte, error) { return json.Marshal(p.v) }

func (p *Price) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.v)
}

// RoundToTick rounds a price to the nearest multiple of tick, rounding
// toward the conservative side given by roundDown: when true the result
// never exceeds v (used when rounding a stop tighter against the position).
func RoundToTick(v decimal.Decimal, tick decimal.Decimal, roundDown bool) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	quotient := v.Div(tick)
	if roundDown {
		return quotient.Floor().Mul(tick)
	}
	return quotient.Ceil().Mul(tick)
}

// Quantity is an arbitrary-precision, strictly positive decimal quantity.
type Quantity struct {
	v decimal.Decimal
}

// NewQuantity validates and constructs a Quantity.
func NewQuantity(v decimal.Decimal) (Quantity, error) {
	if v.Sign() <= 0 {
		return Quantity{}, NewDomainError(KindInvalidNumeric, fmt.Sprintf("quantity %s must be positive", v), nil)
	}
	return Quantity{v: v}, nil
}

func (q Quantity) Decimal() decimal.Decimal { return q.v }
func (q Quantity) String() string           { return q.v.String() }
func (q Quantity) IsZero() bool             { return q.v.IsZero() }

// MarshalJSON lets Quantity round-trip through event payloads and
// snapshots despite its unexported field.
func (q Quantity) MarshalJSON() ([]byte, error) { return json.Marshal(q.v) }

func (q *Quantity) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &q.v)
}

// FloorToStep rounds qty down to the nearest multiple of step, the
// conservative direction required by invariant I2 (position sizing always
// rounds toward smaller quantity).
func FloorToStep(qty decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// PositionId, OrderId and IntentId are time-ordered unique identifiers
// (UUIDv7 strings, see pkg/idgen) so that chronological sort equals
// insertion order.
type (
	PositionId string
	OrderId    string
	IntentId   string
)

// ClientOrderId is the deterministic, exchange-facing idempotency key
// derived from an intent id plus a namespace distinguishing core-engine
// submissions from safety-net submissions.
type ClientOrderId string

const (
	NamespaceCore   = "core"
	NamespaceSafety = "safety"
)

// NewClientOrderId builds "<namespace>_<intentId>".
func NewClientOrderId(namespace string, intent IntentId) ClientOrderId {
	return ClientOrderId(fmt.Sprintf("%s_%s", namespace, intent))
}

// Namespace extracts the namespace prefix of a client order id.
func (c ClientOrderId) Namespace() string {
	parts := strings.SplitN(string(c), "_", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func (c ClientOrderId) String() string { return string(c) }
