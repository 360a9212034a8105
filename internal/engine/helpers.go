package engine

import (
	"encoding/json"

	"github.com/posedge/engine/internal/core"
)

// eventDataArmed builds the PositionArmed event payload from a freshly
// constructed Position (the fields NewPosition just computed).
func eventDataArmed(pos core.Position) ([]byte, error) {
	return json.Marshal(core.PositionArmedData{
		AccountId:           pos.AccountId,
		Symbol:              pos.Symbol,
		Side:                pos.Side,
		TechStopDistance:    pos.TechStopDistance,
		TechStopDistancePct: pos.TechStopDistancePct,
		Quantity:            pos.Quantity,
		InsuranceEnabled:    pos.InsuranceEnabled,
		InsuranceBuffer:     pos.InsuranceBuffer,
	})
}

// mustPriceOrZero returns *p, or the zero Price if p is nil. Used only for
// positions the state machine guarantees already carry a valid EntryPrice
// by the time an exit is requested (Active implies EntryPrice != nil).
func mustPriceOrZero(p *core.Price) core.Price {
	if p == nil {
		return core.Price{}
	}
	return *p
}
