// internal/monitor/holdings.go
package monitor

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// holdings tracks each hunter's observed net balance per token so sell
// signals can say what share of the holding was sold.
type holdings struct {
	mu      sync.Mutex
	balance map[string]decimal.Decimal
}

func newHoldings() *holdings {
	return &holdings{balance: make(map[string]decimal.Decimal)}
}

// apply updates the balance and sets sig.Fraction for sells. A sell of a
// holding we never saw counts as a full exit.
func (h *holdings) apply(sig *types.Signal) {
	key := sig.HunterAddress + "|" + sig.TokenMint

	h.mu.Lock()
	defer h.mu.Unlock()

	held := h.balance[key]
	switch sig.Action {
	case types.ActionBuy:
		h.balance[key] = held.Add(sig.Amount)
	case types.ActionSell:
		one := decimal.NewFromInt(1)
		if held.IsPositive() {
			sig.Fraction = decimal.Min(one, sig.Amount.Div(held))
		} else {
			sig.Fraction = one
		}
		rest := held.Sub(sig.Amount)
		if rest.IsPositive() {
			h.balance[key] = rest
		} else {
			delete(h.balance, key)
		}
	}
}
