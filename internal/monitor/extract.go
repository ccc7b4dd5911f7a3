// internal/monitor/extract.go
package monitor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// ParseError describes a transaction that could not be turned into signals.
type ParseError struct {
	Signature string
	Reason    string
	Detail    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s: %s", e.Signature, e.Reason, e.Detail)
}

func (e *ParseError) Unwrap() error { return provider.ErrParse }

const (
	reasonMissingSignature = "missing_signature"
	reasonBadAddress       = "bad_address"
	reasonBadAmount        = "bad_amount"
)

func validAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// ExtractSignals turns one parsed transaction into the hunter's trades.
// The SOL side is the hunter's net native plus WSOL movement; every other
// non-quote mint with a net change in the opposite direction is a trade,
// and the SOL side is split between them in proportion to token amounts.
// Failed transactions and transactions without a SOL leg yield nothing.
func ExtractSignals(tx provider.ParsedTx, hunter string, source types.SignalSource, observedAt time.Time) ([]types.Signal, error) {
	if tx.Signature == "" {
		return nil, &ParseError{Reason: reasonMissingSignature, Detail: "empty signature"}
	}
	if tx.Failed {
		return nil, nil
	}
	fail := func(reason, format string, args ...any) error {
		return &ParseError{Signature: tx.Signature, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}

	solDelta := decimal.Zero
	for _, nt := range tx.NativeTransfers {
		if nt.Lamports < 0 {
			return nil, fail(reasonBadAmount, "negative lamports %d", nt.Lamports)
		}
		if nt.To == hunter {
			solDelta = solDelta.Add(types.LamportsToSOL(nt.Lamports))
		}
		if nt.From == hunter {
			solDelta = solDelta.Sub(types.LamportsToSOL(nt.Lamports))
		}
	}

	tokenDelta := make(map[string]decimal.Decimal)
	for _, tt := range tx.TokenTransfers {
		if tt.Amount.IsNegative() {
			return nil, fail(reasonBadAmount, "negative token amount %s", tt.Amount)
		}
		if tt.To != hunter && tt.From != hunter {
			continue
		}
		if tt.Mint == types.WSOLMint {
			if tt.To == hunter {
				solDelta = solDelta.Add(tt.Amount)
			}
			if tt.From == hunter {
				solDelta = solDelta.Sub(tt.Amount)
			}
			continue
		}
		if types.IsQuoteMint(tt.Mint) {
			continue
		}
		if !validAddress(tt.Mint) {
			return nil, fail(reasonBadAddress, "mint %q", tt.Mint)
		}
		d := tokenDelta[tt.Mint]
		if tt.To == hunter {
			d = d.Add(tt.Amount)
		}
		if tt.From == hunter {
			d = d.Sub(tt.Amount)
		}
		tokenDelta[tt.Mint] = d
	}

	var action types.Action
	switch solDelta.Sign() {
	case -1:
		action = types.ActionBuy
	case 1:
		action = types.ActionSell
	default:
		return nil, nil
	}

	mints := make([]string, 0, len(tokenDelta))
	total := decimal.Zero
	for mint, d := range tokenDelta {
		if (action == types.ActionBuy && d.IsPositive()) || (action == types.ActionSell && d.IsNegative()) {
			mints = append(mints, mint)
			total = total.Add(d.Abs())
		}
	}
	if len(mints) == 0 {
		return nil, nil
	}
	sort.Strings(mints)

	at := tx.Timestamp
	if at.IsZero() {
		at = observedAt
	}
	solAbs := solDelta.Abs()
	out := make([]types.Signal, 0, len(mints))
	for _, mint := range mints {
		amount := tokenDelta[mint].Abs()
		share := solAbs.Mul(amount).Div(total)
		out = append(out, types.Signal{
			HunterAddress: hunter,
			TokenMint:     mint,
			Action:        action,
			Amount:        amount,
			SOLAmount:     share,
			ObservedPrice: share.Div(amount),
			SourceTxID:    tx.Signature,
			ObservedAt:    at,
			Source:        source,
		})
	}
	return out, nil
}

func parseReason(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return "unknown"
}
