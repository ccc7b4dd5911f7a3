// internal/provider/sources.go
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// StreamEvent is one transaction notification for a subscribed address.
type StreamEvent struct {
	Signature string
	Slot      uint64
	Failed    bool
}

// StreamSubscription delivers notifications until closed or broken.
type StreamSubscription interface {
	// Next blocks until a notification arrives, the stream fails or ctx ends.
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// StreamSource opens live subscriptions. Subscribe returns once the
// provider has acknowledged the subscription.
type StreamSource interface {
	Subscribe(ctx context.Context, address string) (StreamSubscription, error)
}

// SignatureInfo is one entry of an address history page, newest first.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// HistoryQuery pages backwards from Before (exclusive) down to Until (exclusive).
type HistoryQuery struct {
	Before string
	Until  string
	Limit  int
}

type HistorySource interface {
	Signatures(ctx context.Context, address string, q HistoryQuery) ([]SignatureInfo, error)
}

type NativeTransfer struct {
	From     string
	To       string
	Lamports int64
}

type TokenTransfer struct {
	From   string
	To     string
	Mint   string
	Amount decimal.Decimal
}

// ParsedTx is a transaction decoded into transfers.
type ParsedTx struct {
	Signature       string
	Slot            uint64
	Timestamp       time.Time
	FeePayer        string
	Failed          bool
	NativeTransfers []NativeTransfer
	TokenTransfers  []TokenTransfer
}

type TxParser interface {
	ParseTransactions(ctx context.Context, signatures []string) ([]ParsedTx, error)
}

// Quote is a priced swap route. Amounts are base units; Raw is passed back to BuildSwap.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	SlippageBps    int
	PriceImpactPct float64
	Raw            json.RawMessage
}

type SwapSource interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error)
	// BuildSwap returns the unsigned transaction executing quote for userPublicKey.
	BuildSwap(ctx context.Context, quote *Quote, userPublicKey string) (*solana.Transaction, error)
}

type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	}
	return "pending"
}

// Submitter sends signed transactions and reports their on-chain status.
type Submitter interface {
	Submit(ctx context.Context, signedTx []byte) (string, error)
	Status(ctx context.Context, txID string) (TxStatus, error)
}

type DecimalsSource interface {
	TokenDecimals(ctx context.Context, mint string) (uint8, error)
}

type RiskFlag struct {
	Name        string
	Level       string
	Description string
}

// SafetyReport holds a 0..100 score where higher is safer. Holder
// concentrations are fractions of the supply left after the largest
// (liquidity) holder. BuyTaxPct is negative when unknown.
type SafetyReport struct {
	Score              float64
	Flags              []RiskFlag
	MintAuthority      bool
	FreezeAuthority    bool
	MutableTransferFee bool
	BuyTaxPct          float64
	MaxHolderShare     float64
	TopHoldersShare    float64
	Rugged             bool
	CreatedAt          time.Time
}

type SafetySource interface {
	Report(ctx context.Context, mint string) (*SafetyReport, error)
}

// MarketData prices are in USD except PriceSOL, which is zero when the source has no SOL quote.
type MarketData struct {
	PriceUSD      float64
	PriceSOL      decimal.Decimal
	LiquidityUSD  float64
	FDVUSD        float64
	PairCreatedAt time.Time
	Source        string
}

// ErrNoMarket reports that a source knows no trading pair for the token.
var ErrNoMarket = errors.New("no market for token")

type MarketSource interface {
	MarketData(ctx context.Context, mint string) (*MarketData, error)
}
