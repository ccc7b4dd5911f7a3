package types

import "github.com/shopspring/decimal"

const (
	WSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrajMmG9ZwzCznGg7K6JghDZjNXZQxG6ipRocNYB"

	LamportsPerSOL = 1_000_000_000

	// DefaultTokenDecimals is assumed when the mint's decimals cannot be fetched.
	DefaultTokenDecimals uint8 = 6
)

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// IsQuoteMint reports whether mint is SOL or a stablecoin, never a traded token.
func IsQuoteMint(mint string) bool {
	switch mint {
	case WSOLMint, USDCMint, USDTMint:
		return true
	}
	return false
}

func LamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL)
}

// SOLToLamports truncates toward zero.
func SOLToLamports(sol decimal.Decimal) uint64 {
	v := sol.Mul(lamportsPerSOL).Truncate(0)
	if v.Sign() <= 0 {
		return 0
	}
	return v.BigInt().Uint64()
}

// ToBaseUnits converts a UI amount to integer base units, truncating.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) uint64 {
	v := amount.Shift(int32(decimals)).Truncate(0)
	if v.Sign() <= 0 {
		return 0
	}
	return v.BigInt().Uint64()
}

func FromBaseUnits(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromUint64(amount).Shift(-int32(decimals))
}
