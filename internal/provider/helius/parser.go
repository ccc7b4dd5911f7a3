// Package helius talks to the enhanced transactions API and the transactionSubscribe stream.
package helius

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

// MaxParseBatch is the most signatures the parse endpoint accepts per request.
const MaxParseBatch = 100

const providerName = "helius"

type nativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

type tokenTransfer struct {
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	Mint            string          `json:"mint"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
}

type enhancedTx struct {
	Signature        string           `json:"signature"`
	Slot             uint64           `json:"slot"`
	Timestamp        int64            `json:"timestamp"`
	FeePayer         string           `json:"feePayer"`
	TransactionError any              `json:"transactionError"`
	NativeTransfers  []nativeTransfer `json:"nativeTransfers"`
	TokenTransfers   []tokenTransfer  `json:"tokenTransfers"`
}

// Parser resolves signatures into transfer records via POST /v0/transactions.
type Parser struct {
	baseURL string
	http    *provider.HTTPClient
	caller  *provider.Caller
	logger  *zap.Logger
}

var _ provider.TxParser = (*Parser)(nil)

func NewParser(baseURL string, httpClient *provider.HTTPClient, caller *provider.Caller, logger *zap.Logger) *Parser {
	return &Parser{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		caller:  caller,
		logger:  logger.Named("helius_parser"),
	}
}

// ParseTransactions returns the parsed form of every signature the provider knows,
// in provider order. Unknown signatures are simply absent.
func (p *Parser) ParseTransactions(ctx context.Context, signatures []string) ([]provider.ParsedTx, error) {
	var out []provider.ParsedTx
	for start := 0; start < len(signatures); start += MaxParseBatch {
		end := start + MaxParseBatch
		if end > len(signatures) {
			end = len(signatures)
		}
		batch := signatures[start:end]

		raw, err := provider.Do(ctx, p.caller, providerName, "parse-transactions",
			func(ctx context.Context, lease credential.Lease) ([]enhancedTx, error) {
				var res []enhancedTx
				endpoint := fmt.Sprintf("%s/v0/transactions?api-key=%s", p.baseURL, url.QueryEscape(lease.Secret))
				err := p.http.PostJSON(ctx, endpoint, nil, map[string]any{"transactions": batch}, &res)
				return res, err
			})
		if err != nil {
			return out, err
		}
		for _, tx := range raw {
			out = append(out, convert(tx))
		}
	}
	return out, nil
}

func convert(tx enhancedTx) provider.ParsedTx {
	parsed := provider.ParsedTx{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		FeePayer:  tx.FeePayer,
		Failed:    tx.TransactionError != nil,
	}
	if tx.Timestamp > 0 {
		parsed.Timestamp = time.Unix(tx.Timestamp, 0)
	}
	for _, nt := range tx.NativeTransfers {
		parsed.NativeTransfers = append(parsed.NativeTransfers, provider.NativeTransfer{
			From:     nt.FromUserAccount,
			To:       nt.ToUserAccount,
			Lamports: nt.Amount,
		})
	}
	for _, tt := range tx.TokenTransfers {
		parsed.TokenTransfers = append(parsed.TokenTransfers, provider.TokenTransfer{
			From:   tt.FromUserAccount,
			To:     tt.ToUserAccount,
			Mint:   tt.Mint,
			Amount: tt.TokenAmount,
		})
	}
	return parsed
}
