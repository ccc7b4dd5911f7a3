// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// Client is the JSON-RPC adapter: address history, submission, status and mint decimals.
type Client struct {
	provider   string
	endpoint   string
	caller     *provider.Caller
	logger     *zap.Logger
	commitment rpc.CommitmentType

	clients  sync.Map // endpoint URL -> *rpc.Client
	decimals sync.Map // mint -> uint8
}

var (
	_ provider.HistorySource  = (*Client)(nil)
	_ provider.Submitter      = (*Client)(nil)
	_ provider.DecimalsSource = (*Client)(nil)
)

// NewClient creates an RPC client for providerName. endpoint may contain a {key} placeholder.
func NewClient(providerName, endpoint string, caller *provider.Caller, logger *zap.Logger) *Client {
	return &Client{
		provider:   providerName,
		endpoint:   endpoint,
		caller:     caller,
		logger:     logger.Named("solbc-client"),
		commitment: rpc.CommitmentConfirmed,
	}
}

func (c *Client) rpcFor(lease credential.Lease) *rpc.Client {
	url := provider.ExpandKey(c.endpoint, lease.Secret)
	if cl, ok := c.clients.Load(url); ok {
		return cl.(*rpc.Client)
	}
	cl, _ := c.clients.LoadOrStore(url, rpc.New(url))
	return cl.(*rpc.Client)
}

func (c *Client) invalid(endpoint string, err error) error {
	return provider.NewError(provider.ErrPermanent, c.provider, endpoint, err)
}

// Signatures returns the address history page described by q, newest first.
func (c *Client) Signatures(ctx context.Context, address string, q provider.HistoryQuery) ([]provider.SignatureInfo, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, c.invalid("getSignaturesForAddress", err)
	}
	opts := &rpc.GetSignaturesForAddressOpts{Commitment: c.commitment}
	if q.Limit > 0 {
		limit := q.Limit
		opts.Limit = &limit
	}
	if q.Before != "" {
		if opts.Before, err = solana.SignatureFromBase58(q.Before); err != nil {
			return nil, c.invalid("getSignaturesForAddress", err)
		}
	}
	if q.Until != "" {
		if opts.Until, err = solana.SignatureFromBase58(q.Until); err != nil {
			return nil, c.invalid("getSignaturesForAddress", err)
		}
	}

	raw, err := provider.Do(ctx, c.caller, c.provider, "getSignaturesForAddress",
		func(ctx context.Context, lease credential.Lease) ([]*rpc.TransactionSignature, error) {
			return c.rpcFor(lease).GetSignaturesForAddressWithOpts(ctx, account, opts)
		})
	if err != nil {
		return nil, err
	}

	out := make([]provider.SignatureInfo, 0, len(raw))
	for _, s := range raw {
		if s == nil {
			continue
		}
		info := provider.SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			info.BlockTime = s.BlockTime.Time()
		}
		out = append(out, info)
	}
	return out, nil
}

// Submit sends a signed transaction without preflight and returns its signature.
func (c *Client) Submit(ctx context.Context, signedTx []byte) (string, error) {
	maxRetries := uint(2)
	sig, err := provider.Do(ctx, c.caller, c.provider, "sendTransaction",
		func(ctx context.Context, lease credential.Lease) (solana.Signature, error) {
			return c.rpcFor(lease).SendRawTransactionWithOpts(ctx, signedTx, rpc.TransactionOpts{
				SkipPreflight:       true,
				PreflightCommitment: c.commitment,
				MaxRetries:          &maxRetries,
			})
		})
	if err != nil {
		return "", err
	}
	c.logger.Info("📤 Transaction submitted", zap.String("signature", sig.String()))
	return sig.String(), nil
}

// Status maps getSignatureStatuses to pending, confirmed or failed.
func (c *Client) Status(ctx context.Context, txID string) (provider.TxStatus, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return provider.TxPending, c.invalid("getSignatureStatuses", err)
	}

	res, err := provider.Do(ctx, c.caller, c.provider, "getSignatureStatuses",
		func(ctx context.Context, lease credential.Lease) (*rpc.GetSignatureStatusesResult, error) {
			out, err := c.rpcFor(lease).GetSignatureStatuses(ctx, true, sig)
			if errors.Is(err, rpc.ErrNotFound) {
				return nil, nil
			}
			return out, err
		})
	if err != nil {
		return provider.TxPending, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return provider.TxPending, nil
	}

	status := res.Value[0]
	if status.Err != nil {
		return provider.TxFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return provider.TxConfirmed, nil
	}
	return provider.TxPending, nil
}

// TokenDecimals returns the mint's decimals, cached after the first lookup.
func (c *Client) TokenDecimals(ctx context.Context, mint string) (uint8, error) {
	if mint == types.WSOLMint {
		return 9, nil
	}
	if d, ok := c.decimals.Load(mint); ok {
		return d.(uint8), nil
	}
	key, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, c.invalid("getTokenSupply", err)
	}

	res, err := provider.Do(ctx, c.caller, c.provider, "getTokenSupply",
		func(ctx context.Context, lease credential.Lease) (*rpc.GetTokenSupplyResult, error) {
			return c.rpcFor(lease).GetTokenSupply(ctx, key, c.commitment)
		})
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, provider.NewError(provider.ErrParse, c.provider, "getTokenSupply", fmt.Errorf("empty supply for %s", mint))
	}
	c.decimals.Store(mint, res.Value.Decimals)
	return res.Value.Decimals, nil
}

// ErrConfirmationTimeout is returned when a transaction stays pending past the deadline.
var ErrConfirmationTimeout = errors.New("transaction confirmation timeout")

// AwaitConfirmation polls status until txID is confirmed or failed, or timeout elapses.
// Status lookups that fail are logged and retried on the next tick.
func AwaitConfirmation(ctx context.Context, s provider.Submitter, txID string, timeout, poll time.Duration, logger *zap.Logger) (provider.TxStatus, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		status, err := s.Status(ctx, txID)
		switch {
		case err != nil:
			logger.Debug("Status lookup failed", zap.String("signature", txID), zap.Error(err))
		case status != provider.TxPending:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return provider.TxPending, ctx.Err()
		case <-deadline.C:
			return provider.TxPending, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txID, timeout)
		case <-ticker.C:
		}
	}
}
