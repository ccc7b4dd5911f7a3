// ==================================
// File: internal/wallet/wallet.go
// ==================================
package wallet

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var ErrNotSigner = errors.New("wallet is not a required signer")

// Wallet holds the trading key pair.
type Wallet struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// NewWallet decodes a base58 64-byte secret key.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(raw))
	}
	pk := solana.PrivateKey(raw)
	return &Wallet{privateKey: pk, publicKey: pk.PublicKey()}, nil
}

func (w *Wallet) PublicKey() solana.PublicKey { return w.publicKey }

// Sign signs tx in place and returns its wire encoding.
func (w *Wallet) Sign(tx *solana.Transaction) ([]byte, error) {
	if !w.isSigner(tx) {
		return nil, fmt.Errorf("%w: %s", ErrNotSigner, w.publicKey)
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.publicKey) {
			return &w.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return raw, nil
}

func (w *Wallet) isSigner(tx *solana.Transaction) bool {
	n := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(w.publicKey) {
			return true
		}
	}
	return false
}

func (w *Wallet) String() string {
	return w.publicKey.String()
}
