// internal/executor/settle.go
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/blockchain/solbc"
	"github.com/denggit/DynamicSmartFlow3/internal/events"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// submit builds, signs and sends the swap for quote, then waits for the
// outcome. The pending record and, for sells, the closing status are written
// before the transaction leaves the process.
func (e *Executor) submit(ctx context.Context, quote *provider.Quote, p storage.PendingTx, noAdd bool, log *zap.Logger) (*types.Position, error) {
	tx, err := e.swaps.BuildSwap(ctx, quote, e.signer.PublicKey().String())
	if err != nil {
		return nil, fmt.Errorf("%w: build swap: %w", ErrExecutionFailed, err)
	}
	raw, err := e.signer.Sign(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if len(tx.Signatures) == 0 {
		return nil, fmt.Errorf("%w: signed transaction has no signature", ErrExecutionFailed)
	}

	p.TxID = tx.Signatures[0].String()
	p.SubmittedAt = e.now()
	log = log.With(zap.String("tx", p.TxID))

	jctx := context.WithoutCancel(ctx)
	if err := e.journal.RecordPending(jctx, p); err != nil {
		return nil, fmt.Errorf("%w: record pending: %w", ErrExecutionFailed, err)
	}
	if p.Action == types.ActionSell {
		if err := e.book.MarkClosing(jctx, p.TokenMint, p.TxID); err != nil {
			_ = e.journal.ResolvePending(jctx, p.Key)
			return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
		}
	}

	if _, err := e.chain.Submit(ctx, raw); err != nil {
		if errors.Is(err, provider.ErrPermanent) || errors.Is(err, provider.ErrProviderUnavailable) {
			e.abandon(jctx, p, log)
			return nil, fmt.Errorf("%w: submit: %w", ErrExecutionFailed, err)
		}
		log.Warn("⚠️ Submission outcome unknown, awaiting reconciliation", zap.Error(err))
		return nil, fmt.Errorf("%w: submit: %w", ErrExecutionTimeout, err)
	}

	status, err := solbc.AwaitConfirmation(ctx, e.chain, p.TxID, e.cfg.ConfirmTimeout, e.cfg.ConfirmPoll, log)
	if err != nil {
		log.Warn("⏳ Confirmation not observed, left pending", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrExecutionTimeout, err)
	}
	if status == provider.TxFailed {
		e.abandon(jctx, p, log)
		return nil, fmt.Errorf("%w: %w: %s", ErrExecutionFailed, errLandedFailed, p.TxID)
	}
	return e.settle(jctx, p, noAdd, log)
}

// reconcile checks the chain for a transaction recorded by an earlier
// attempt. settled is false when the attempt is known not to have landed and
// the caller may trade afresh.
func (e *Executor) reconcile(ctx context.Context, p storage.PendingTx, log *zap.Logger) (pos *types.Position, settled bool, err error) {
	log = log.With(zap.String("tx", p.TxID))
	status, err := e.chain.Status(ctx, p.TxID)
	if err != nil {
		return nil, true, fmt.Errorf("%w: status of %s: %w", ErrExecutionTimeout, p.TxID, err)
	}

	jctx := context.WithoutCancel(ctx)
	switch status {
	case provider.TxConfirmed:
		log.Info("🔁 Earlier submission confirmed")
		pos, err := e.settle(jctx, p, false, log)
		return pos, true, err
	case provider.TxFailed:
		e.abandon(jctx, p, log)
		return nil, false, nil
	}

	if e.pendingExpiry > 0 && e.now().Sub(p.SubmittedAt) > e.pendingExpiry {
		log.Warn("⚠️ Pending transaction never landed, dropping", zap.Time("submitted_at", p.SubmittedAt))
		e.abandon(jctx, p, log)
		return nil, false, nil
	}
	return nil, true, fmt.Errorf("%w: %s still pending", ErrExecutionTimeout, p.TxID)
}

// abandon forgets a transaction that did not land. The position is reopened
// before the pending record goes so a closing position always has a record.
func (e *Executor) abandon(ctx context.Context, p storage.PendingTx, log *zap.Logger) {
	if p.Action == types.ActionSell {
		if pos := e.book.Get(p.TokenMint); pos != nil && pos.PendingTxID == p.TxID {
			if err := e.book.ReopenAfterFailure(ctx, p.TokenMint); err != nil {
				log.Error("Failed to reopen position", zap.Error(err))
			}
		}
	}
	if err := e.journal.ResolvePending(ctx, p.Key); err != nil {
		log.Error("Failed to resolve pending transaction", zap.Error(err))
	}
	log.Warn("⛔ Transaction did not land", zap.String("key", p.Key))
}

// settle applies a confirmed transaction to the book and journal.
func (e *Executor) settle(ctx context.Context, p storage.PendingTx, noAdd bool, log *zap.Logger) (*types.Position, error) {
	fill := types.Fill{
		ID:             uuid.NewString(),
		TokenMint:      p.TokenMint,
		Action:         p.Action,
		Quantity:       p.TokenAmount,
		SOLAmount:      p.SOLAmount,
		TxID:           p.TxID,
		IdempotencyKey: p.Key,
		Hunter:         p.Hunter,
		Rule:           p.Rule,
		At:             e.now(),
	}
	if p.TokenAmount.IsPositive() {
		fill.Price = p.SOLAmount.Div(p.TokenAmount)
	}

	var (
		pos      *types.Position
		applyErr error
	)
	switch p.Action {
	case types.ActionBuy:
		pos, applyErr = e.book.ApplyBuy(ctx, fill, p.Decimals, noAdd)
	default:
		pos, fill.RealizedPnL, applyErr = e.book.ApplySell(ctx, fill)
	}
	if applyErr != nil {
		log.Error("Confirmed fill could not be applied", zap.Error(applyErr))
		applyErr = fmt.Errorf("%w: apply fill: %w", ErrExecutionFailed, applyErr)
	}

	if err := e.journal.SaveFill(ctx, fill); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		log.Error("Failed to save fill", zap.Error(err))
	}
	if err := e.journal.ResolvePending(ctx, p.Key); err != nil {
		log.Error("Failed to resolve pending transaction", zap.Error(err))
	}
	if err := e.journal.MarkCompleted(ctx, p.Key); err != nil {
		log.Error("Failed to mark signal completed", zap.Error(err))
	}
	e.metrics.AddRealizedPnL(fill.RealizedPnL.InexactFloat64())

	log.Info("✅ Trade confirmed",
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("sol", fill.SOLAmount.String()),
		zap.String("realized_pnl", fill.RealizedPnL.String()))

	_ = e.events.Publish(events.TradeExecutedEvent{
		BaseEvent:   events.NewBase(events.TradeExecuted, fill.At),
		TokenMint:   fill.TokenMint,
		Action:      string(fill.Action),
		Hunter:      fill.Hunter,
		Rule:        fill.Rule,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		SOLAmount:   fill.SOLAmount,
		RealizedPnL: fill.RealizedPnL,
		TxID:        fill.TxID,
	})
	if pos != nil && pos.Status == types.PositionClosed {
		e.publishClosed(ctx, pos, log)
	}
	return pos, applyErr
}

func (e *Executor) publishClosed(ctx context.Context, pos *types.Position, log *zap.Logger) {
	fills, err := e.journal.Fills(ctx, pos.TokenMint, pos.OpenedAt)
	if err != nil {
		log.Warn("⚠️ Fill history unavailable", zap.Error(err))
	}
	summary := make([]events.FillSummary, 0, len(fills))
	for _, f := range fills {
		summary = append(summary, events.FillSummary{
			Action:      string(f.Action),
			Quantity:    f.Quantity,
			Price:       f.Price,
			SOLAmount:   f.SOLAmount,
			RealizedPnL: f.RealizedPnL,
			Rule:        f.Rule,
			TxID:        f.TxID,
			At:          f.At,
		})
	}

	log.Info("🏁 Position closed",
		zap.String("realized_pnl", pos.RealizedPnL.String()),
		zap.String("invested", pos.InvestedSOL.String()),
		zap.Int("fills", len(summary)))
	_ = e.events.Publish(events.PositionClosedEvent{
		BaseEvent:   events.NewBase(events.PositionClosed, e.now()),
		TokenMint:   pos.TokenMint,
		OpenedAt:    pos.OpenedAt,
		InvestedSOL: pos.InvestedSOL,
		RealizedPnL: pos.RealizedPnL,
		Fills:       summary,
	})
}
