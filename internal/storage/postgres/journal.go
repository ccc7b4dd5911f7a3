// internal/storage/postgres/journal.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// Journal implements storage.Journal using PostgreSQL.
type Journal struct {
	pool   *Pool
	logger *zap.Logger
}

var _ storage.Journal = (*Journal)(nil)

func NewJournal(pool *Pool, logger *zap.Logger) *Journal {
	return &Journal{pool: pool, logger: logger.Named("journal")}
}

// Open connects, migrates and returns a ready journal.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Journal, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.RunMigrations(ctx, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return NewJournal(pool, logger), nil
}

func (j *Journal) RecordPending(ctx context.Context, p storage.PendingTx) error {
	query := `
		INSERT INTO pending_transactions (
			idempotency_key, token_mint, action, tx_id, hunter, rule,
			sol_amount, token_amount, decimals, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			tx_id = EXCLUDED.tx_id,
			sol_amount = EXCLUDED.sol_amount,
			token_amount = EXCLUDED.token_amount,
			submitted_at = EXCLUDED.submitted_at
	`
	_, err := j.pool.Exec(ctx, query,
		p.Key, p.TokenMint, string(p.Action), p.TxID, p.Hunter, p.Rule,
		p.SOLAmount, p.TokenAmount, int16(p.Decimals), p.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("record pending %s: %w", p.TxID, err)
	}
	return nil
}

const pendingColumns = `idempotency_key, token_mint, action, tx_id, hunter, rule,
	sol_amount, token_amount, decimals, submitted_at`

func scanPending(row pgx.Row) (storage.PendingTx, error) {
	var (
		p        storage.PendingTx
		action   string
		decimals int16
	)
	err := row.Scan(&p.Key, &p.TokenMint, &action, &p.TxID, &p.Hunter, &p.Rule,
		&p.SOLAmount, &p.TokenAmount, &decimals, &p.SubmittedAt)
	p.Action = types.Action(action)
	p.Decimals = uint8(decimals)
	return p, err
}

func (j *Journal) PendingFor(ctx context.Context, key string) (*storage.PendingTx, error) {
	row := j.pool.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_transactions WHERE idempotency_key = $1`, key)
	p, err := scanPending(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pending %s: %w", key, err)
	}
	return &p, nil
}

func (j *Journal) ListPending(ctx context.Context) ([]storage.PendingTx, error) {
	rows, err := j.pool.Query(ctx, `SELECT `+pendingColumns+` FROM pending_transactions ORDER BY submitted_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []storage.PendingTx
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (j *Journal) ResolvePending(ctx context.Context, key string) error {
	if _, err := j.pool.Exec(ctx, `DELETE FROM pending_transactions WHERE idempotency_key = $1`, key); err != nil {
		return fmt.Errorf("resolve pending %s: %w", key, err)
	}
	return nil
}

// SaveFill returns storage.ErrDuplicateKey if the fill id exists.
func (j *Journal) SaveFill(ctx context.Context, f types.Fill) error {
	query := `
		INSERT INTO fills (
			id, token_mint, action, quantity, price, sol_amount, realized_pnl,
			tx_id, idempotency_key, hunter, rule, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := j.pool.Exec(ctx, query,
		f.ID, f.TokenMint, string(f.Action), f.Quantity, f.Price, f.SOLAmount, f.RealizedPnL,
		f.TxID, f.IdempotencyKey, f.Hunter, f.Rule, f.At,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (j *Journal) Fills(ctx context.Context, tokenMint string, since time.Time) ([]types.Fill, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, token_mint, action, quantity, price, sol_amount, realized_pnl,
			tx_id, idempotency_key, hunter, rule, filled_at
		FROM fills
		WHERE token_mint = $1 AND filled_at >= $2
		ORDER BY filled_at, id
	`, tokenMint, since)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var (
			f      types.Fill
			action string
		)
		if err := rows.Scan(&f.ID, &f.TokenMint, &action, &f.Quantity, &f.Price, &f.SOLAmount, &f.RealizedPnL,
			&f.TxID, &f.IdempotencyKey, &f.Hunter, &f.Rule, &f.At); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Action = types.Action(action)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (j *Journal) SavePosition(ctx context.Context, p types.Position) error {
	query := `
		INSERT INTO positions (
			token_mint, quantity, cost_basis, opened_at, status, realized_pnl, last_price,
			invested_sol, decimals, no_add, ladder_level, pending_tx_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (token_mint) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			cost_basis = EXCLUDED.cost_basis,
			opened_at = EXCLUDED.opened_at,
			status = EXCLUDED.status,
			realized_pnl = EXCLUDED.realized_pnl,
			last_price = EXCLUDED.last_price,
			invested_sol = EXCLUDED.invested_sol,
			decimals = EXCLUDED.decimals,
			no_add = EXCLUDED.no_add,
			ladder_level = EXCLUDED.ladder_level,
			pending_tx_id = EXCLUDED.pending_tx_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := j.pool.Exec(ctx, query,
		p.TokenMint, p.Quantity, p.CostBasis, p.OpenedAt, string(p.Status), p.RealizedPnL, p.LastPrice,
		p.InvestedSOL, int16(p.Decimals), p.NoAdd, p.LadderLevel, p.PendingTxID, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.TokenMint, err)
	}
	return nil
}

func (j *Journal) LoadOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT token_mint, quantity, cost_basis, opened_at, status, realized_pnl, last_price,
			invested_sol, decimals, no_add, ladder_level, pending_tx_id, updated_at
		FROM positions
		WHERE status <> $1
		ORDER BY opened_at
	`, string(types.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var (
			p        types.Position
			status   string
			decimals int16
		)
		if err := rows.Scan(&p.TokenMint, &p.Quantity, &p.CostBasis, &p.OpenedAt, &status, &p.RealizedPnL, &p.LastPrice,
			&p.InvestedSOL, &decimals, &p.NoAdd, &p.LadderLevel, &p.PendingTxID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Status = types.PositionStatus(status)
		p.Decimals = uint8(decimals)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	j.logger.Info("📂 Loaded open positions", zap.Int("count", len(out)))
	return out, nil
}

func (j *Journal) MarkCompleted(ctx context.Context, key string) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO completed_signals (idempotency_key) VALUES ($1)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", key, err)
	}
	return nil
}

func (j *Journal) IsCompleted(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := j.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM completed_signals WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed %s: %w", key, err)
	}
	return exists, nil
}

func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}
