package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrTokenRequired = errors.New("idempotency token is required")
	ErrNotFound      = errors.New("record not found")
)

// Queries groups the statements used by the service.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Bracket results
// ----------------------------------------

// SaveBracketResult stores a terminal result. The first write for a token
// wins; later writes are ignored.
func (q *Queries) SaveBracketResult(ctx context.Context, r BracketRecord) error {
	if r.Token == "" {
		return ErrTokenRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bracket_results (token, symbol, side, outcome, entry_order_id, stop_loss_order_id,
			take_profit_order_id, filled_size, filled_price, message, leg_error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(token) DO NOTHING
	`, r.Token, r.Symbol, r.Side, r.Outcome, r.EntryOrderID, r.StopLossOrderID, r.TakeProfitOrderID,
		r.FilledSize, r.FilledPrice, r.Message, r.LegError, r.Payload)
	if err != nil {
		return fmt.Errorf("insert bracket result: %w", err)
	}
	return nil
}

// GetBracketResult loads the result stored for token.
func (q *Queries) GetBracketResult(ctx context.Context, token string) (*BracketRecord, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	var r BracketRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT token, symbol, side, outcome, COALESCE(entry_order_id, ''), COALESCE(stop_loss_order_id, ''),
		       COALESCE(take_profit_order_id, ''), COALESCE(filled_size, 0), COALESCE(filled_price, 0),
		       COALESCE(message, ''), COALESCE(leg_error, ''), payload, created_at
		FROM bracket_results
		WHERE token = ?
	`, token).Scan(&r.Token, &r.Symbol, &r.Side, &r.Outcome, &r.EntryOrderID, &r.StopLossOrderID,
		&r.TakeProfitOrderID, &r.FilledSize, &r.FilledPrice, &r.Message, &r.LegError, &r.Payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bracket result: %w", err)
	}
	return &r, nil
}

// ----------------------------------------
// Strategy runs
// ----------------------------------------

// UpsertStrategyRun records the latest known state of a strategy instance.
func (q *Queries) UpsertStrategyRun(ctx context.Context, r StrategyRun) error {
	if r.ID == "" {
		return errors.New("strategy run id is required")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, name, symbol, timeframe, config, state, error_message, trades, started_at, stopped_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error_message = excluded.error_message,
			trades = excluded.trades,
			stopped_at = excluded.stopped_at,
			updated_at = CURRENT_TIMESTAMP
	`, r.ID, r.Name, r.Symbol, r.Timeframe, r.Config, r.State, r.ErrorMessage, r.Trades, r.StartedAt, r.StoppedAt)
	if err != nil {
		return fmt.Errorf("upsert strategy run: %w", err)
	}
	return nil
}

// ListStrategyRuns returns the most recent runs first.
func (q *Queries) ListStrategyRuns(ctx context.Context, limit int) ([]StrategyRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), symbol, timeframe, config, state, COALESCE(error_message, ''),
		       COALESCE(trades, 0), started_at, stopped_at
		FROM strategy_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query strategy runs: %w", err)
	}
	defer rows.Close()

	var runs []StrategyRun
	for rows.Next() {
		var (
			r       StrategyRun
			stopped sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Symbol, &r.Timeframe, &r.Config, &r.State, &r.ErrorMessage,
			&r.Trades, &r.StartedAt, &stopped); err != nil {
			return nil, fmt.Errorf("scan strategy run: %w", err)
		}
		if stopped.Valid {
			t := stopped.Time
			r.StoppedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
