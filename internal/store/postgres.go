package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected layout:
//
//	trades    (id TEXT PRIMARY KEY, user_id TEXT, ticker TEXT, action TEXT,
//	           shares NUMERIC, price_per_share NUMERIC, fee NUMERIC,
//	           total_value NUMERIC, total_cost NUMERIC, currency TEXT,
//	           company TEXT, logo TEXT, date TIMESTAMPTZ, seq BIGSERIAL,
//	           cost_basis NUMERIC NULL, realized_pnl NUMERIC NULL,
//	           oversold BOOLEAN NOT NULL DEFAULT FALSE)
//	positions (user_id TEXT, ticker TEXT, total_shares NUMERIC,
//	           average_price NUMERIC, total_cost NUMERIC, currency TEXT,
//	           company TEXT, logo TEXT, inconsistent BOOLEAN,
//	           current_price NUMERIC NULL, last_price_update TIMESTAMPTZ NULL,
//	           PRIMARY KEY (user_id, ticker))
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
}

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the same query methods serve both pooled and transactional execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

const tradeColumns = `id, user_id, ticker, action,
	shares::TEXT, price_per_share::TEXT, fee::TEXT,
	total_value::TEXT, total_cost::TEXT,
	currency, company, logo, date, seq,
	cost_basis::TEXT, realized_pnl::TEXT, oversold`

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO trades (id, user_id, ticker, action, shares, price_per_share, fee,
		                     total_value, total_cost, currency, company, logo, date)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)
		 RETURNING seq`,
		t.ID, t.UserID, t.Ticker, string(t.Action),
		t.Shares.String(), t.PricePerShare.String(), t.Fee.String(),
		t.TotalValue.String(), t.TotalCost.String(),
		t.Currency, t.Company, t.Logo, t.Date,
	).Scan(&t.Seq)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, id, userID string) (*model.Trade, error) {
	row := s.db.QueryRow(ctx,
		`DELETE FROM trades WHERE id = $1 AND user_id = $2
		 RETURNING `+tradeColumns, id, userID)

	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID, ticker string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE user_id = $1 AND ticker = $2
		 ORDER BY date, seq`, userID, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE user_id = $1
		 ORDER BY date, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) SetTradeOutcome(ctx context.Context, id string, costBasis, realizedPnL *decimal.Decimal, oversold bool) error {
	var basisS, pnlS *string
	if costBasis != nil {
		v := costBasis.String()
		basisS = &v
	}
	if realizedPnL != nil {
		v := realizedPnL.String()
		pnlS = &v
	}
	_, err := s.db.Exec(ctx,
		`UPDATE trades
		 SET cost_basis = $2::NUMERIC, realized_pnl = $3::NUMERIC, oversold = $4
		 WHERE id = $1`,
		id, basisS, pnlS, oversold,
	)
	return err
}

const positionColumns = `user_id, ticker,
	total_shares::TEXT, average_price::TEXT, total_cost::TEXT,
	currency, company, logo, inconsistent,
	current_price::TEXT, last_price_update`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND ticker = $2`, userID, ticker)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, ticker, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	// Quote fields are owned by the price updater and deliberately left
	// untouched on conflict.
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (user_id, ticker, total_shares, average_price, total_cost,
		                        currency, company, logo, inconsistent)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET
		   total_shares = EXCLUDED.total_shares,
		   average_price = EXCLUDED.average_price,
		   total_cost = EXCLUDED.total_cost,
		   currency = EXCLUDED.currency,
		   company = EXCLUDED.company,
		   logo = EXCLUDED.logo,
		   inconsistent = EXCLUDED.inconsistent`,
		p.UserID, p.Ticker,
		p.TotalShares.String(), p.AveragePrice.String(), p.TotalCost.String(),
		p.Currency, p.Company, p.Logo, p.Inconsistent,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, userID, ticker string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND ticker = $2`, userID, ticker)
	return err
}

func (s *PostgresStore) SetTickerPrice(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE positions
		 SET current_price = $2::NUMERIC, last_price_update = $3
		 WHERE ticker = $1`,
		ticker, price.String(), at,
	)
	return err
}

func (s *PostgresStore) ListOpenTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT ticker FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, err
		}
		tickers = append(tickers, ticker)
	}
	return tickers, rows.Err()
}

// txAttempts bounds serialization-failure retries per recalculation.
const txAttempts = 3

// RunInTradeTx runs fn in a SERIALIZABLE transaction. Concurrent
// recalculations for the same (user, ticker) conflict on the trade and
// position rows they both read and write; the loser aborts with a
// serialization failure and is retried with backoff, up to txAttempts.
// Different pairs touch disjoint rows and proceed in parallel.
func (s *PostgresStore) RunInTradeTx(ctx context.Context, userID, ticker string, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; run against it directly.
		return fn(ctx, s)
	}
	return withSerializableRetry(ctx, userID, ticker, func() error {
		return s.runOnce(ctx, fn)
	})
}

// withSerializableRetry runs the attempt until it succeeds, fails with a
// non-serialization error, or exhausts txAttempts, backing off with doubling
// delay between serialization failures.
func withSerializableRetry(ctx context.Context, userID, ticker string, attempt func() error) error {
	backoff := 50 * time.Millisecond
	for n := 1; ; n++ {
		err := attempt()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		if n >= txAttempts {
			return fmt.Errorf("%w: %s/%s: %v", ErrTxConflict, userID, ticker, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isSerializationFailure matches SQLSTATE 40001 (serialization_failure) and
// 40P01 (deadlock_detected).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// --- Row scanning ---

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var action string
	var sharesS, priceS, feeS, valueS, costS string
	var basisS, pnlS *string

	err := row.Scan(&t.ID, &t.UserID, &t.Ticker, &action,
		&sharesS, &priceS, &feeS, &valueS, &costS,
		&t.Currency, &t.Company, &t.Logo, &t.Date, &t.Seq,
		&basisS, &pnlS, &t.Oversold)
	if err != nil {
		return nil, err
	}

	t.Action = model.Action(action)
	t.Shares, _ = decimal.NewFromString(sharesS)
	t.PricePerShare, _ = decimal.NewFromString(priceS)
	t.Fee, _ = decimal.NewFromString(feeS)
	t.TotalValue, _ = decimal.NewFromString(valueS)
	t.TotalCost, _ = decimal.NewFromString(costS)
	t.CostBasis = parseNullDecimal(basisS)
	t.RealizedPnL = parseNullDecimal(pnlS)

	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS, costS string
	var priceS *string

	err := row.Scan(&p.UserID, &p.Ticker,
		&sharesS, &avgS, &costS,
		&p.Currency, &p.Company, &p.Logo, &p.Inconsistent,
		&priceS, &p.LastPriceUpdate)
	if err != nil {
		return nil, err
	}

	p.TotalShares, _ = decimal.NewFromString(sharesS)
	p.AveragePrice, _ = decimal.NewFromString(avgS)
	p.TotalCost, _ = decimal.NewFromString(costS)
	p.CurrentPrice = parseNullDecimal(priceS)

	return &p, nil
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}
