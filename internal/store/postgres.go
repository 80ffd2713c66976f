package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/decoupledfin/walletcore/internal/domain"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Balances are NUMERIC(20,4); the decimal codec keeps them fixed-point end
// to end. Schema is bootstrapped with IF NOT EXISTS so the seeder and the
// integration tests can run against a fresh database.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT NOT NULL UNIQUE,
    balance     NUMERIC(20,4) NOT NULL CHECK (balance >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS entries (
    id          BIGSERIAL PRIMARY KEY,
    account_id  BIGINT NOT NULL REFERENCES accounts(id),
    direction   TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
    amount      NUMERIC(20,4) NOT NULL CHECK (amount > 0),
    purpose     TEXT NOT NULL,
    reference   TEXT NOT NULL,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS entries_reference_idx ON entries (reference);
CREATE INDEX IF NOT EXISTS entries_account_idx ON entries (account_id);
CREATE TABLE IF NOT EXISTS card_settlements (
    external_reference  TEXT PRIMARY KEY,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Bootstrap creates the schema if it does not exist yet.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema bootstrap failed: %w", err)
	}
	return nil
}

func (p *Postgres) CreateAccount(ctx context.Context, userID int64, opening decimal.Decimal) (domain.Account, error) {
	acc := domain.Account{UserID: userID, Balance: opening}
	err := p.pool.QueryRow(ctx,
		"INSERT INTO accounts (user_id, balance) VALUES ($1, $2) RETURNING id, created_at",
		userID, opening,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Account{}, ErrAccountExists
		}
		return domain.Account{}, fmt.Errorf("account insert failed: %w", err)
	}
	return acc, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	var acc domain.Account
	err := p.pool.QueryRow(ctx,
		"SELECT id, user_id, balance, created_at FROM accounts WHERE id = $1",
		id,
	).Scan(&acc.ID, &acc.UserID, &acc.Balance, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

func (p *Postgres) EntriesByAccount(ctx context.Context, accountID int64) ([]domain.Entry, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("account existence check failed: %w", err)
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, account_id, direction, amount, purpose, reference, metadata, created_at
		 FROM entries WHERE account_id = $1 ORDER BY id DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesByReference reads all legs of one logical operation. A single
// statement sees a consistent snapshot: either every leg of a committed
// operation or none.
func (p *Postgres) EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, account_id, direction, amount, purpose, reference, metadata, created_at
		 FROM entries WHERE reference = $1 ORDER BY id`,
		reference)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		"SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock acquisition failed: %w", err)
	}

	newBalance := balance.Add(delta)
	if newBalance.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds
	}

	if _, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1 WHERE id = $2", newBalance, accountID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("balance update failed: %w", err)
	}
	return newBalance, nil
}

func (t *pgxTx) AppendEntry(ctx context.Context, e domain.Entry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO entries (account_id, direction, amount, purpose, reference, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		e.AccountID, e.Direction, e.Amount, e.Purpose, e.Reference, e.Metadata, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("entry insert failed: %w", err)
	}
	return id, nil
}

func (t *pgxTx) EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, account_id, direction, amount, purpose, reference, metadata, created_at
		 FROM entries WHERE reference = $1 ORDER BY id`,
		reference)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (t *pgxTx) ReversalExists(ctx context.Context, originalReference string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM entries
		    WHERE purpose = 'reversal' AND metadata->>'original_reference' = $1
		 )`,
		originalReference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("reversal lookup failed: %w", err)
	}
	return exists, nil
}

func (t *pgxTx) RecordSettlement(ctx context.Context, externalReference string) error {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO card_settlements (external_reference) VALUES ($1) ON CONFLICT DO NOTHING",
		externalReference)
	if err != nil {
		return fmt.Errorf("settlement insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]domain.Entry, error) {
	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Direction, &e.Amount,
			&e.Purpose, &e.Reference, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
