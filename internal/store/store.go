package store

import (
	"context"
	"errors"

	"github.com/decoupledfin/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("user already has an account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettled    = errors.New("external payment already settled")
)

// Store is the durable account/ledger surface. Balance mutations are only
// reachable through WithinTx so every write happens inside a unit of work.
type Store interface {
	// CreateAccount provisions the account for a newly onboarded user with
	// its opening balance. One account per user.
	CreateAccount(ctx context.Context, userID int64, opening decimal.Decimal) (domain.Account, error)
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	EntriesByAccount(ctx context.Context, accountID int64) ([]domain.Entry, error)
	EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error)

	// WithinTx runs fn inside one atomic unit of work. The unit commits only
	// when fn returns nil; any error aborts every mutation made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the mutation surface available inside a unit of work.
type Tx interface {
	// AdjustBalance applies a signed delta to the account's balance under a
	// row-level lock and returns the new balance. Fails with
	// ErrInsufficientFunds when the result would go negative and with
	// ErrAccountNotFound when the account is unknown.
	AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error)

	// AppendEntry writes one immutable ledger leg. There is no update or
	// delete; corrections are new opposing entries.
	AppendEntry(ctx context.Context, e domain.Entry) (int64, error)

	EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error)

	// ReversalExists reports whether any committed reversal entry already
	// points back at originalReference.
	ReversalExists(ctx context.Context, originalReference string) (bool, error)

	// RecordSettlement claims a unique external payment reference, failing
	// with ErrAlreadySettled if it was claimed before.
	RecordSettlement(ctx context.Context, externalReference string) error
}
