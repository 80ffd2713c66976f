package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an entry relative to its account.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Opposite returns the reversing direction for an entry.
func (d Direction) Opposite() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// Purpose classifies why an entry was written.
type Purpose string

const (
	PurposeDeposit     Purpose = "deposit"
	PurposeWithdrawal  Purpose = "withdrawal"
	PurposeTransfer    Purpose = "transfer"
	PurposeReversal    Purpose = "reversal"
	PurposeCardFunding Purpose = "card_funding"
)

// Metadata keys used across operations.
const (
	MetaSenderID          = "sender_id"
	MetaRecipientID       = "recipient_id"
	MetaOriginalReference = "original_reference"
	MetaExternalReference = "external_reference"
)

// Account represents a user's ledger account. Balance never goes below zero
// at a commit boundary; only ledger operations mutate it.
type Account struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Entry is one immutable leg of a ledger operation. Amount is always
// positive; Direction carries the sign. Entries sharing a Reference form one
// logical operation.
type Entry struct {
	ID        int64             `json:"id"`
	AccountID int64             `json:"account_id"`
	Direction Direction         `json:"direction"`
	Amount    decimal.Decimal   `json:"amount"`
	Purpose   Purpose           `json:"purpose"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Delta is the signed effect of the entry on its account's balance.
func (e Entry) Delta() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}
