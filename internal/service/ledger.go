package service

import (
	"context"
	"log"
	"sort"
	"strconv"

	"github.com/decoupledfin/walletcore/internal/clock"
	"github.com/decoupledfin/walletcore/internal/domain"
	"github.com/decoupledfin/walletcore/internal/idempotency"
	"github.com/decoupledfin/walletcore/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service orchestrates the ledger operations. It owns no persistent state;
// every balance mutation and ledger entry happens inside one unit of work
// that commits or aborts as a whole.
type Service struct {
	store store.Store
	guard idempotency.Guard
	fpKey []byte
	clk   clock.Clock
}

func New(st store.Store, guard idempotency.Guard, fingerprintKey []byte, clk clock.Clock) *Service {
	return &Service{store: st, guard: guard, fpKey: fingerprintKey, clk: clk}
}

// Receipt summarizes a committed single-account operation.
type Receipt struct {
	AccountID int64           `json:"account_id"`
	Reference string          `json:"reference"`
	Balance   decimal.Decimal `json:"balance"`
}

// TransferReceipt summarizes a committed transfer.
type TransferReceipt struct {
	Reference   string          `json:"reference"`
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// ReversalReceipt summarizes a committed reversal.
type ReversalReceipt struct {
	Reference         string `json:"reference"`
	OriginalReference string `json:"original_reference"`
	Legs              int    `json:"legs"`
}

// CreateAccount provisions an account for a newly onboarded user.
func (s *Service) CreateAccount(ctx context.Context, userID int64, opening decimal.Decimal) (domain.Account, error) {
	if userID <= 0 {
		return domain.Account{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if opening.IsNegative() {
		return domain.Account{}, &ValidationError{Field: "opening_balance", Reason: "must not be negative"}
	}
	return s.store.CreateAccount(ctx, userID, opening)
}

// Deposit credits an account by amount within one unit of work.
func (s *Service) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		observeOperation("deposit", err)
		return nil, err
	}

	reference := uuid.NewString()
	var rcpt Receipt
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		newBalance, err := tx.AdjustBalance(ctx, accountID, amount)
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, domain.Entry{
			AccountID: accountID,
			Direction: domain.Credit,
			Amount:    amount,
			Purpose:   domain.PurposeDeposit,
			Reference: reference,
			CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		rcpt = Receipt{AccountID: accountID, Reference: reference, Balance: newBalance}
		return nil
	})
	observeOperation("deposit", err)
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// Withdraw debits an account by amount within one unit of work.
func (s *Service) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		observeOperation("withdraw", err)
		return nil, err
	}

	reference := uuid.NewString()
	var rcpt Receipt
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		newBalance, err := tx.AdjustBalance(ctx, accountID, amount.Neg())
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, domain.Entry{
			AccountID: accountID,
			Direction: domain.Debit,
			Amount:    amount,
			Purpose:   domain.PurposeWithdrawal,
			Reference: reference,
			CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		rcpt = Receipt{AccountID: accountID, Reference: reference, Balance: newBalance}
		return nil
	})
	observeOperation("withdraw", err)
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// Transfer moves amount from sender to recipient. Both legs commit within
// one unit of work; a failure on either side leaves both balances untouched.
// The idempotency guard rejects a semantically identical in-flight or
// recently completed submission from the same sender.
func (s *Service) Transfer(ctx context.Context, senderID, recipientID int64, amount decimal.Decimal) (*TransferReceipt, error) {
	if err := validateAmount(amount); err != nil {
		observeOperation("transfer", err)
		return nil, err
	}
	if senderID == recipientID {
		err := &ValidationError{Field: "recipient_id", Reason: "must differ from sender"}
		observeOperation("transfer", err)
		return nil, err
	}

	fingerprint := idempotency.Fingerprint(s.fpKey,
		strconv.FormatInt(senderID, 10),
		strconv.FormatInt(recipientID, 10),
		amount.String(),
	)
	if err := s.guard.Claim(ctx, senderID, fingerprint); err != nil {
		observeOperation("transfer", err)
		return nil, err
	}

	reference := uuid.NewString()
	now := s.clk.Now()
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		// Acquire row locks in ascending account-id order so two opposing
		// transfers cannot deadlock.
		first, second := senderID, recipientID
		firstDelta, secondDelta := amount.Neg(), amount
		if recipientID < senderID {
			first, second = recipientID, senderID
			firstDelta, secondDelta = amount, amount.Neg()
		}
		if _, err := tx.AdjustBalance(ctx, first, firstDelta); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, second, secondDelta); err != nil {
			return err
		}

		if _, err := tx.AppendEntry(ctx, domain.Entry{
			AccountID: senderID,
			Direction: domain.Debit,
			Amount:    amount,
			Purpose:   domain.PurposeTransfer,
			Reference: reference,
			Metadata:  map[string]string{domain.MetaRecipientID: strconv.FormatInt(recipientID, 10)},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, domain.Entry{
			AccountID: recipientID,
			Direction: domain.Credit,
			Amount:    amount,
			Purpose:   domain.PurposeTransfer,
			Reference: reference,
			Metadata:  map[string]string{domain.MetaSenderID: strconv.FormatInt(senderID, 10)},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return nil
	})
	observeOperation("transfer", err)
	if err != nil {
		// The claim only stands for a completed transfer. An aborted one is
		// released so a corrected resubmission does not have to wait out the
		// TTL; if the release itself fails, the claim expires on its own.
		if relErr := s.guard.Release(ctx, senderID, fingerprint); relErr != nil {
			log.Printf("releasing idempotency claim for account %d: %v", senderID, relErr)
		}
		return nil, err
	}
	return &TransferReceipt{
		Reference:   reference,
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
	}, nil
}

// Reverse applies the opposite of every leg recorded under reference, all
// inside one new unit of work tagged with a fresh reference. The original
// entries are never touched; reversal is strictly additive. If any leg
// cannot be applied the whole reversal aborts and the returned
// ReversalError lists every failed leg. A reference that was already
// reversed is rejected, which also makes a double reversal of the same
// operation impossible; a reversal's own reference may itself be reversed.
func (s *Service) Reverse(ctx context.Context, reference string) (*ReversalReceipt, error) {
	if reference == "" {
		err := &ValidationError{Field: "reference", Reason: "is required"}
		observeOperation("reverse", err)
		return nil, err
	}

	newReference := uuid.NewString()
	now := s.clk.Now()
	var rcpt ReversalReceipt
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		legs, err := tx.EntriesByReference(ctx, reference)
		if err != nil {
			return err
		}
		if len(legs) == 0 {
			return ErrReferenceNotFound
		}
		reversed, err := tx.ReversalExists(ctx, reference)
		if err != nil {
			return err
		}
		if reversed {
			return ErrAlreadyReversed
		}

		// Same lock-ordering rule as transfers.
		sort.Slice(legs, func(i, j int) bool { return legs[i].AccountID < legs[j].AccountID })

		var failures []LegFailure
		for _, leg := range legs {
			if _, err := tx.AdjustBalance(ctx, leg.AccountID, leg.Delta().Neg()); err != nil {
				failures = append(failures, LegFailure{
					AccountID: leg.AccountID,
					Direction: leg.Direction.Opposite(),
					Amount:    leg.Amount,
					Err:       err,
					Reason:    err.Error(),
				})
				continue
			}
			if _, err := tx.AppendEntry(ctx, domain.Entry{
				AccountID: leg.AccountID,
				Direction: leg.Direction.Opposite(),
				Amount:    leg.Amount,
				Purpose:   domain.PurposeReversal,
				Reference: newReference,
				Metadata:  map[string]string{domain.MetaOriginalReference: reference},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if len(failures) > 0 {
			return &ReversalError{Reference: reference, Legs: failures}
		}
		rcpt = ReversalReceipt{
			Reference:         newReference,
			OriginalReference: reference,
			Legs:              len(legs),
		}
		return nil
	})
	observeOperation("reverse", err)
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// SettleCardPayment credits an account for a payment the card-provider
// collaborator has confirmed as received. The unique external reference
// makes the settlement idempotent: a second settlement attempt for the same
// charge fails with store.ErrAlreadySettled and credits nothing.
func (s *Service) SettleCardPayment(ctx context.Context, accountID int64, amount decimal.Decimal, externalReference string) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		observeOperation("card_funding", err)
		return nil, err
	}
	if externalReference == "" {
		err := &ValidationError{Field: "external_reference", Reason: "is required"}
		observeOperation("card_funding", err)
		return nil, err
	}

	reference := uuid.NewString()
	var rcpt Receipt
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.RecordSettlement(ctx, externalReference); err != nil {
			return err
		}
		newBalance, err := tx.AdjustBalance(ctx, accountID, amount)
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, domain.Entry{
			AccountID: accountID,
			Direction: domain.Credit,
			Amount:    amount,
			Purpose:   domain.PurposeCardFunding,
			Reference: reference,
			Metadata:  map[string]string{domain.MetaExternalReference: externalReference},
			CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		rcpt = Receipt{AccountID: accountID, Reference: reference, Balance: newBalance}
		return nil
	})
	observeOperation("card_funding", err)
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}
