package service_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/decoupledfin/walletcore/internal/clock"
	"github.com/decoupledfin/walletcore/internal/domain"
	"github.com/decoupledfin/walletcore/internal/idempotency"
	"github.com/decoupledfin/walletcore/internal/service"
	"github.com/decoupledfin/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *service.Service
	store *store.Memory
	clk   *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock.Fixed{Instant: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(clk)
	guard := idempotency.NewMemoryGuard(clk, time.Minute)
	return &fixture{
		svc:   service.New(mem, guard, []byte("test-fingerprint-key"), clk),
		store: mem,
		clk:   clk,
	}
}

func (f *fixture) account(t *testing.T, userID int64, opening int64) int64 {
	t.Helper()
	acc, err := f.svc.CreateAccount(context.Background(), userID, decimal.NewFromInt(opening))
	require.NoError(t, err)
	return acc.ID
}

func (f *fixture) balance(t *testing.T, accountID int64) decimal.Decimal {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acc.Balance
}

func requireAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 1, 0)

	rcpt, err := f.svc.Deposit(ctx, acc, decimal.NewFromInt(82000))
	require.NoError(t, err)
	requireAmount(t, 82000, rcpt.Balance)
	requireAmount(t, 82000, f.balance(t, acc))

	entries, err := f.store.EntriesByReference(ctx, rcpt.Reference)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.Credit, entries[0].Direction)
	assert.Equal(t, domain.PurposeDeposit, entries[0].Purpose)
	requireAmount(t, 82000, entries[0].Amount)
}

func TestDeposit_RejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 1, 100)

	for _, amount := range []int64{0, -1} {
		_, err := f.svc.Deposit(ctx, acc, decimal.NewFromInt(amount))
		require.ErrorIs(t, err, service.ErrValidation)
	}
	requireAmount(t, 100, f.balance(t, acc))
}

func TestWithdraw_InsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 1, 4000)

	_, err := f.svc.Withdraw(ctx, acc, decimal.NewFromInt(4001))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)
	requireAmount(t, 4000, f.balance(t, acc))

	entries, err := f.store.EntriesByAccount(ctx, acc)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Withdraw(context.Background(), 404, decimal.NewFromInt(10))
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}

// The end-to-end scenario: withdraw, transfer, reverse.
func TestWithdrawTransferReverseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 4000000)
	b := f.account(t, 2, 0)

	_, err := f.svc.Withdraw(ctx, a, decimal.NewFromInt(2000))
	require.NoError(t, err)
	requireAmount(t, 3998000, f.balance(t, a))

	transfer, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(600222))
	require.NoError(t, err)
	requireAmount(t, 3397778, f.balance(t, a))
	requireAmount(t, 600222, f.balance(t, b))

	legs, err := f.store.EntriesByReference(ctx, transfer.Reference)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	var debits, credits decimal.Decimal
	for _, leg := range legs {
		assert.Equal(t, domain.PurposeTransfer, leg.Purpose)
		if leg.Direction == domain.Debit {
			assert.Equal(t, a, leg.AccountID)
			assert.Equal(t, "2", leg.Metadata[domain.MetaRecipientID])
			debits = debits.Add(leg.Amount)
		} else {
			assert.Equal(t, b, leg.AccountID)
			assert.Equal(t, "1", leg.Metadata[domain.MetaSenderID])
			credits = credits.Add(leg.Amount)
		}
	}
	require.True(t, debits.Equal(credits), "transfer legs must conserve: debit %s credit %s", debits, credits)

	reversal, err := f.svc.Reverse(ctx, transfer.Reference)
	require.NoError(t, err)
	assert.Equal(t, 2, reversal.Legs)
	assert.Equal(t, transfer.Reference, reversal.OriginalReference)
	requireAmount(t, 3998000, f.balance(t, a))
	requireAmount(t, 0, f.balance(t, b))

	revLegs, err := f.store.EntriesByReference(ctx, reversal.Reference)
	require.NoError(t, err)
	require.Len(t, revLegs, 2)
	for _, leg := range revLegs {
		assert.Equal(t, domain.PurposeReversal, leg.Purpose)
		assert.Equal(t, transfer.Reference, leg.Metadata[domain.MetaOriginalReference])
	}

	// Originals are untouched: still exactly two entries under the old
	// reference.
	legs, err = f.store.EntriesByReference(ctx, transfer.Reference)
	require.NoError(t, err)
	assert.Len(t, legs, 2)
}

func TestTransfer_SelfTransferRejected(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, 1, 1000)

	_, err := f.svc.Transfer(context.Background(), acc, acc, decimal.NewFromInt(10))
	require.ErrorIs(t, err, service.ErrValidation)
	requireAmount(t, 1000, f.balance(t, acc))
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 100)
	b := f.account(t, 2, 0)

	_, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(101))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)
	requireAmount(t, 100, f.balance(t, a))
	requireAmount(t, 0, f.balance(t, b))
}

// Atomicity: when the credit leg fails, no debit is observable.
func TestTransfer_RecipientMissingLeavesSenderUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 5000)

	_, err := f.svc.Transfer(ctx, a, 404, decimal.NewFromInt(1000))
	require.ErrorIs(t, err, store.ErrAccountNotFound)
	requireAmount(t, 5000, f.balance(t, a))

	entries, err := f.store.EntriesByAccount(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted transfer must not leave entries")
}

func TestTransfer_DuplicateSubmissionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 10000)
	b := f.account(t, 2, 0)

	_, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(600))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(600))
	require.ErrorIs(t, err, idempotency.ErrDuplicate)
	requireAmount(t, 9400, f.balance(t, a))
	requireAmount(t, 600, f.balance(t, b))

	// A different amount is a different fingerprint.
	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(601))
	require.NoError(t, err)

	// And the original fingerprint frees up after the TTL.
	f.clk.Advance(2 * time.Minute)
	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(600))
	require.NoError(t, err)
}

// Two transfers whose parameters happen to concatenate to the same string
// are nonetheless distinct requests; both must commit.
func TestTransfer_AdjacentParameterShiftIsNotADuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 10000)
	b := f.account(t, 2, 0)
	var c int64
	for user := int64(3); user <= 23; user++ {
		c = f.account(t, user, 0)
	}
	require.Equal(t, int64(1), a)
	require.Equal(t, int64(2), b)
	require.Equal(t, int64(23), c)

	// 1 -> 23 for 45 and 1 -> 2 for 345: "1"+"23"+"45" == "1"+"2"+"345".
	_, err := f.svc.Transfer(ctx, a, c, decimal.NewFromInt(45))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(345))
	require.NoError(t, err)

	requireAmount(t, 10000-45-345, f.balance(t, a))
	requireAmount(t, 45, f.balance(t, c))
	requireAmount(t, 345, f.balance(t, b))
}

// An aborted transfer leaves no claim behind: once the sender is funded, an
// identical resubmission succeeds without waiting for the claim TTL.
func TestTransfer_AbortedTransferCanBeRetriedImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 100)
	b := f.account(t, 2, 0)

	_, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(500))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	_, err = f.svc.Deposit(ctx, a, decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(500))
	require.NoError(t, err)
	requireAmount(t, 600, f.balance(t, a))
	requireAmount(t, 500, f.balance(t, b))

	// The committed retry is itself guarded again.
	_, err = f.svc.Transfer(ctx, a, b, decimal.NewFromInt(500))
	require.ErrorIs(t, err, idempotency.ErrDuplicate)
}

func TestTransfer_ConcurrentDuplicates_ExactlyOneCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 10000)
	b := f.account(t, 2, 0)

	const submissions = 20
	var wg sync.WaitGroup
	results := make(chan error, submissions)
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(777))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	committed, duplicates := 0, 0
	for err := range results {
		if err == nil {
			committed++
			continue
		}
		require.ErrorIs(t, err, idempotency.ErrDuplicate)
		duplicates++
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, submissions-1, duplicates)
	requireAmount(t, 10000-777, f.balance(t, a))
	requireAmount(t, 777, f.balance(t, b))
}

type downGuard struct{}

func (downGuard) Claim(ctx context.Context, accountID int64, fingerprint string) error {
	return fmt.Errorf("%w: connection refused", idempotency.ErrUnavailable)
}

func (downGuard) Release(ctx context.Context, accountID int64, fingerprint string) error {
	return fmt.Errorf("%w: connection refused", idempotency.ErrUnavailable)
}

// Fail-closed: an unreachable guard backend rejects the transfer outright.
func TestTransfer_GuardUnavailableRejects(t *testing.T) {
	clk := &clock.Fixed{Instant: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(clk)
	svc := service.New(mem, downGuard{}, []byte("k"), clk)
	ctx := context.Background()

	a, err := svc.CreateAccount(ctx, 1, decimal.NewFromInt(1000))
	require.NoError(t, err)
	b, err := svc.CreateAccount(ctx, 2, decimal.Zero)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, a.ID, b.ID, decimal.NewFromInt(10))
	require.ErrorIs(t, err, idempotency.ErrUnavailable)

	got, err := mem.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	requireAmount(t, 1000, got.Balance)
}

func TestReverse_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reverse(context.Background(), "no-such-ref")
	require.ErrorIs(t, err, service.ErrReferenceNotFound)
}

func TestReverse_SecondReversalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 1000)
	b := f.account(t, 2, 0)

	transfer, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(400))
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, transfer.Reference)
	require.NoError(t, err)
	requireAmount(t, 1000, f.balance(t, a))
	requireAmount(t, 0, f.balance(t, b))

	_, err = f.svc.Reverse(ctx, transfer.Reference)
	require.ErrorIs(t, err, service.ErrAlreadyReversed)
	// Must not double-restore.
	requireAmount(t, 1000, f.balance(t, a))
	requireAmount(t, 0, f.balance(t, b))
}

func TestReverse_ReversalReferenceCanItselfBeReversed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 1000)
	b := f.account(t, 2, 0)

	transfer, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(400))
	require.NoError(t, err)
	reversal, err := f.svc.Reverse(ctx, transfer.Reference)
	require.NoError(t, err)

	// Reversing the reversal replays the original movement.
	_, err = f.svc.Reverse(ctx, reversal.Reference)
	require.NoError(t, err)
	requireAmount(t, 600, f.balance(t, a))
	requireAmount(t, 400, f.balance(t, b))
}

// A recipient who spent the funds cannot be debited back; the reversal
// aborts whole and reports the failed leg.
func TestReverse_LegFailureAbortsWholeReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, 1, 1000)
	b := f.account(t, 2, 0)

	transfer, err := f.svc.Transfer(ctx, a, b, decimal.NewFromInt(400))
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, b, decimal.NewFromInt(400))
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, transfer.Reference)
	var revErr *service.ReversalError
	require.ErrorAs(t, err, &revErr)
	require.Len(t, revErr.Legs, 1)
	assert.Equal(t, b, revErr.Legs[0].AccountID)
	assert.Equal(t, domain.Debit, revErr.Legs[0].Direction)
	assert.ErrorIs(t, revErr.Legs[0].Err, store.ErrInsufficientFunds)

	// Nothing moved: no partial reversal.
	requireAmount(t, 600, f.balance(t, a))
	requireAmount(t, 0, f.balance(t, b))
}

func TestSettleCardPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 1, 0)

	rcpt, err := f.svc.SettleCardPayment(ctx, acc, decimal.NewFromInt(3500), "psk_ref_1")
	require.NoError(t, err)
	requireAmount(t, 3500, rcpt.Balance)

	entries, err := f.store.EntriesByReference(ctx, rcpt.Reference)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PurposeCardFunding, entries[0].Purpose)
	assert.Equal(t, "psk_ref_1", entries[0].Metadata[domain.MetaExternalReference])

	// The same settled charge can never credit twice.
	_, err = f.svc.SettleCardPayment(ctx, acc, decimal.NewFromInt(3500), "psk_ref_1")
	require.ErrorIs(t, err, store.ErrAlreadySettled)
	requireAmount(t, 3500, f.balance(t, acc))
}

// Conservation: internal movement never changes the system total; only
// deposits and withdrawals do. Every committed transfer reference stays
// balanced and no balance ever goes negative.
func TestRandomizedOperations_ConservationAndNonNegativity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))

	accounts := make([]int64, 4)
	total := decimal.Zero
	for i := range accounts {
		opening := int64(r.Intn(10000))
		accounts[i] = f.account(t, int64(i+1), opening)
		total = total.Add(decimal.NewFromInt(opening))
	}
	var transfers []string

	for i := 0; i < 400; i++ {
		amount := decimal.NewFromInt(int64(r.Intn(3000) + 1))
		from := accounts[r.Intn(len(accounts))]
		to := accounts[r.Intn(len(accounts))]

		switch r.Intn(4) {
		case 0:
			if _, err := f.svc.Deposit(ctx, from, amount); err == nil {
				total = total.Add(amount)
			}
		case 1:
			if _, err := f.svc.Withdraw(ctx, from, amount); err == nil {
				total = total.Sub(amount)
			}
		case 2:
			if rcpt, err := f.svc.Transfer(ctx, from, to, amount); err == nil {
				transfers = append(transfers, rcpt.Reference)
			}
		case 3:
			if len(transfers) > 0 {
				ref := transfers[r.Intn(len(transfers))]
				_, _ = f.svc.Reverse(ctx, ref)
			}
		}

		sum := decimal.Zero
		for _, id := range accounts {
			bal := f.balance(t, id)
			require.False(t, bal.IsNegative(), "negative balance on account %d at step %d", id, i)
			sum = sum.Add(bal)
		}
		require.True(t, sum.Equal(total), "conservation broken at step %d: total %s, sum %s", i, total, sum)
	}

	for _, ref := range transfers {
		legs, err := f.store.EntriesByReference(ctx, ref)
		require.NoError(t, err)
		debits, credits := decimal.Zero, decimal.Zero
		for _, leg := range legs {
			if leg.Direction == domain.Debit {
				debits = debits.Add(leg.Amount)
			} else {
				credits = credits.Add(leg.Amount)
			}
		}
		require.True(t, debits.Equal(credits), "unbalanced reference %s", ref)
	}
}
