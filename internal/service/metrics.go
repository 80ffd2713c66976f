package service

import (
	"errors"

	"github.com/decoupledfin/walletcore/internal/idempotency"
	"github.com/decoupledfin/walletcore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations partitioned by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

func observeOperation(operation string, err error) {
	operationsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	var revErr *ReversalError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, idempotency.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, idempotency.ErrUnavailable):
		return "guard_unavailable"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, store.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, store.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrReferenceNotFound):
		return "reference_not_found"
	case errors.Is(err, ErrAlreadyReversed):
		return "already_reversed"
	case errors.As(err, &revErr):
		return "leg_failed"
	default:
		return "error"
	}
}
