// Package idempotency protects sensitive operations against accidental
// double submission. The guard is a courtesy layer, not the source of
// financial correctness: balance invariants hold even without it, and when
// the backend is unreachable the guard fails closed.
package idempotency

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrDuplicate means a live claim for the same fingerprint exists.
	ErrDuplicate = errors.New("duplicate transaction")
	// ErrUnavailable means the guard backend could not be reached; callers
	// must reject the operation rather than proceed unchecked.
	ErrUnavailable = errors.New("idempotency backend unavailable")
)

// Guard grants at most one live claim per (account, fingerprint) pair.
// Claims expire after the guard's TTL or when released.
type Guard interface {
	Claim(ctx context.Context, accountID int64, fingerprint string) error
	// Release drops a live claim so an aborted operation can be retried
	// without waiting out the TTL. Best effort: if the release fails the
	// claim simply lingers until it expires.
	Release(ctx context.Context, accountID int64, fingerprint string) error
}

// Fingerprint digests the semantic parameters of a request with a keyed
// HMAC-SHA512. Two textually different but semantically identical requests
// collide; any differing parameter diverges. Parts are joined with a
// separator that cannot appear in account ids or decimal amounts, so a
// boundary shift between adjacent parts never produces the same digest.
func Fingerprint(key []byte, parts ...string) string {
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
