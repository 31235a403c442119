package wallet

import (
	"errors"
	"strings"
)

var (
	// ErrSubmission wraps broadcast failures (network, nonce conflict, fee
	// rejected).
	ErrSubmission = errors.New("transaction submission failed")
	// ErrUnrecoverable marks submission errors that retrying cannot fix
	// (invalid signer, chain id mismatch).
	ErrUnrecoverable = errors.New("unrecoverable submission error")
	// ErrConfirmationExceeded is returned when a transaction is not mined
	// within confirmationTimeout for maxTries replacements.
	ErrConfirmationExceeded = errors.New("transaction confirmation attempts exceeded")
	// ErrNonceConsumedElsewhere is returned when a transaction at our nonce
	// confirmed with a hash we did not sign.
	ErrNonceConsumedElsewhere = errors.New("nonce consumed by an unknown transaction")
)

// isNonceError reports whether a broadcast error indicates the nonce is
// already taken, either by an out-of-band transaction or after a restart.
func isNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "invalid nonce")
}

// isUnrecoverableError reports whether a broadcast error cannot be fixed by
// retrying the same payload.
func isUnrecoverableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid sender") ||
		strings.Contains(msg, "invalid chain id") ||
		strings.Contains(msg, "chain id mismatch") ||
		strings.Contains(msg, "exceeds block gas limit")
}
