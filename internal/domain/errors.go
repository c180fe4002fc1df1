package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
	ErrLockLost     = errors.New("lock lost")

	// ErrTransientSource is a retryable log source failure (timeout, rate
	// limit, connection reset). The cursor does not move.
	ErrTransientSource = errors.New("transient log source error")
	// ErrSourceTimeout is a transient failure caused by a provider timeout.
	// On a multi-block range the caller bisects instead of only retrying.
	ErrSourceTimeout = fmt.Errorf("%w: timeout", ErrTransientSource)
	// ErrRangeTooLarge means the provider rejected a block range; the caller
	// bisects it.
	ErrRangeTooLarge = errors.New("block range too large")
	// ErrPersistenceConflict is a serialization failure or deadlock; the
	// transaction is retried.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrInvariantViolation means stored financial data is inconsistent. The
	// affected key is frozen and an operator is alerted.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrKeyFrozen is returned for writes to a frozen participant key.
	ErrKeyFrozen = errors.New("participant key frozen")
	// ErrInvalidTransition is returned by the optimistic store.
	ErrInvalidTransition = errors.New("invalid state transition")
)
