package flashguard

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks transient failures talking to the shared store.
	ErrStoreUnavailable = errors.New("flashguard: store unavailable")
	// ErrLockNotHeld is returned when a release does not match the current owner.
	ErrLockNotHeld = errors.New("flashguard: lock not held by owner")
	// ErrSerialization wraps codec failures. On read they are healed as misses.
	ErrSerialization = errors.New("flashguard: serialization failed")
	// ErrLockContention is returned by the mutex strategy after its retries ran out.
	ErrLockContention = errors.New("flashguard: rebuild lock contended")
	// ErrNoIdentity is returned when a context carries no caller identity.
	ErrNoIdentity = errors.New("flashguard: no caller identity in context")
)

// StoreError is a failed shared-store round trip.
// errors.Is(err, ErrStoreUnavailable) holds for every StoreError.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("flashguard: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("flashguard: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error {
	errs := make([]error, 0, 2)
	errs = append(errs, ErrStoreUnavailable)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
