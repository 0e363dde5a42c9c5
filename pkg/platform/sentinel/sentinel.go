package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Contact stores and lockers return
// these (optionally wrapped) and the resolver translates them into domain errors.
//
//   - ErrNotFound: no contact row with the requested id
//   - ErrInvalidState: a contact is in the wrong state for the operation (e.g. demoting a secondary)
//   - ErrLockTimeout: an identity-key lock could not be acquired before the deadline
//   - ErrUnavailable: a backing service (Redis, database) is not reachable
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrLockTimeout  = errors.New("lock timeout")
	ErrUnavailable  = errors.New("unavailable")
)
