// internal/statuschain/domain.go
package statuschain

import (
	"errors"
	"fmt"
)

// Status is a lifecycle state of a resource-sharing transaction.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusOpen           Status = "OPEN"
	StatusAwaitingPickup Status = "AWAITING_PICKUP"
	StatusItemCheckedOut Status = "ITEM_CHECKED_OUT"
	StatusItemCheckedIn  Status = "ITEM_CHECKED_IN"
	StatusClosed         Status = "CLOSED"

	// StatusCancelled and StatusExpired sit outside the ordinal chain and
	// are reached sideways rather than by forward progress.
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Role is the perspective a library site has on a transaction.
type Role string

const (
	RoleLender          Role = "LENDER"
	RoleBorrower        Role = "BORROWER"
	RolePickup          Role = "PICKUP"
	RoleBorrowingPickup Role = "BORROWING_PICKUP"
)

var (
	ErrUnknownStatus      = errors.New("unknown transaction status")
	ErrUnknownRole        = errors.New("unknown transaction role")
	ErrBackwardTransition = errors.New("status cannot move backward")
	ErrManualStepSkipped  = errors.New("manual status step cannot be performed as part of a jump")
	ErrTerminalStatus     = errors.New("transaction status is terminal")
	ErrNotCancellable     = errors.New("transaction is not cancellable from its current status")
)

// ordinals maps chain statuses to their forward-progress position.
// Cancelled and Expired deliberately have no entry.
var ordinals = map[Status]int{
	StatusCreated:        0,
	StatusOpen:           1,
	StatusAwaitingPickup: 2,
	StatusItemCheckedOut: 3,
	StatusItemCheckedIn:  4,
	StatusClosed:         5,
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusCreated, StatusOpen, StatusAwaitingPickup, StatusItemCheckedOut,
		StatusItemCheckedIn, StatusClosed, StatusCancelled, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	switch r {
	case RoleLender, RoleBorrower, RolePickup, RoleBorrowingPickup:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// Ordinal returns the forward-progress position of a chain status. The
// second return is false for out-of-band statuses (CANCELLED, EXPIRED).
func Ordinal(s Status) (int, bool) {
	o, ok := ordinals[s]
	return o, ok
}

// IsTerminal reports whether no further mutation is permitted.
// EXPIRED is out-of-band but not terminal: expiry reconciliation may still
// close or cancel an expired transaction.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// IsBorrowingSide reports whether the role belongs to the borrowing family.
func (r Role) IsBorrowingSide() bool {
	return r == RoleBorrower || r == RolePickup || r == RoleBorrowingPickup
}
