// internal/statuschain/chain.go
package statuschain

import "fmt"

// Rule governs one adjacent pair of chain statuses. A manual rule may only
// be traversed by an update that names exactly that single step; it is never
// performed implicitly as part of a longer jump.
type Rule struct {
	Current Status
	Next    Status
	Manual  bool
}

// Chain is the ordered transition table for one role family, together with
// the set of statuses from which cancellation is permitted.
type Chain struct {
	family      string
	rules       []Rule
	cancellable map[Status]struct{}
}

var (
	lendingChain = Chain{
		family: "lending",
		rules: []Rule{
			{Current: StatusCreated, Next: StatusOpen},
			{Current: StatusOpen, Next: StatusAwaitingPickup},
			{Current: StatusAwaitingPickup, Next: StatusItemCheckedOut},
			{Current: StatusItemCheckedOut, Next: StatusItemCheckedIn},
			// Closing the loan is the lender's decision: never implicit.
			{Current: StatusItemCheckedIn, Next: StatusClosed, Manual: true},
		},
		cancellable: statusSet(
			StatusCreated, StatusOpen, StatusAwaitingPickup,
			StatusItemCheckedOut, StatusItemCheckedIn, StatusExpired,
		),
	}

	borrowingChain = Chain{
		family: "borrowing",
		rules: []Rule{
			{Current: StatusCreated, Next: StatusOpen},
			{Current: StatusOpen, Next: StatusAwaitingPickup},
			{Current: StatusAwaitingPickup, Next: StatusItemCheckedOut},
			{Current: StatusItemCheckedOut, Next: StatusItemCheckedIn},
			{Current: StatusItemCheckedIn, Next: StatusClosed},
		},
		// An item already checked back in on the borrowing side is past the
		// point of cancellation; only the lender may still cancel there.
		cancellable: statusSet(
			StatusCreated, StatusOpen, StatusAwaitingPickup,
			StatusItemCheckedOut, StatusExpired,
		),
	}
)

func statusSet(statuses ...Status) map[Status]struct{} {
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// ForRole returns the chain governing the given role.
func ForRole(role Role) (Chain, error) {
	switch role {
	case RoleLender:
		return lendingChain, nil
	case RoleBorrower, RolePickup, RoleBorrowingPickup:
		return borrowingChain, nil
	}
	return Chain{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// Family names the role family this chain serves.
func (c Chain) Family() string { return c.family }

// Rules returns a copy of the chain's transition table.
func (c Chain) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Cancellable reports whether cancellation is permitted from the given status.
func (c Chain) Cancellable(from Status) bool {
	_, ok := c.cancellable[from]
	return ok
}

// Expand answers whether the transition from → to is legal for this chain
// and, if so, returns the ordered statuses the transaction passes through,
// ending with to. The result is empty when from == to (a no-op).
//
// Cancellation and expiry bypass the ordinal walk: they are sideways moves
// out of any eligible non-terminal status.
func (c Chain) Expand(from, to Status) ([]Status, error) {
	if from.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, from)
	}
	if from == to {
		return nil, nil
	}

	if to == StatusCancelled {
		if !c.Cancellable(from) {
			return nil, fmt.Errorf("%w: %s role family %q", ErrNotCancellable, from, c.family)
		}
		return []Status{StatusCancelled}, nil
	}

	if from == StatusExpired {
		// Expiry reconciliation is the only way forward: the corroborating
		// check-in closes the transaction.
		if to == StatusClosed {
			return []Status{StatusClosed}, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}

	if to == StatusExpired {
		return []Status{StatusExpired}, nil
	}

	fromOrd, ok := Ordinal(from)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}
	toOrd, ok := Ordinal(to)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if fromOrd > toOrd {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}

	var passed []Status
	for _, rule := range c.rules {
		currentOrd, _ := Ordinal(rule.Current)
		nextOrd, _ := Ordinal(rule.Next)
		if currentOrd < fromOrd || nextOrd > toOrd {
			continue
		}
		if rule.Manual && !(rule.Current == from && rule.Next == to) {
			return nil, fmt.Errorf("%w: %s -> %s requires an explicit update", ErrManualStepSkipped, rule.Current, rule.Next)
		}
		passed = append(passed, rule.Next)
	}
	return passed, nil
}
