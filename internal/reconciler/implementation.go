// internal/reconciler/implementation.go
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loanbridge/internal/statuschain"
	"loanbridge/internal/transaction"
)

// requestStatusTargets routes a remote hold state onto the transaction
// status it corresponds to. Anything absent from the table is a no-op:
// later portions of the lifecycle are driven by loan events, not by the
// request record.
var requestStatusTargets = map[RequestStatus]statuschain.Status{
	RequestOpenNotYetFilled:   statuschain.StatusOpen,
	RequestOpenInTransit:      statuschain.StatusOpen,
	RequestOpenAwaitingPickup: statuschain.StatusAwaitingPickup,
}

// service implements the Service interface.
type service struct {
	store        transaction.Store
	transactions transaction.Service
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewService creates a new event reconciler.
func NewService(store transaction.Store, transactions transaction.Service, logger *zap.Logger) Service {
	return &service{
		store:        store,
		transactions: transactions,
		logger:       logger,
		tracer:       otel.Tracer("loanbridge/reconciler"),
	}
}

// Process classifies one event, resolves the candidate open transaction by
// its correlation key, and dispatches the matching status transitions.
// Absence of a match means the event is irrelevant here or arrived after
// the transaction closed; that is a no-op, not an error.
func (s *service) Process(ctx context.Context, event Event) error {
	ctx, span := s.tracer.Start(ctx, "reconciler.process",
		trace.WithAttributes(attribute.String("event.type", string(event.Type))),
	)
	defer span.End()

	switch event.Type {
	case EventCheckIn:
		return s.processCheckIn(ctx, event)
	case EventLoanCheckOut:
		return s.processLoanCheckOut(ctx, event)
	case EventRequestStatus:
		return s.processRequestStatus(ctx, event)
	case EventRequestCancel:
		return s.processRequestCancel(ctx, event)
	}

	s.logger.Warn("dropping event of unrecognized type", zap.String("type", string(event.Type)))
	return nil
}

// processCheckIn handles a circulation check-in of the loaned item. For the
// lender this is sufficient authority to both check in and close the loan,
// even though closing is a manual step for direct API callers. A check-in
// corroborating an expired pickup window closes the transaction for any role.
func (s *service) processCheckIn(ctx context.Context, event Event) error {
	tx, ok, err := s.findOpen(ctx, s.store.FindOpenByItemID, event.ItemID, "item")
	if err != nil || !ok {
		return err
	}

	if tx.Status == statuschain.StatusExpired {
		return s.advance(ctx, tx.ID, statuschain.StatusClosed)
	}

	if tx.Role != statuschain.RoleLender {
		return nil
	}

	switch tx.Status {
	case statuschain.StatusAwaitingPickup, statuschain.StatusItemCheckedOut:
		return s.advance(ctx, tx.ID, statuschain.StatusItemCheckedIn, statuschain.StatusClosed)
	case statuschain.StatusItemCheckedIn:
		return s.advance(ctx, tx.ID, statuschain.StatusClosed)
	}
	return nil
}

// processLoanCheckOut handles a check-out at the pickup location. Loan
// events not flagged as resource-sharing loans are ignored outright.
func (s *service) processLoanCheckOut(ctx context.Context, event Event) error {
	if event.DCB == nil || !*event.DCB {
		return nil
	}

	tx, ok, err := s.findOpen(ctx, s.store.FindOpenByItemID, event.ItemID, "item")
	if err != nil || !ok {
		return err
	}

	if tx.Role != statuschain.RolePickup && tx.Role != statuschain.RoleBorrowingPickup {
		return nil
	}
	if tx.Status != statuschain.StatusAwaitingPickup {
		// Already checked out (duplicate delivery) or not yet at the
		// pickup stage; either way there is nothing to advance.
		return nil
	}
	return s.advance(ctx, tx.ID, statuschain.StatusItemCheckedOut)
}

// processRequestStatus walks a pickup-side transaction through the early
// portion of the chain as the remote hold progresses.
func (s *service) processRequestStatus(ctx context.Context, event Event) error {
	target, routed := requestStatusTargets[event.RequestStatus]
	if !routed {
		return nil
	}

	tx, ok, err := s.findOpen(ctx, s.store.FindOpenByRequestID, event.RequestID, "request")
	if err != nil || !ok {
		return err
	}

	if tx.Role != statuschain.RolePickup && tx.Role != statuschain.RoleBorrowingPickup {
		return nil
	}

	currentOrd, currentOK := statuschain.Ordinal(tx.Status)
	targetOrd, _ := statuschain.Ordinal(target)
	if !currentOK || currentOrd >= targetOrd {
		// Duplicate or reordered delivery; the transaction already moved past.
		return nil
	}
	return s.advance(ctx, tx.ID, target)
}

// processRequestCancel drives the transaction to CANCELLED unless the event
// announces a superseding re-request.
func (s *service) processRequestCancel(ctx context.Context, event Event) error {
	if event.ReRequested {
		s.logger.Info("request cancelled with re-request pending, leaving transaction untouched",
			zap.String("request_id", event.RequestID.String()))
		return nil
	}

	tx, ok, err := s.findOpen(ctx, s.store.FindOpenByRequestID, event.RequestID, "request")
	if err != nil || !ok {
		return err
	}

	s.logger.Info("cancelling transaction for cancelled request",
		zap.String("transaction_id", tx.ID),
		zap.String("reason", event.CancellationReason))
	return s.advance(ctx, tx.ID, statuschain.StatusCancelled)
}

type lookupFunc func(ctx context.Context, key uuid.UUID) (*transaction.Transaction, error)

func (s *service) findOpen(ctx context.Context, lookup lookupFunc, key uuid.UUID, kind string) (*transaction.Transaction, bool, error) {
	if key == uuid.Nil {
		s.logger.Warn("dropping event without correlation key", zap.String("key_kind", kind))
		return nil, false, nil
	}

	tx, err := lookup(ctx, key)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			s.logger.Debug("no open transaction for event",
				zap.String("key_kind", kind), zap.String("key", key.String()))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resolve transaction by %s %s: %w", kind, key, err)
	}
	return tx, true, nil
}

// advance performs one explicit status update per target, funneling through
// the same chain checks, locking, and audit discipline as direct callers.
func (s *service) advance(ctx context.Context, id string, targets ...statuschain.Status) error {
	for _, target := range targets {
		if _, err := s.transactions.UpdateStatus(ctx, id, target); err != nil {
			return fmt.Errorf("advance transaction %s to %s: %w", id, target, err)
		}
	}
	return nil
}
