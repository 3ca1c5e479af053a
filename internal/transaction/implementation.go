// internal/transaction/implementation.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loanbridge/internal/statuschain"
	"loanbridge/internal/tenantctx"
)

// saveAttempts bounds the optimistic-concurrency retry loop. A conflict
// means another caller or event mutated the same id between our read and
// write; re-reading picks up their result.
const saveAttempts = 3

// service implements the Service interface.
type service struct {
	store    Store
	audit    AuditTrail
	renewals RenewalClient
	logger   *zap.Logger
}

// NewService creates a new transaction lifecycle service.
func NewService(store Store, audit AuditTrail, renewals RenewalClient, logger *zap.Logger) Service {
	return &service{
		store:    store,
		audit:    audit,
		renewals: renewals,
		logger:   logger,
	}
}

// Create persists a new transaction exactly once per id. Duplicate and
// failed attempts still leave an audit record behind.
func (s *service) Create(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx == nil || tx.ID == "" {
		return nil, errors.New("transaction id is required")
	}
	if _, err := statuschain.ParseRole(string(tx.Role)); err != nil {
		return nil, err
	}
	if tx.Status == "" {
		tx.Status = statuschain.StatusCreated
	}
	if _, err := statuschain.ParseStatus(string(tx.Status)); err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			s.recordDuplicate(ctx, tx.ID, tx)
			return nil, fmt.Errorf("create transaction %s: %w", tx.ID, ErrDuplicate)
		}
		s.recordError(ctx, tx.ID, nil, err)
		return nil, fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}

	if auditErr := s.audit.RecordSuccess(ctx, nil, created, created.Status); auditErr != nil {
		s.logger.Error("audit write failed after create",
			zap.String("transaction_id", created.ID), zap.Error(auditErr))
	}

	s.logger.Info("transaction created",
		zap.String("transaction_id", created.ID),
		zap.String("role", string(created.Role)),
		zap.String("status", string(created.Status)))
	return created, nil
}

// Get returns the transaction for the given id.
func (s *service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.FindByID(ctx, id)
}

// UpdateStatus moves the transaction to the requested status if the role's
// chain permits it. The stored status jumps straight to the target; one
// audit record per traversed status keeps the implicit intermediates
// discoverable from the history view.
func (s *service) UpdateStatus(ctx context.Context, id string, requested statuschain.Status) (*Transaction, error) {
	if _, err := statuschain.ParseStatus(string(requested)); err != nil {
		return nil, err
	}

	var conflict error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		current, err := s.store.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("update transaction %s: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("update transaction %s: %w", id, err)
		}

		chain, err := statuschain.ForRole(current.Role)
		if err != nil {
			s.recordError(ctx, id, current, err)
			return nil, err
		}

		passed, err := chain.Expand(current.Status, requested)
		if err != nil {
			s.recordError(ctx, id, current, err)
			return nil, fmt.Errorf("update transaction %s: %w", id, err)
		}
		if len(passed) == 0 {
			// Already there; nothing to mutate, nothing to audit.
			return current, nil
		}

		updated := *current
		updated.Status = requested
		updated.UpdatedBy = tenantctx.Actor(ctx)

		saved, err := s.store.Save(ctx, &updated)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				conflict = err
				continue
			}
			s.recordError(ctx, id, current, err)
			return nil, fmt.Errorf("update transaction %s: %w", id, err)
		}

		s.recordTraversal(ctx, current, saved, passed)
		s.logger.Info("transaction status updated",
			zap.String("transaction_id", id),
			zap.String("from", string(current.Status)),
			zap.String("to", string(requested)),
			zap.Int("steps", len(passed)))
		return saved, nil
	}

	s.recordError(ctx, id, nil, conflict)
	return nil, fmt.Errorf("update transaction %s: %w", id, conflict)
}

// recordTraversal appends one success record per status the update passed
// through. Intermediate snapshots are synthesized from the saved entity so
// every record carries a full before/after pair.
func (s *service) recordTraversal(ctx context.Context, before, saved *Transaction, passed []statuschain.Status) {
	prev := before
	for _, status := range passed {
		step := *saved
		step.Status = status
		if err := s.audit.RecordSuccess(ctx, prev, &step, status); err != nil {
			s.logger.Error("audit write failed after status update",
				zap.String("transaction_id", saved.ID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		prev = &step
	}
}

// BlockRenewal sets the renewal-count sentinel on the external loan record.
// Only legal for a borrowing-side transaction whose item is checked out.
func (s *service) BlockRenewal(ctx context.Context, id string) error {
	return s.setRenewalBlock(ctx, id, true)
}

// UnblockRenewal clears the renewal-count sentinel on the external loan record.
func (s *service) UnblockRenewal(ctx context.Context, id string) error {
	return s.setRenewalBlock(ctx, id, false)
}

func (s *service) setRenewalBlock(ctx context.Context, id string, blocked bool) error {
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("renewal block %s: %w", id, err)
	}

	if !current.Role.IsBorrowingSide() || current.Status != statuschain.StatusItemCheckedOut {
		gateErr := fmt.Errorf("%w: role %s in status %s", ErrRenewalGate, current.Role, current.Status)
		s.recordError(ctx, id, current, gateErr)
		return gateErr
	}
	if current.RenewalBlocked == blocked {
		return nil
	}

	if blocked {
		err = s.renewals.BlockRenewals(ctx, current.ItemID)
	} else {
		err = s.renewals.UnblockRenewals(ctx, current.ItemID)
	}
	if err != nil {
		s.recordError(ctx, id, current, err)
		return fmt.Errorf("renewal block %s: %w", id, err)
	}

	updated := *current
	updated.RenewalBlocked = blocked
	updated.UpdatedBy = tenantctx.Actor(ctx)

	saved, err := s.store.Save(ctx, &updated)
	if err != nil {
		s.recordError(ctx, id, current, err)
		return fmt.Errorf("renewal block %s: %w", id, err)
	}

	if auditErr := s.audit.RecordSuccess(ctx, current, saved, saved.Status); auditErr != nil {
		s.logger.Error("audit write failed after renewal block change",
			zap.String("transaction_id", id), zap.Error(auditErr))
	}
	return nil
}

// StatusHistory returns the paged status-change view over the audit trail.
func (s *service) StatusHistory(ctx context.Context, from, to time.Time, page, size int) (*StatusHistoryPage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	return s.audit.StatusHistory(ctx, from, to, page, size)
}

func (s *service) recordDuplicate(ctx context.Context, id string, attempted *Transaction) {
	if err := s.audit.RecordDuplicate(ctx, id, attempted); err != nil {
		s.logger.Error("audit write failed for duplicate create",
			zap.String("transaction_id", id), zap.Error(err))
	}
}

func (s *service) recordError(ctx context.Context, id string, before *Transaction, cause error) {
	if err := s.audit.RecordError(ctx, id, before, cause); err != nil {
		s.logger.Error("audit write failed for rejected mutation",
			zap.String("transaction_id", id), zap.Error(err))
	}
}
