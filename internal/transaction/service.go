// internal/transaction/service.go
package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loanbridge/internal/statuschain"
)

// Service is the synchronous, caller-driven half of the lifecycle engine.
type Service interface {
	Create(ctx context.Context, tx *Transaction) (*Transaction, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, requested statuschain.Status) (*Transaction, error)
	BlockRenewal(ctx context.Context, id string) error
	UnblockRenewal(ctx context.Context, id string) error
	StatusHistory(ctx context.Context, from, to time.Time, page, size int) (*StatusHistoryPage, error)
}

// Store is the persistence boundary for transactions. Create is
// atomic-and-unique per id; Save performs a compare-and-swap on Version so
// concurrent read-modify-write sequences on one id cannot lose updates.
type Store interface {
	Create(ctx context.Context, tx *Transaction) (*Transaction, error)
	FindByID(ctx context.Context, id string) (*Transaction, error)
	// FindOpenByItemID and FindOpenByRequestID exclude transactions in a
	// terminal status; at most one open transaction exists per key.
	FindOpenByItemID(ctx context.Context, itemID uuid.UUID) (*Transaction, error)
	FindOpenByRequestID(ctx context.Context, requestID uuid.UUID) (*Transaction, error)
	Save(ctx context.Context, tx *Transaction) (*Transaction, error)
}

// AuditTrail is the append-only record of every mutation attempt. Writes
// never roll back with the mutation that triggered them; failed attempts are
// exactly the evidence the trail exists to keep.
type AuditTrail interface {
	RecordSuccess(ctx context.Context, before, after *Transaction, action statuschain.Status) error
	RecordError(ctx context.Context, transactionID string, before *Transaction, cause error) error
	RecordDuplicate(ctx context.Context, transactionID string, attempted *Transaction) error
	StatusHistory(ctx context.Context, from, to time.Time, page, size int) (*StatusHistoryPage, error)
}

// RenewalClient mutates the renewal-count sentinel on the loan record held
// by the external circulation system.
type RenewalClient interface {
	BlockRenewals(ctx context.Context, itemID uuid.UUID) error
	UnblockRenewals(ctx context.Context, itemID uuid.UUID) error
}
