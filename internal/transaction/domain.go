// internal/transaction/domain.go
package transaction

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"loanbridge/internal/statuschain"
)

// Transaction tracks one interlibrary loan from creation to closure. The ID
// is supplied by the caller and doubles as the idempotency key; ItemID and
// RequestID are the correlation keys external circulation events arrive with.
type Transaction struct {
	ID        string             `json:"id"`
	Role      statuschain.Role   `json:"role"`
	Status    statuschain.Status `json:"status"`
	ItemID    uuid.UUID          `json:"item_id"`
	RequestID uuid.UUID          `json:"request_id"`

	Title        string `json:"title,omitempty"`
	Barcode      string `json:"barcode,omitempty"`
	MaterialType string `json:"material_type,omitempty"`

	PickupLibraryCode  string `json:"pickup_library_code,omitempty"`
	LendingLibraryCode string `json:"lending_library_code,omitempty"`

	PatronID    string `json:"patron_id,omitempty"`
	PatronGroup string `json:"patron_group,omitempty"`

	SelfBorrowing  bool `json:"self_borrowing"`
	RenewalBlocked bool `json:"renewal_blocked"`

	// Version backs the optimistic concurrency check in Store.Save.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Audit actions for failed mutation attempts. Successful attempts use the
// resulting status value as the action, so the history view can be filtered
// to status-bearing records.
const (
	ActionError     = "ERROR"
	ActionDuplicate = "DUPLICATE_ERROR"
)

// AuditRecord is one immutable before/after snapshot of a mutation attempt.
// Before is empty on creation; After is empty on failure.
type AuditRecord struct {
	ID            uuid.UUID `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Action        string    `json:"action"`
	Before        []byte    `json:"before,omitempty"`
	After         []byte    `json:"after,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
}

// StatusHistoryEntry is one row of the paged status-history view.
type StatusHistoryEntry struct {
	TransactionID string             `json:"transaction_id"`
	Status        statuschain.Status `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
}

// StatusHistoryPage is a page of history entries plus paging bounds.
type StatusHistoryPage struct {
	Entries      []StatusHistoryEntry `json:"entries"`
	Page         int                  `json:"page"`
	Size         int                  `json:"size"`
	TotalRecords int                  `json:"total_records"`
	TotalPages   int                  `json:"total_pages"`
}

var (
	// ErrDuplicate signals that a transaction already exists for the id.
	ErrDuplicate = errors.New("transaction already exists")
	// ErrNotFound signals that no transaction exists for the id or key.
	ErrNotFound = errors.New("transaction not found")
	// ErrVersionConflict signals a concurrent mutation won the save race.
	ErrVersionConflict = errors.New("transaction version conflict")
	// ErrRenewalGate signals the renewal block/unblock precondition failed.
	ErrRenewalGate = errors.New("renewal block not permitted")
)
