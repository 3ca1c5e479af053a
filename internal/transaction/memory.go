// internal/transaction/memory.go
package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loanbridge/internal/statuschain"
	"loanbridge/internal/tenantctx"
)

// MemoryStore is a mutex-guarded in-memory Store. It honors the same
// uniqueness and version compare-and-swap contracts as the Postgres store,
// which makes it the backing for unit tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]Transaction
}

// NewMemoryStore creates an empty in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]Transaction)}
}

// Create inserts a new transaction, failing with ErrDuplicate on id reuse.
func (s *MemoryStore) Create(ctx context.Context, tx *Transaction) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, ErrDuplicate)
	}

	now := time.Now().UTC()
	actor := tenantctx.Actor(ctx)

	created := *tx
	created.Version = 1
	created.CreatedAt = now
	created.UpdatedAt = now
	created.CreatedBy = actor
	created.UpdatedBy = actor

	s.transactions[created.ID] = created
	return &created, nil
}

// FindByID loads a transaction by its id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.transactions[id]
	if !exists {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return &stored, nil
}

// FindOpenByItemID returns the non-terminal transaction for the item, if any.
func (s *MemoryStore) FindOpenByItemID(ctx context.Context, itemID uuid.UUID) (*Transaction, error) {
	return s.findOpen(itemID.String(), func(tx Transaction) bool { return tx.ItemID == itemID })
}

// FindOpenByRequestID returns the non-terminal transaction for the request, if any.
func (s *MemoryStore) FindOpenByRequestID(ctx context.Context, requestID uuid.UUID) (*Transaction, error) {
	return s.findOpen(requestID.String(), func(tx Transaction) bool { return tx.RequestID == requestID })
}

func (s *MemoryStore) findOpen(key string, match func(Transaction) bool) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.transactions {
		if match(stored) && !stored.Status.IsTerminal() {
			found := stored
			return &found, nil
		}
	}
	return nil, fmt.Errorf("transaction for %s: %w", key, ErrNotFound)
}

// Save persists a mutated transaction with a version compare-and-swap.
func (s *MemoryStore) Save(ctx context.Context, tx *Transaction) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.transactions[tx.ID]
	if !exists {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, ErrNotFound)
	}
	if stored.Version != tx.Version {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, ErrVersionConflict)
	}

	saved := *tx
	saved.Version = tx.Version + 1
	saved.UpdatedAt = time.Now().UTC()
	s.transactions[saved.ID] = saved
	return &saved, nil
}

// MemoryAuditTrail is an append-only in-memory AuditTrail.
type MemoryAuditTrail struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditTrail creates an empty in-memory audit trail.
func NewMemoryAuditTrail() *MemoryAuditTrail {
	return &MemoryAuditTrail{}
}

// RecordSuccess appends a record for a completed mutation.
func (a *MemoryAuditTrail) RecordSuccess(ctx context.Context, before, after *Transaction, action statuschain.Status) error {
	return a.append(ctx, after.ID, string(action), before, after, "")
}

// RecordError appends a record for a rejected or failed mutation.
func (a *MemoryAuditTrail) RecordError(ctx context.Context, transactionID string, before *Transaction, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return a.append(ctx, transactionID, ActionError, before, nil, message)
}

// RecordDuplicate appends a record for an idempotency violation on create.
func (a *MemoryAuditTrail) RecordDuplicate(ctx context.Context, transactionID string, attempted *Transaction) error {
	return a.append(ctx, transactionID, ActionDuplicate, nil, attempted, "")
}

func (a *MemoryAuditTrail) append(ctx context.Context, transactionID, action string, before, after *Transaction, message string) error {
	beforeJSON, err := snapshot(before)
	if err != nil {
		return err
	}
	afterJSON, err := snapshot(after)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, AuditRecord{
		ID:            uuid.New(),
		TransactionID: transactionID,
		Action:        action,
		Before:        beforeJSON,
		After:         afterJSON,
		ErrorMessage:  message,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     tenantctx.Actor(ctx),
	})
	return nil
}

// Records returns a copy of every appended record, oldest first.
func (a *MemoryAuditTrail) Records() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// RecordsFor returns the records for one transaction id, oldest first.
func (a *MemoryAuditTrail) RecordsFor(transactionID string) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []AuditRecord
	for _, record := range a.records {
		if record.TransactionID == transactionID {
			out = append(out, record)
		}
	}
	return out
}

// StatusHistory pages over status-bearing records in time order.
func (a *MemoryAuditTrail) StatusHistory(ctx context.Context, from, to time.Time, page, size int) (*StatusHistoryPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var entries []StatusHistoryEntry
	for _, record := range a.records {
		if record.Action == ActionError || record.Action == ActionDuplicate {
			continue
		}
		if record.CreatedAt.Before(from) || record.CreatedAt.After(to) {
			continue
		}
		entries = append(entries, StatusHistoryEntry{
			TransactionID: record.TransactionID,
			Status:        statuschain.Status(record.Action),
			Timestamp:     record.CreatedAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	total := len(entries)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return &StatusHistoryPage{
		Entries:      entries[start:end],
		Page:         page,
		Size:         size,
		TotalRecords: total,
		TotalPages:   (total + size - 1) / size,
	}, nil
}
