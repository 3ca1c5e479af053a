// internal/transaction/postgres.go
package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loanbridge/internal/statuschain"
	"loanbridge/internal/tenantctx"
)

// PostgresStore persists transactions in Postgres. Uniqueness of the id is
// delegated to the primary key; lost updates are prevented by a version
// compare-and-swap in Save.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresStore creates a Postgres-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("loanbridge/transaction/store"),
	}
}

const transactionColumns = `
	id, role, status, item_id, request_id, title, barcode, material_type,
	pickup_library_code, lending_library_code, patron_id, patron_group,
	self_borrowing, renewal_blocked, version, created_at, updated_at,
	created_by, updated_by
`

// Create inserts a new transaction. A second insert for the same id signals
// ErrDuplicate without altering the stored record.
func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "store.create",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("transaction.role", string(tx.Role)),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	actor := tenantctx.Actor(ctx)

	created := *tx
	created.Version = 1
	created.CreatedAt = now
	created.UpdatedAt = now
	created.CreatedBy = actor
	created.UpdatedBy = actor

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		created.ID, created.Role, created.Status, created.ItemID, created.RequestID,
		created.Title, created.Barcode, created.MaterialType,
		created.PickupLibraryCode, created.LendingLibraryCode,
		created.PatronID, created.PatronGroup,
		created.SelfBorrowing, created.RenewalBlocked, created.Version,
		created.CreatedAt, created.UpdatedAt, created.CreatedBy, created.UpdatedBy,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("duplicate.detected", true))
			return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}

	return &created, nil
}

// FindByID loads a transaction by its id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "store.find_by_id",
		trace.WithAttributes(attribute.String("transaction.id", id)),
	)
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row, id)
}

// FindOpenByItemID returns the single non-terminal transaction correlated
// with the given item, if any.
func (s *PostgresStore) FindOpenByItemID(ctx context.Context, itemID uuid.UUID) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "store.find_open_by_item",
		trace.WithAttributes(attribute.String("item.id", itemID.String())),
	)
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE item_id = $1 AND status NOT IN ($2, $3)
	`, itemID, statuschain.StatusClosed, statuschain.StatusCancelled)
	return scanTransaction(row, itemID.String())
}

// FindOpenByRequestID returns the single non-terminal transaction correlated
// with the given lending-system request, if any.
func (s *PostgresStore) FindOpenByRequestID(ctx context.Context, requestID uuid.UUID) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "store.find_open_by_request",
		trace.WithAttributes(attribute.String("request.id", requestID.String())),
	)
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE request_id = $1 AND status NOT IN ($2, $3)
	`, requestID, statuschain.StatusClosed, statuschain.StatusCancelled)
	return scanTransaction(row, requestID.String())
}

// Save persists a mutated transaction. The WHERE clause on version makes
// the read-modify-write sequence a compare-and-swap: a stale writer gets
// ErrVersionConflict instead of silently overwriting a concurrent update.
func (s *PostgresStore) Save(ctx context.Context, tx *Transaction) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "store.save",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("transaction.status", string(tx.Status)),
			attribute.Int("transaction.version", tx.Version),
		),
	)
	defer span.End()

	saved := *tx
	saved.Version = tx.Version + 1
	saved.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET role = $1, status = $2, item_id = $3, request_id = $4, title = $5,
		    barcode = $6, material_type = $7, pickup_library_code = $8,
		    lending_library_code = $9, patron_id = $10, patron_group = $11,
		    self_borrowing = $12, renewal_blocked = $13, version = $14,
		    updated_at = $15, updated_by = $16
		WHERE id = $17 AND version = $18
	`,
		saved.Role, saved.Status, saved.ItemID, saved.RequestID, saved.Title,
		saved.Barcode, saved.MaterialType, saved.PickupLibraryCode,
		saved.LendingLibraryCode, saved.PatronID, saved.PatronGroup,
		saved.SelfBorrowing, saved.RenewalBlocked, saved.Version,
		saved.UpdatedAt, saved.UpdatedBy,
		saved.ID, tx.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	if affected == 0 {
		if _, findErr := s.FindByID(ctx, tx.ID); findErr != nil {
			return nil, findErr
		}
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, ErrVersionConflict)
	}

	return &saved, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner, key string) (*Transaction, error) {
	var tx Transaction
	err := row.Scan(
		&tx.ID, &tx.Role, &tx.Status, &tx.ItemID, &tx.RequestID,
		&tx.Title, &tx.Barcode, &tx.MaterialType,
		&tx.PickupLibraryCode, &tx.LendingLibraryCode,
		&tx.PatronID, &tx.PatronGroup,
		&tx.SelfBorrowing, &tx.RenewalBlocked, &tx.Version,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CreatedBy, &tx.UpdatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction %s: %w", key, err)
	}
	return &tx, nil
}

// PostgresAuditTrail appends mutation attempts to the transaction_audit
// table. Each write runs in its own statement so a failed mutation cannot
// take its audit evidence down with it.
type PostgresAuditTrail struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresAuditTrail creates a Postgres-backed audit trail.
func NewPostgresAuditTrail(db *sql.DB) *PostgresAuditTrail {
	return &PostgresAuditTrail{
		db:     db,
		tracer: otel.Tracer("loanbridge/transaction/audit"),
	}
}

// RecordSuccess appends a record for a completed mutation, tagged with the
// status the transaction passed through.
func (a *PostgresAuditTrail) RecordSuccess(ctx context.Context, before, after *Transaction, action statuschain.Status) error {
	return a.append(ctx, after.ID, string(action), before, after, "")
}

// RecordError appends a record for a rejected or failed mutation. The id is
// the caller-supplied one, which may never have been persisted.
func (a *PostgresAuditTrail) RecordError(ctx context.Context, transactionID string, before *Transaction, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return a.append(ctx, transactionID, ActionError, before, nil, message)
}

// RecordDuplicate appends a record for a creation that collided with an
// existing id, distinguishable from generic errors so operators can filter
// idempotency violations separately.
func (a *PostgresAuditTrail) RecordDuplicate(ctx context.Context, transactionID string, attempted *Transaction) error {
	return a.append(ctx, transactionID, ActionDuplicate, nil, attempted, "")
}

func (a *PostgresAuditTrail) append(ctx context.Context, transactionID, action string, before, after *Transaction, message string) error {
	ctx, span := a.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("transaction.id", transactionID),
			attribute.String("audit.action", action),
		),
	)
	defer span.End()

	beforeJSON, err := snapshot(before)
	if err != nil {
		return err
	}
	afterJSON, err := snapshot(after)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO transaction_audit (id, transaction_id, action, before, after, error_message, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		uuid.New(), transactionID, action, beforeJSON, afterJSON,
		message, time.Now().UTC(), tenantctx.Actor(ctx),
	)
	if err != nil {
		return fmt.Errorf("append audit record for %s: %w", transactionID, err)
	}
	return nil
}

func snapshot(tx *Transaction) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal audit snapshot: %w", err)
	}
	return data, nil
}

// StatusHistory pages over status-bearing audit records in time order.
func (a *PostgresAuditTrail) StatusHistory(ctx context.Context, from, to time.Time, page, size int) (*StatusHistoryPage, error) {
	ctx, span := a.tracer.Start(ctx, "audit.status_history",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("size", size),
		),
	)
	defer span.End()

	var total int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM transaction_audit
		WHERE action NOT IN ($1, $2) AND created_at >= $3 AND created_at <= $4
	`, ActionError, ActionDuplicate, from, to).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count status history: %w", err)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT transaction_id, action, created_at
		FROM transaction_audit
		WHERE action NOT IN ($1, $2) AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at ASC
		LIMIT $5 OFFSET $6
	`, ActionError, ActionDuplicate, from, to, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	result := &StatusHistoryPage{
		Page:         page,
		Size:         size,
		TotalRecords: total,
		TotalPages:   (total + size - 1) / size,
	}
	for rows.Next() {
		var entry StatusHistoryEntry
		if err := rows.Scan(&entry.TransactionID, &entry.Status, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		result.Entries = append(result.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}

	span.SetAttributes(attribute.Int("history.total", total))
	return result, nil
}
