// internal/reconciler/implementation_test.go
package reconciler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loanbridge/internal/statuschain"
	"loanbridge/internal/transaction"
)

type noopRenewals struct{}

func (noopRenewals) BlockRenewals(ctx context.Context, itemID uuid.UUID) error   { return nil }
func (noopRenewals) UnblockRenewals(ctx context.Context, itemID uuid.UUID) error { return nil }

type fixture struct {
	reconciler Service
	store      *transaction.MemoryStore
	audit      *transaction.MemoryAuditTrail
	service    transaction.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := transaction.NewMemoryStore()
	audit := transaction.NewMemoryAuditTrail()
	svc := transaction.NewService(store, audit, noopRenewals{}, zap.NewNop())
	return &fixture{
		reconciler: NewService(store, svc, zap.NewNop()),
		store:      store,
		audit:      audit,
		service:    svc,
	}
}

// seed creates a transaction and walks it to the given status.
func (f *fixture) seed(t *testing.T, id string, role statuschain.Role, status statuschain.Status) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()

	tx := &transaction.Transaction{
		ID:        id,
		Role:      role,
		ItemID:    uuid.New(),
		RequestID: uuid.New(),
	}
	created, err := f.service.Create(ctx, tx)
	require.NoError(t, err)
	if status == statuschain.StatusCreated {
		return created
	}

	updated, err := f.service.UpdateStatus(ctx, id, status)
	require.NoError(t, err)
	return updated
}

func (f *fixture) status(t *testing.T, id string) statuschain.Status {
	t.Helper()
	stored, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return stored.Status
}

func successActions(records []transaction.AuditRecord) []string {
	var actions []string
	for _, record := range records {
		if record.Action != transaction.ActionError && record.Action != transaction.ActionDuplicate {
			actions = append(actions, record.Action)
		}
	}
	return actions
}

func boolPtr(v bool) *bool { return &v }

func TestCheckInClosesLenderTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T3", statuschain.RoleLender, statuschain.StatusAwaitingPickup)

	err := f.reconciler.Process(context.Background(), Event{
		Type:   EventCheckIn,
		ItemID: tx.ItemID,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusClosed, f.status(t, "T3"))

	// One reconciliation walked the transaction through every remaining
	// status, manual closing step included.
	assert.Equal(t, []string{
		string(statuschain.StatusCreated),
		string(statuschain.StatusOpen),
		string(statuschain.StatusAwaitingPickup),
		string(statuschain.StatusItemCheckedOut),
		string(statuschain.StatusItemCheckedIn),
		string(statuschain.StatusClosed),
	}, successActions(f.audit.RecordsFor("T3")))
}

func TestCheckInIgnoresBorrowingSide(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusItemCheckedOut)

	err := f.reconciler.Process(context.Background(), Event{
		Type:   EventCheckIn,
		ItemID: tx.ItemID,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusItemCheckedOut, f.status(t, "T1"))
}

func TestCheckInClosesExpiredTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RoleBorrowingPickup, statuschain.StatusExpired)

	err := f.reconciler.Process(context.Background(), Event{
		Type:   EventCheckIn,
		ItemID: tx.ItemID,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusClosed, f.status(t, "T1"))
}

func TestCheckOutAdvancesPickupTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RoleBorrowingPickup, statuschain.StatusAwaitingPickup)

	event := Event{
		Type:   EventLoanCheckOut,
		ItemID: tx.ItemID,
		DCB:    boolPtr(true),
	}
	require.NoError(t, f.reconciler.Process(context.Background(), event))
	assert.Equal(t, statuschain.StatusItemCheckedOut, f.status(t, "T1"))
}

func TestCheckOutEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusItemCheckedOut)

	event := Event{
		Type:   EventLoanCheckOut,
		ItemID: tx.ItemID,
		DCB:    boolPtr(true),
	}
	before := len(f.audit.RecordsFor("T1"))

	require.NoError(t, f.reconciler.Process(context.Background(), event))
	require.NoError(t, f.reconciler.Process(context.Background(), event))

	assert.Equal(t, statuschain.StatusItemCheckedOut, f.status(t, "T1"))
	assert.Len(t, f.audit.RecordsFor("T1"), before)
}

func TestCheckOutRequiresDCBMarker(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusAwaitingPickup)

	// Missing marker: not a resource-sharing loan.
	err := f.reconciler.Process(context.Background(), Event{
		Type:   EventLoanCheckOut,
		ItemID: tx.ItemID,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusAwaitingPickup, f.status(t, "T1"))

	// Explicitly false is just as irrelevant.
	err = f.reconciler.Process(context.Background(), Event{
		Type:   EventLoanCheckOut,
		ItemID: tx.ItemID,
		DCB:    boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusAwaitingPickup, f.status(t, "T1"))
}

func TestRequestStatusProgression(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RoleBorrowingPickup, statuschain.StatusCreated)

	err := f.reconciler.Process(context.Background(), Event{
		Type:          EventRequestStatus,
		RequestID:     tx.RequestID,
		RequestStatus: RequestOpenAwaitingPickup,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusAwaitingPickup, f.status(t, "T1"))

	// The jump passed through OPEN on the way.
	assert.Equal(t, []string{
		string(statuschain.StatusCreated),
		string(statuschain.StatusOpen),
		string(statuschain.StatusAwaitingPickup),
	}, successActions(f.audit.RecordsFor("T1")))
}

func TestRequestStatusOutOfOrderIsNoOp(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusAwaitingPickup)

	err := f.reconciler.Process(context.Background(), Event{
		Type:          EventRequestStatus,
		RequestID:     tx.RequestID,
		RequestStatus: RequestOpenNotYetFilled,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusAwaitingPickup, f.status(t, "T1"))
}

func TestRequestStatusIgnoresUnroutedStates(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusOpen)

	err := f.reconciler.Process(context.Background(), Event{
		Type:          EventRequestStatus,
		RequestID:     tx.RequestID,
		RequestStatus: RequestClosedFilled,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusOpen, f.status(t, "T1"))
}

func TestRequestCancelDrivesToCancelled(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusOpen)

	err := f.reconciler.Process(context.Background(), Event{
		Type:               EventRequestCancel,
		RequestID:          tx.RequestID,
		CancellationReason: "patron request",
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusCancelled, f.status(t, "T1"))
}

func TestRequestCancelWithReRequestLeavesTransactionUntouched(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusOpen)

	err := f.reconciler.Process(context.Background(), Event{
		Type:        EventRequestCancel,
		RequestID:   tx.RequestID,
		ReRequested: true,
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusOpen, f.status(t, "T1"))
}

func TestRequestCancelRespectsChainEligibility(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RoleBorrowingPickup, statuschain.StatusItemCheckedIn)

	err := f.reconciler.Process(context.Background(), Event{
		Type:      EventRequestCancel,
		RequestID: tx.RequestID,
	})
	assert.ErrorIs(t, err, statuschain.ErrNotCancellable)
	assert.Equal(t, statuschain.StatusItemCheckedIn, f.status(t, "T1"))
}

func TestEventsWithoutMatchAreNoOps(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", statuschain.RoleLender, statuschain.StatusOpen)

	for _, event := range []Event{
		{Type: EventCheckIn, ItemID: uuid.New()},
		{Type: EventLoanCheckOut, ItemID: uuid.New(), DCB: boolPtr(true)},
		{Type: EventRequestStatus, RequestID: uuid.New(), RequestStatus: RequestOpenNotYetFilled},
		{Type: EventRequestCancel, RequestID: uuid.New()},
	} {
		assert.NoError(t, f.reconciler.Process(context.Background(), event))
	}
	assert.Equal(t, statuschain.StatusOpen, f.status(t, "T1"))
}

func TestEventsAfterTerminalStatusAreNoOps(t *testing.T) {
	f := newFixture(t)
	tx := f.seed(t, "T1", statuschain.RolePickup, statuschain.StatusCancelled)

	// The open-transaction lookup excludes terminal records, so the event
	// simply finds nothing to reconcile.
	err := f.reconciler.Process(context.Background(), Event{
		Type:   EventLoanCheckOut,
		ItemID: tx.ItemID,
		DCB:    boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, statuschain.StatusCancelled, f.status(t, "T1"))
}

func TestUnrecognizedEventTypeIsDropped(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.reconciler.Process(context.Background(), Event{Type: EventType("SHELVED")}))
}

func TestEventsWithoutCorrelationKeyAreDropped(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.reconciler.Process(context.Background(), Event{Type: EventCheckIn}))
}
