// internal/reconciler/domain.go
package reconciler

import (
	"github.com/google/uuid"
)

// EventType tags an external circulation notification.
type EventType string

const (
	// EventCheckIn is a circulation check-in, keyed by item id.
	EventCheckIn EventType = "CHECK_IN"
	// EventLoanCheckOut is a loan (check-out) notification, keyed by item id.
	EventLoanCheckOut EventType = "LOAN_CHECK_OUT"
	// EventRequestStatus is a hold/request state change, keyed by request id.
	EventRequestStatus EventType = "REQUEST_STATUS"
	// EventRequestCancel is a hold/request cancellation, keyed by request id.
	EventRequestCancel EventType = "REQUEST_CANCEL"
)

// RequestStatus is the remote hold's state as reported by the lending system.
type RequestStatus string

const (
	RequestOpenNotYetFilled   RequestStatus = "OPEN_NOT_YET_FILLED"
	RequestOpenInTransit      RequestStatus = "OPEN_IN_TRANSIT"
	RequestOpenAwaitingPickup RequestStatus = "OPEN_AWAITING_PICKUP"
	RequestClosedFilled       RequestStatus = "CLOSED_FILLED"
)

// Event is the envelope external circulation notifications arrive in.
// Delivery is at-least-once, possibly duplicated and out of order; every
// field beyond Type and Tenant is optional and event-type specific.
type Event struct {
	Type   EventType `json:"type"`
	Tenant string    `json:"tenant"`

	ItemID    uuid.UUID `json:"item_id,omitempty"`
	RequestID uuid.UUID `json:"request_id,omitempty"`

	// DCB marks a loan event as relevant to resource sharing at all.
	// Loan check-outs missing the marker are ignored.
	DCB *bool `json:"dcb,omitempty"`

	RequestStatus      RequestStatus `json:"request_status,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	// ReRequested flags a cancellation that a new request will supersede;
	// the transaction is left untouched when set.
	ReRequested bool `json:"re_requested,omitempty"`
}
