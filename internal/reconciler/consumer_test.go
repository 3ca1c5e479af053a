// internal/reconciler/consumer_test.go
package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loanbridge/internal/tenantctx"
)

type fakeChannel struct {
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	acks int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error              { return nil }

func (a *fakeAcknowledger) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

type recordingService struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingService) Process(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingService) seen() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func runConsumerTest(t *testing.T, service Service, bodies ...[]byte) *fakeAcknowledger {
	t.Helper()

	channel := &fakeChannel{deliveries: make(chan amqp.Delivery, len(bodies))}
	acker := &fakeAcknowledger{}
	for _, body := range bodies {
		channel.deliveries <- amqp.Delivery{Acknowledger: acker, Body: body}
	}

	consumer := NewConsumer(channel, "circulation.events", service, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return acker.count() == len(bodies)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
	return acker
}

func TestConsumerDispatchesAndAcks(t *testing.T) {
	service := &recordingService{}
	itemID := uuid.New()

	runConsumerTest(t, service,
		[]byte(`{"type":"CHECK_IN","tenant":"east","item_id":"`+itemID.String()+`"}`),
	)

	events := service.seen()
	require.Len(t, events, 1)
	assert.Equal(t, EventCheckIn, events[0].Type)
	assert.Equal(t, "east", events[0].Tenant)
	assert.Equal(t, itemID, events[0].ItemID)
}

func TestConsumerDropsUnparseableEvents(t *testing.T) {
	service := &recordingService{}

	acker := runConsumerTest(t, service,
		[]byte(`{not json`),
		[]byte(`{"type":"REQUEST_CANCEL"}`),
	)

	// The garbage delivery was acked and dropped; the valid one dispatched.
	assert.Equal(t, 2, acker.count())
	require.Len(t, service.seen(), 1)
}

func TestConsumerAcksFailedEvents(t *testing.T) {
	service := &recordingService{err: errors.New("boom")}

	acker := runConsumerTest(t, service,
		[]byte(`{"type":"CHECK_IN"}`),
	)

	// Reconciliation failures are logged and the event dropped, never redelivered.
	assert.Equal(t, 1, acker.count())
}

func TestConsumerTagsTenantScope(t *testing.T) {
	var captured string
	service := &capturingService{onProcess: func(ctx context.Context, event Event) {
		captured = tenantctx.Tenant(ctx)
	}}

	runConsumerTest(t, service, []byte(`{"type":"CHECK_IN","tenant":"west"}`))
	assert.Equal(t, "west", captured)
}

type capturingService struct {
	onProcess func(ctx context.Context, event Event)
}

func (s *capturingService) Process(ctx context.Context, event Event) error {
	s.onProcess(ctx, event)
	return nil
}
