package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, evt Event) error {
	return m.Called(ctx, evt).Error(0)
}

func TestNewPublisherWithoutBrokersIsNop(t *testing.T) {
	assert.IsType(t, NopPublisher{}, NewPublisher(nil, "checkout-events"))
	assert.IsType(t, NopPublisher{}, NewPublisher([]string{" ", ""}, "checkout-events"))
	assert.IsType(t, &KafkaPublisher{}, NewPublisher([]string{"kafka:9092"}, "checkout-events"))
}

func TestNotifySwallowsPublishErrors(t *testing.T) {
	p := new(MockPublisher)
	p.On("Publish", mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.Type == PaymentFailed && e.AggregateID == "pay-1"
	})).Return(errors.New("broker down")).Once()

	assert.NotPanics(t, func() {
		Notify(context.Background(), p, New(PaymentFailed, "pay-1", map[string]string{"session_id": "s-1"}))
	})
	p.AssertExpectations(t)

	Notify(context.Background(), nil, New(PaymentFailed, "pay-1", nil))
}

func TestNewEvent(t *testing.T) {
	evt := New(CheckoutCreated, "s-1", nil)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, CheckoutCreated, evt.Type)
	assert.False(t, evt.OccurredAt.IsZero())
}
