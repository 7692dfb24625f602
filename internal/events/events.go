package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Tipos de evento publicados depois que a mudança de estado é persistida
const (
	CheckoutCreated   = "checkout.created"
	CheckoutCompleted = "checkout.completed"
	CheckoutExpired   = "checkout.expired"
	PaymentApproved   = "payment.approved"
	PaymentFailed     = "payment.failed"
	PaymentCancelled  = "payment.cancelled"
	PaymentRefunded   = "payment.refunded"
)

// Event é o envelope de um evento de domínio
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload"`
}

func New(eventType, aggregateID string, payload any) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Notify publica sem propagar falha: o estado já foi persistido
func Notify(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		log.Printf("❌ [PUBLISH EVENT] Type=%s AggregateID=%s: %v", evt.Type, evt.AggregateID, err)
	}
}

// NopPublisher descarta os eventos; usado quando não há brokers
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// KafkaPublisher grava os eventos num tópico, com o id do agregado como chave
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// NewPublisher escolhe o Kafka quando há brokers configurados
func NewPublisher(brokers []string, topic string) Publisher {
	var valid []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			valid = append(valid, b)
		}
	}
	if len(valid) == 0 {
		return NopPublisher{}
	}
	return NewKafkaPublisher(valid, topic)
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
