package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"paywall-service/internal/message"
	"paywall-service/internal/payment"
)

var (
	publishMarshalErrorCounter = metrics.GetOrCreateCounter(`kafka_writer_total{result="marshal_error",type="payment_event"}`)
	publishWriteErrorCounter   = metrics.GetOrCreateCounter(`kafka_writer_total{result="write_error",type="payment_event"}`)
	publishSuccessCounter      = metrics.GetOrCreateCounter(`kafka_writer_total{result="success",type="payment_event"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes payment events to Kafka.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewPublisher(writer MessageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, pay *payment.Payment, from payment.Status) error {
	event := ToPaymentEvent(pay, from)

	value, err := json.Marshal(event)
	if err != nil {
		publishMarshalErrorCounter.Inc()
		return errors.Wrap(err, "marshal payment event")
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(pay.ID.String()),
		Value: value,
	})
	if err != nil {
		publishWriteErrorCounter.Inc()
		return errors.Wrap(err, "write payment event")
	}

	p.logger.DebugContext(ctx, fmt.Sprintf("Published %s", event.Event), "eventId", event.ID)
	publishSuccessCounter.Inc()
	return nil
}

func ToPaymentEvent(p *payment.Payment, from payment.Status) message.PaymentEvent {
	return message.PaymentEvent{
		ID:    uuid.New(),
		Event: message.EventName(string(p.Status)),
		Payload: message.Payment{
			ID:                 p.ID,
			Status:             string(p.Status),
			PreviousStatus:     string(from),
			ActionType:         string(p.ActionType),
			Amount:             p.Amount,
			Currency:           p.Currency,
			GatewayReferenceID: p.GatewayReferenceID,
			CreatedAt:          p.CreatedAt,
			UpdatedAt:          p.UpdatedAt,
		},
	}
}
