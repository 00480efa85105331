package events

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher forwards engine events to a topic exchange, routed by event
// topic. Publish failures are logged and dropped: event delivery is
// best-effort and must never fail the ledger operation that produced it.
type AMQPPublisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func NewAMQPPublisher(conn *amqp.Connection, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) Emit(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("topic", event.Topic), zap.Error(err))
		return
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, event.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", event.Topic),
			zap.String("exchange", p.exchange),
			zap.Error(err))
	}
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
