package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/logger"
)

const mimeApplicationJSON = "application/json"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// RabbitMQNotifier publishes receipts as persistent JSON messages to a durable queue.
type RabbitMQNotifier struct {
	channel publisher
	closer  func() error
	queue   string
	log     *zap.Logger
}

func Connect(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return conn, nil
}

func NewRabbitMQNotifier(conn *amqp091.Connection, queue string, log *zap.Logger) (*RabbitMQNotifier, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	n := newRabbitMQNotifier(channel, queue, log)
	n.closer = channel.Close
	return n, nil
}

func newRabbitMQNotifier(channel publisher, queue string, log *zap.Logger) *RabbitMQNotifier {
	return &RabbitMQNotifier{
		channel: channel,
		queue:   queue,
		log:     logger.OrNop(log),
	}
}

func (n *RabbitMQNotifier) SendReceipt(ctx context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	message := amqp091.Publishing{
		ContentType:  mimeApplicationJSON,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.AppointmentID,
		Type:         "channeling.receipt",
		Headers: amqp091.Table{
			"message_type":     "JSON",
			"requeue_strategy": "DROP",
		},
	}

	if err := n.channel.PublishWithContext(ctx, "", n.queue, false, false, message); err != nil {
		return fmt.Errorf("failed to publish receipt: %w", err)
	}

	n.log.Debug("receipt published",
		zap.String("appointment_id", r.AppointmentID),
		zap.String("queue", n.queue),
	)
	return nil
}

func (n *RabbitMQNotifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
