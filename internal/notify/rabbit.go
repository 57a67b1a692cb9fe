package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

const queuePurpose = "notifications"

// amqpChannel is the subset of *amqp.Channel the sender uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitSender publishes each tenant's notifications to its own durable
// queue. Rejected messages land in the tenant's dead-letter queue.
type RabbitSender struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     amqpChannel
	queues map[uuid.UUID]bool
	logger logrus.FieldLogger
}

func DialRabbit(url string) (*RabbitSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	s := newRabbitSender(ch)
	s.conn = conn
	return s, nil
}

func newRabbitSender(ch amqpChannel) *RabbitSender {
	return &RabbitSender{
		ch:     ch,
		queues: make(map[uuid.UUID]bool),
		logger: logging.Component(logging.Discard(), "notify.rabbitmq"),
	}
}

func (s *RabbitSender) WithLogger(logger logrus.FieldLogger) *RabbitSender {
	s.logger = logging.Component(logger, "notify.rabbitmq")
	return s
}

// DeadLetterQueue is the queue holding tenantID's rejected notifications.
func DeadLetterQueue(tenantID uuid.UUID) string {
	return tenant.QueueName(tenantID, queuePurpose+"_dlq")
}

func (s *RabbitSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.declareLocked(msg.TenantID); err != nil {
		return err
	}
	queue := tenant.QueueName(msg.TenantID, queuePurpose)
	err = s.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to queue %s: %w", queue, err)
	}
	return nil
}

func (s *RabbitSender) declareLocked(tenantID uuid.UUID) error {
	if s.queues[tenantID] {
		return nil
	}
	dlq := DeadLetterQueue(tenantID)
	if _, err := s.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	queue := tenant.QueueName(tenantID, queuePurpose)
	if _, err := s.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	s.queues[tenantID] = true
	s.logger.WithField("queue", queue).Info("tenant notification queue declared")
	return nil
}

func (s *RabbitSender) Close() error {
	if err := s.ch.Close(); err != nil {
		return err
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
