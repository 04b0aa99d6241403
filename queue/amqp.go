package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPBroker talks to RabbitMQ. Queues are declared with x-max-priority,
// messages are persistent and each channel prefetches one message.
type AMQPBroker struct {
	conn   *amqp.Connection
	pub    *amqp.Channel
	mu     sync.Mutex
	logger *zap.Logger
}

func DialAMQP(url string, logger *zap.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &AMQPBroker{conn: conn, pub: pub, logger: logger}, nil
}

func (b *AMQPBroker) Declare(ctx context.Context, spec QueueSpec) error {
	var args amqp.Table
	if spec.MaxPriority > 0 {
		args = amqp.Table{"x-max-priority": int32(spec.MaxPriority)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.pub.QueueDeclare(spec.Name, false, false, false, false, args)
	return err
}

func (b *AMQPBroker) Publish(ctx context.Context, queue string, job *Job, priority uint8) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		Body:         body,
	})
}

// Consume opens a dedicated channel so the prefetch of one applies to this
// consumer alone.
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	tag := queue + "-" + uuid.NewString()[:8]
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", queue, err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				if err := ch.Cancel(tag, false); err != nil {
					b.logger.Warn("amqp cancel", zap.String("queue", queue), zap.Error(err))
				}
				return
			case m, ok := <-msgs:
				if !ok {
					b.logger.Warn("amqp delivery channel closed", zap.String("queue", queue))
					return
				}
				d := NewDelivery(m.Body, m.Priority,
					func() error { return m.Ack(false) },
					func(requeue bool) error { return m.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					m.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub.Close()
	return b.conn.Close()
}
