package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const priorityHeader = "Priority"

// NATSBroker maps every queue onto a JetStream work-queue stream with one
// durable consumer. JetStream has no priority ordering, so the priority
// only travels as a header.
type NATSBroker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *zap.Logger
}

func DialNATS(url, prefix string, logger *zap.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "phishdecloaker"
	}
	nc, err := nats.Connect(url, nats.Name("phishdecloaker-queue"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &NATSBroker{nc: nc, js: js, prefix: prefix, logger: logger}, nil
}

func (b *NATSBroker) stream(queue string) string {
	return strings.ToUpper(b.prefix + "_" + queue)
}

func (b *NATSBroker) subject(queue string) string {
	return b.prefix + ".jobs." + queue
}

func (b *NATSBroker) Declare(ctx context.Context, spec QueueSpec) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream(spec.Name),
		Subjects:  []string{b.subject(spec.Name)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	return err
}

func (b *NATSBroker) Publish(ctx context.Context, queue string, job *Job, priority uint8) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	msg := nats.NewMsg(b.subject(queue))
	msg.Data = body
	msg.Header.Set(priorityHeader, strconv.Itoa(int(priority)))
	_, err = b.js.PublishMsg(ctx, msg)
	return err
}

func (b *NATSBroker) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.stream(queue), jetstream.ConsumerConfig{
		Durable:       queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream consumer %s: %w", queue, err)
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, err
	}

	out := make(chan *Delivery)
	go func() {
		<-ctx.Done()
		it.Stop()
	}()
	go func() {
		defer close(out)
		for {
			m, err := it.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					b.logger.Warn("jetstream next", zap.String("queue", queue), zap.Error(err))
				}
				return
			}
			var priority uint8
			if p, err := strconv.Atoi(m.Headers().Get(priorityHeader)); err == nil && p >= 0 && p < 256 {
				priority = uint8(p)
			}
			d := NewDelivery(m.Data(), priority,
				m.Ack,
				func(requeue bool) error {
					if requeue {
						return m.Nak()
					}
					return m.Term()
				},
			)
			select {
			case out <- d:
			case <-ctx.Done():
				m.Nak()
				return
			}
		}
	}()
	return out, nil
}

func (b *NATSBroker) Close() error {
	return b.nc.Drain()
}
