package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownQueue = errors.New("queue not declared")

type QueueSpec struct {
	Name        string
	MaxPriority uint8
}

// Specs are the queues of the pipeline.
var Specs = map[string]QueueSpec{
	QueueCrawled:   {Name: QueueCrawled, MaxPriority: 5},
	QueueGroup:     {Name: QueueGroup, MaxPriority: 1},
	QueueCaptcha:   {Name: QueueCaptcha},
	QueueHCaptcha:  {Name: QueueHCaptcha},
	QueueRecaptcha: {Name: QueueRecaptcha},
	QueueSlider:    {Name: QueueSlider},
	QueueRotation:  {Name: QueueRotation},
	QueueDead:      {Name: QueueDead},
}

// Delivery is one consumed message. Exactly one of Ack or Nack should be
// called; later calls are ignored.
type Delivery struct {
	Body     []byte
	Priority uint8

	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(body []byte, priority uint8, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Body: body, Priority: priority, ack: ack, nack: nack}
}

func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() { err = d.ack() })
	return err
}

func (d *Delivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() { err = d.nack(requeue) })
	return err
}

// Broker moves jobs between named priority queues with at-least-once
// delivery and one unacknowledged message per consumer.
type Broker interface {
	Declare(ctx context.Context, spec QueueSpec) error
	Publish(ctx context.Context, queue string, job *Job, priority uint8) error
	Consume(ctx context.Context, queue string) (<-chan *Delivery, error)
	Close() error
}

// DeclareAll declares the named queues with their pipeline specs.
func DeclareAll(ctx context.Context, b Broker, names ...string) error {
	for _, name := range names {
		spec, ok := Specs[name]
		if !ok {
			spec = QueueSpec{Name: name}
		}
		if err := b.Declare(ctx, spec); err != nil {
			return fmt.Errorf("declaring %s: %w", name, err)
		}
	}
	return nil
}
