package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

type memMsg struct {
	body     []byte
	priority uint8
	seq      uint64
}

// msgHeap orders by priority, then publish order.
type msgHeap []memMsg

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x interface{}) { *h = append(*h, x.(memMsg)) }
func (h *msgHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type memQueue struct {
	spec   QueueSpec
	mu     sync.Mutex
	items  msgHeap
	seq    uint64
	signal chan struct{}
}

func (q *memQueue) push(m memMsg) {
	q.mu.Lock()
	heap.Push(&q.items, m)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (memMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return memMsg{}, false
	}
	m := heap.Pop(&q.items).(memMsg)
	if len(q.items) > 0 {
		q.wake()
	}
	return m, true
}

func (q *memQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
}

var ErrClosed = errors.New("broker closed")

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string]*memQueue{}}
}

func (b *MemoryBroker) Declare(ctx context.Context, spec QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.queues[spec.Name]; !ok {
		b.queues[spec.Name] = &memQueue{spec: spec, signal: make(chan struct{}, 1)}
	}
	return nil
}

func (b *MemoryBroker) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, ErrUnknownQueue
	}
	return q, nil
}

// Len reports the number of ready messages on a queue.
func (b *MemoryBroker) Len(name string) int {
	q, err := b.queue(name)
	if err != nil {
		return 0
	}
	return q.Len()
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, job *Job, priority uint8) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if priority > q.spec.MaxPriority {
		priority = q.spec.MaxPriority
	}
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()
	q.push(memMsg{body: body, priority: priority, seq: seq})
	return nil
}

// Consume delivers one message at a time; the next is sent only after the
// previous one is acked or nacked.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			m, ok := q.pop()
			if !ok {
				select {
				case <-q.signal:
					continue
				case <-ctx.Done():
					return
				}
			}

			settled := make(chan bool, 1)
			d := NewDelivery(m.body, m.priority,
				func() error { settled <- false; return nil },
				func(requeue bool) error { settled <- requeue; return nil },
			)
			select {
			case out <- d:
			case <-ctx.Done():
				q.push(m)
				return
			}
			select {
			case requeue := <-settled:
				if requeue {
					q.push(m)
				}
			case <-ctx.Done():
				q.push(m)
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
