package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by a closed MemoryBroker
var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker used for single-process runs and
// tests. It keeps FIFO order, holds at most one unacknowledged delivery per
// consumer and puts nacked deliveries back at the front.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
}

type memQueue struct {
	items  [][]byte
	notify chan struct{}
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Declare creates the queue if needed
func (b *MemoryBroker) Declare(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.queue(name)
	return nil
}

// Publish appends a copy of body to the queue
func (b *MemoryBroker) Publish(_ context.Context, name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	q := b.queue(name)
	q.items = append(q.items, append([]byte(nil), body...))
	q.signal()
	return nil
}

// Len reports the number of undelivered messages
func (b *MemoryBroker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.items)
	}
	return 0
}

// Consume delivers messages one at a time; the next message is not handed
// out before the previous one was acked or nacked.
func (b *MemoryBroker) Consume(ctx context.Context, name string) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	q := b.queue(name)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			body, ok := b.pop(ctx, q)
			if !ok {
				return
			}

			d := &memDelivery{body: body, settled: make(chan bool, 1)}
			select {
			case out <- d:
			case <-ctx.Done():
				b.pushFront(q, body)
				return
			case <-b.done:
				return
			}

			select {
			case requeue := <-d.settled:
				if requeue {
					b.pushFront(q, body)
				}
			case <-ctx.Done():
				select {
				case requeue := <-d.settled:
					if requeue {
						b.pushFront(q, body)
					}
				default:
					// Unsettled delivery goes back, as a broker does on disconnect
					b.pushFront(q, body)
				}
				return
			case <-b.done:
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) pop(ctx context.Context, q *memQueue) ([]byte, bool) {
	for {
		b.mu.Lock()
		if len(q.items) > 0 {
			body := q.items[0]
			q.items = q.items[1:]
			b.mu.Unlock()
			return body, true
		}
		b.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		case <-b.done:
			return nil, false
		}
	}
}

func (b *MemoryBroker) pushFront(q *memQueue, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.items = append([][]byte{body}, q.items...)
	q.signal()
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close stops all consumers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type memDelivery struct {
	body    []byte
	once    sync.Once
	settled chan bool
}

func (d *memDelivery) Body() []byte { return d.body }

func (d *memDelivery) Ack() error {
	d.once.Do(func() { d.settled <- false })
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	d.once.Do(func() { d.settled <- requeue })
	return nil
}
