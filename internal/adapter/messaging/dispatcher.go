package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

var (
	ErrQueueFull        = errors.New("event queue is full")
	ErrDispatcherClosed = errors.New("event dispatcher is closed")
)

const publishTimeout = 5 * time.Second

type queuedEvent struct {
	span  trace.SpanContext
	event domain.TransactionEvent
}

// Dispatcher moves event publishing off the request path. Events are
// buffered in a queue and drained by a fixed pool of workers.
type Dispatcher struct {
	next  port.EventPublisher
	log   *zap.Logger
	queue chan queuedEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(next port.EventPublisher, log *zap.Logger, queueSize, workers int) *Dispatcher {
	d := &Dispatcher{
		next:  next,
		log:   log,
		queue: make(chan queuedEvent, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

// Publish enqueues the event without blocking.
func (d *Dispatcher) Publish(ctx context.Context, event domain.TransactionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- queuedEvent{span: trace.SpanContextFromContext(ctx), event: event}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for item := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		ctx = trace.ContextWithSpanContext(ctx, item.span)

		if err := d.next.Publish(ctx, item.event); err != nil {
			d.log.Error("failed to publish event",
				zap.Int("worker", id),
				zap.String("event_type", string(item.event.Type)),
				zap.String("transaction_id", item.event.TransactionID),
				zap.Error(err))
		}

		cancel()
	}
}
