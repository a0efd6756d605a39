package sink

import (
	"context"
	"sync"

	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
)

// Buffered moves handler work off the dispatcher goroutine. Messages go into
// a bounded queue drained by a fixed set of workers. Handle blocks while the
// queue is full, so a slow downstream still slows the pops.
type Buffered struct {
	next    registry.Handler
	items   chan bufferedItem
	closing chan struct{}
	log     *logger.Logger
	onError func(error)

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

type bufferedItem struct {
	ctx context.Context
	msg registry.Message
}

func NewBuffered(next registry.Handler, size, workers int, log *logger.Logger, onError func(error)) *Buffered {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.NewDefault()
	}

	b := &Buffered{
		next:    next,
		items:   make(chan bufferedItem, size),
		closing: make(chan struct{}),
		log:     log.WithComponent("buffered"),
		onError: onError,
	}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.work()
	}
	return b
}

// Handle is a registry.Handler. It returns once msg is queued, ctx ends, or
// the buffer is closed.
func (b *Buffered) Handle(ctx context.Context, msg registry.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.log.Warn("buffer closed, message dropped", "queue", msg.Queue, "delivery_id", msg.DeliveryID)
		return
	}

	select {
	case b.items <- bufferedItem{ctx: context.WithoutCancel(ctx), msg: msg}:
	case <-ctx.Done():
		b.log.Warn("context ended while buffer full, message dropped", "queue", msg.Queue, "delivery_id", msg.DeliveryID)
	case <-b.closing:
		b.log.Warn("buffer closing, message dropped", "queue", msg.Queue, "delivery_id", msg.DeliveryID)
	}
}

// Len is the number of queued messages.
func (b *Buffered) Len() int {
	return len(b.items)
}

// Close stops accepting messages and waits for queued ones to be handled.
func (b *Buffered) Close() error {
	b.once.Do(func() {
		close(b.closing)

		b.mu.Lock()
		b.closed = true
		close(b.items)
		b.mu.Unlock()

		b.wg.Wait()
	})
	return nil
}

func (b *Buffered) work() {
	defer b.wg.Done()
	for it := range b.items {
		if err := registry.Invoke(it.ctx, b.next, it.msg); err != nil {
			b.log.Error("buffered handler failed", "error", err.Error(), "queue", it.msg.Queue)
			if b.onError != nil {
				b.onError(err)
			}
		}
	}
}
