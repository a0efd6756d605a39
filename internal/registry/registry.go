// Package registry maps queue and channel names to the handlers that consume
// their messages.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qbridge/internal/pkg/errors"
)

// Source tells a handler how a message reached the bridge.
type Source string

const (
	SourceList   Source = "list"
	SourcePubSub Source = "pubsub"
)

// Message is the value handed to a handler. Handlers receive their own copy;
// nothing in it is retained by the bridge after the handler returns.
type Message struct {
	Queue      string
	Payload    []byte
	DeliveryID string
	ReceivedAt time.Time
	Source     Source
}

// Handler consumes one message. It runs on the dispatcher goroutine, so a
// handler that blocks stalls the next pop.
type Handler func(ctx context.Context, msg Message)

// Registry is a concurrency-safe, last-writer-wins name to handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h for name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.ValidationField("name", "queue name is empty")
	}
	if h == nil {
		return errors.ValidationField("handler", "handler is nil").WithField("queue", name)
	}

	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// Unregister removes the handler for name. Absent names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// Lookup returns the handler for name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Invoke calls h with msg. A panic in h is recovered and returned as an
// INTERNAL_ERROR carrying the queue and delivery ID.
func Invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internalf("handler panicked: %v", r).
				WithFields(map[string]any{
					"queue":       msg.Queue,
					"delivery_id": msg.DeliveryID,
				})
		}
	}()

	h(ctx, msg)
	return nil
}

// Dispatch looks up the handler for msg.Queue and invokes it. It reports
// false when no handler is registered.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (bool, error) {
	h, ok := r.Lookup(msg.Queue)
	if !ok {
		return false, nil
	}
	if err := Invoke(ctx, h, msg); err != nil {
		return true, fmt.Errorf("dispatch %s: %w", msg.Queue, err)
	}
	return true, nil
}
