package sink

import (
	"context"

	"qbridge/internal/registry"
)

// Fanout hands each message to several handlers in order. A panicking
// handler does not keep the rest from running.
type Fanout struct {
	handlers []registry.Handler
	onError  func(error)
}

func NewFanout(onError func(error), handlers ...registry.Handler) *Fanout {
	hs := make([]registry.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return &Fanout{handlers: hs, onError: onError}
}

func (f *Fanout) Handle(ctx context.Context, msg registry.Message) {
	for _, h := range f.handlers {
		if err := registry.Invoke(ctx, h, msg); err != nil && f.onError != nil {
			f.onError(err)
		}
	}
}

// Len is the number of handlers.
func (f *Fanout) Len() int { return len(f.handlers) }
