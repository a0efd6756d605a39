// Package shutdown runs the bridge's cleanup steps once, newest first, under
// a shared deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qbridge/internal/pkg/logger"
)

const DefaultTimeout = 30 * time.Second

// Manager runs registered cleanup handlers once, newest first.
type Manager struct {
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	handlers []Handler

	once sync.Once
	err  error
	done chan struct{}
}

type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup handler. Register consumers after the connections
// they depend on so they are torn down first.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.mu.Unlock()
	m.log.Debug("registered shutdown handler", "name", name)
}

func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Shutdown runs the handlers in reverse registration order. Handlers left
// when the deadline passes are skipped. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() error {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("shutting down", "handlers", len(handlers), "timeout", m.timeout.String())

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		log := m.log.With("name", h.Name)
		if err := ctx.Err(); err != nil {
			log.Warn("shutdown deadline passed, skipping handler")
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}

		start := time.Now()
		err := runHandler(ctx, h)
		took := time.Since(start).Milliseconds()
		if err != nil {
			log.Error("shutdown handler failed", "error", err.Error(), "duration_ms", took)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		log.Debug("shutdown handler done", "duration_ms", took)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.log.Info("shutdown complete")
	return nil
}

// runHandler returns at the deadline even if the handler ignores ctx.
func runHandler(ctx context.Context, h Handler) error {
	result := make(chan error, 1)
	go func() { result <- h.Cleanup(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
