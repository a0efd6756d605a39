// Package dispatcher pops items from one or more lists and hands each to the
// handler registered for the list it came from.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
	"qbridge/internal/supervisor"
	"qbridge/internal/transport"
)

const (
	DefaultErrorBuffer = 64
	DefaultErrorPause  = time.Second
)

// Supervisor is the part of supervisor.Supervisor the dispatcher needs.
type Supervisor interface {
	State() supervisor.State
	WaitConnected(ctx context.Context) (transport.Conn, error)
	OnConnFailure(conn transport.Conn, err error)
}

type Deps struct {
	Supervisor Supervisor
	Registry   *registry.Registry
	Log        *logger.Logger
	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int
	// ErrorPause is how long the loop waits after a reported error before
	// popping again. Negative disables the pause.
	ErrorPause time.Duration
	Now        func() time.Time
}

type Dispatcher struct {
	sup   Supervisor
	reg   *registry.Registry
	log   *logger.Logger
	pause time.Duration
	now   func() time.Time

	errs    chan error
	started atomic.Bool
	stopped atomic.Bool
	stop    sync.Once

	mu     sync.Mutex
	conn   transport.Conn
	cancel context.CancelFunc

	delivered atomic.Int64
	discarded atomic.Int64
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.ErrorBuffer <= 0 {
		d.ErrorBuffer = DefaultErrorBuffer
	}
	switch {
	case d.ErrorPause == 0:
		d.ErrorPause = DefaultErrorPause
	case d.ErrorPause < 0:
		d.ErrorPause = 0
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return &Dispatcher{
		sup:   d.Supervisor,
		reg:   d.Registry,
		log:   log.WithComponent("dispatcher"),
		pause: d.ErrorPause,
		now:   d.Now,
		errs:  make(chan error, d.ErrorBuffer),
	}
}

// Errors carries non-fatal errors raised while running: protocol errors and
// handler panics. It is closed when Run returns.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// Delivered is the number of messages handed to a handler.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Discarded is the number of messages popped with no handler registered.
func (d *Dispatcher) Discarded() int64 { return d.discarded.Load() }

// Run pops from queues until Stop is called or ctx ends. timeoutSeconds bounds
// each pop; 0 blocks until an item arrives. It returns nil after Stop, the
// context error when ctx ends, and the fatal error when the supervisor gives
// up on the backing store.
func (d *Dispatcher) Run(ctx context.Context, queues []string, timeoutSeconds int) error {
	if err := validate(queues, timeoutSeconds); err != nil {
		return err
	}
	if !d.started.CompareAndSwap(false, true) {
		return errors.Validation("dispatcher already started")
	}
	defer close(d.errs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	timeout := time.Duration(timeoutSeconds) * time.Second
	log := d.log.WithFields(map[string]any{"queues": queues, "timeout_s": timeoutSeconds})
	log.Info("dispatcher started")

	for {
		if d.stopped.Load() {
			log.Info("dispatcher stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			log.Info("dispatcher context canceled, stopping")
			return err
		}

		if d.sup.State() != supervisor.Connected {
			log.Debug("waiting for connection", "state", d.sup.State().String())
		}
		conn, err := d.sup.WaitConnected(runCtx)
		if err != nil {
			if errors.IsFatal(err) {
				log.Error("backing store lost for good", "error", err.Error())
				return err
			}
			if d.stopped.Load() {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			return err
		}

		reply, err := d.pop(runCtx, conn, queues, timeout)
		switch {
		case err == nil && reply.Timeout:
		case err == nil:
			d.deliver(ctx, reply)
		case errors.IsConnectionLost(err):
			log.Warn("connection lost during pop", "error", err.Error())
			d.sup.OnConnFailure(conn, err)
		case errors.IsCancelled(err):
		default:
			log.Warn("pop failed", "error", err.Error())
			d.report(err)
			d.wait(runCtx)
		}
	}
}

// Stop asks Run to return. The in-flight pop is aborted; an item it already
// received is still delivered. Calling Stop more than once is the same as
// calling it once.
func (d *Dispatcher) Stop() {
	d.stop.Do(func() {
		d.stopped.Store(true)

		d.mu.Lock()
		conn, cancel := d.conn, d.cancel
		d.mu.Unlock()

		if conn != nil {
			conn.Abort()
		}
		if cancel != nil {
			cancel()
		}
	})
}

func (d *Dispatcher) pop(ctx context.Context, conn transport.Conn, queues []string, timeout time.Duration) (transport.Reply, error) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
	}()

	return conn.BlockingPop(ctx, queues, timeout)
}

func (d *Dispatcher) deliver(ctx context.Context, reply transport.Reply) {
	msg := registry.Message{
		Queue:      reply.Queue,
		Payload:    reply.Payload,
		DeliveryID: uuid.NewString(),
		ReceivedAt: d.now(),
		Source:     registry.SourceList,
	}
	log := d.log.WithQueue(msg.Queue).WithDeliveryID(msg.DeliveryID)

	startTime := time.Now()
	handled, err := d.reg.Dispatch(logger.ContextWithDelivery(ctx, msg.Queue, msg.DeliveryID), msg)
	if !handled {
		d.discarded.Add(1)
		log.Debug("no handler registered, discarding", "bytes", len(msg.Payload))
		return
	}
	d.delivered.Add(1)

	if err != nil {
		log.Error("handler failed",
			"error", err.Error(),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		d.report(err)
		return
	}
	log.Debug("message delivered",
		"bytes", len(msg.Payload),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func (d *Dispatcher) report(err error) {
	select {
	case d.errs <- err:
	default:
		d.log.Error("error channel full, report dropped", "error", err.Error())
	}
}

func (d *Dispatcher) wait(ctx context.Context) {
	if d.pause <= 0 {
		return
	}
	t := time.NewTimer(d.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func validate(queues []string, timeoutSeconds int) error {
	if len(queues) == 0 {
		return errors.ValidationField("queues", "at least one queue is required")
	}
	for i, q := range queues {
		if q == "" {
			return errors.ValidationField("queues", "queue name is empty").WithField("index", i)
		}
	}
	if timeoutSeconds < 0 {
		return errors.ValidationField("timeout", "timeout must not be negative").
			WithField("timeout_s", timeoutSeconds)
	}
	return nil
}
