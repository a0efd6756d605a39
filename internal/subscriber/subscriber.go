// Package subscriber routes pub/sub messages to the handler registered under
// the channel name.
package subscriber

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
	"qbridge/internal/transport"
)

const DefaultRetryPause = time.Second

// Supervisor is the part of supervisor.Supervisor the subscriber needs.
type Supervisor interface {
	WaitConnected(ctx context.Context) (transport.Conn, error)
	OnConnFailure(conn transport.Conn, err error)
}

type Deps struct {
	Supervisor Supervisor
	Registry   *registry.Registry
	Log        *logger.Logger
	// OnError receives non-fatal errors: failed subscribes and handler
	// panics. Optional.
	OnError func(error)
	// RetryPause separates resubscribe attempts that did not involve a lost
	// connection. Negative disables it.
	RetryPause time.Duration
	Now        func() time.Time
}

type Subscriber struct {
	sup     Supervisor
	reg     *registry.Registry
	log     *logger.Logger
	onError func(error)
	pause   time.Duration
	now     func() time.Time

	delivered atomic.Int64
}

func New(d Deps) *Subscriber {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	switch {
	case d.RetryPause == 0:
		d.RetryPause = DefaultRetryPause
	case d.RetryPause < 0:
		d.RetryPause = 0
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Subscriber{
		sup:     d.Supervisor,
		reg:     d.Registry,
		log:     log.WithComponent("subscriber"),
		onError: d.OnError,
		pause:   d.RetryPause,
		now:     d.Now,
	}
}

// Delivered is the number of messages handed to a handler.
func (s *Subscriber) Delivered() int64 { return s.delivered.Load() }

// Run subscribes to channels and delivers messages until ctx ends. A lost
// subscription is re-established on the supervisor's next connection. It
// returns the fatal error if the supervisor gives up.
func (s *Subscriber) Run(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return errors.ValidationField("channels", "at least one channel is required")
	}
	for i, ch := range channels {
		if ch == "" {
			return errors.ValidationField("channels", "channel name is empty").WithField("index", i)
		}
	}

	log := s.log.WithFields(map[string]any{"channels": channels})
	for {
		if err := ctx.Err(); err != nil {
			log.Info("subscriber stopped")
			return err
		}

		conn, err := s.sup.WaitConnected(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}

		sub, err := conn.Subscribe(ctx, channels...)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.IsConnectionLost(err):
				log.Warn("subscribe failed, connection lost", "error", err.Error())
				s.sup.OnConnFailure(conn, err)
			default:
				log.Warn("subscribe failed", "error", err.Error())
				s.report(err)
				s.wait(ctx)
			}
			continue
		}

		log.Info("subscribed")
		s.consume(ctx, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			continue
		}
		log.Warn("subscription closed, resubscribing")
		if err := conn.Ping(ctx); errors.IsConnectionLost(err) {
			s.sup.OnConnFailure(conn, err)
			continue
		}
		s.wait(ctx)
	}
}

func (s *Subscriber) consume(ctx context.Context, sub transport.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, m transport.PubSubMessage) {
	msg := registry.Message{
		Queue:      m.Channel,
		Payload:    m.Payload,
		DeliveryID: uuid.NewString(),
		ReceivedAt: s.now(),
		Source:     registry.SourcePubSub,
	}

	handled, err := s.reg.Dispatch(logger.ContextWithDelivery(ctx, msg.Queue, msg.DeliveryID), msg)
	if !handled {
		s.log.Debug("no handler registered, discarding", "channel", msg.Queue)
		return
	}
	s.delivered.Add(1)
	if err != nil {
		s.log.WithQueue(msg.Queue).WithDeliveryID(msg.DeliveryID).Error("handler failed", "error", err.Error())
		s.report(err)
	}
}

func (s *Subscriber) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Subscriber) wait(ctx context.Context) {
	if s.pause <= 0 {
		return
	}
	t := time.NewTimer(s.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
