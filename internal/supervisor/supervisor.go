// Package supervisor owns the transport connection: it dials, tracks the
// connection state, and reconnects with exponential backoff after failures.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/transport"
)

const (
	opConnect   = "supervisor.connect"
	opReconnect = "supervisor.reconnect"
	opWait      = "supervisor.wait"

	DefaultRetryBudget = 10
)

// State is the connection state. The supervisor is its only writer.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type Options struct {
	Backoff BackoffPolicy
	// RetryBudget is the number of dial attempts for Connect, and of
	// consecutive reconnect attempts after a failure.
	RetryBudget int
	Log         *logger.Logger
	// Sleep waits d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnStateChange observes transitions. It runs under the supervisor's
	// lock and must not call back into it.
	OnStateChange func(from, to State)
}

type Supervisor struct {
	dialer   transport.Dialer
	backoff  BackoffPolicy
	budget   int
	sleep    func(ctx context.Context, d time.Duration) error
	onChange func(from, to State)
	log      *logger.Logger

	state atomic.Int32

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	mu           sync.Mutex
	conn         transport.Conn
	changed      chan struct{}
	fatal        error
	closed       bool
	reconnecting bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func New(dialer transport.Dialer, opts Options) *Supervisor {
	if opts.Backoff.Base == 0 && opts.Backoff.Max == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dialer:   dialer,
		backoff:  opts.Backoff,
		budget:   opts.RetryBudget,
		sleep:    opts.Sleep,
		onChange: opts.OnStateChange,
		log:      log.WithComponent("supervisor"),
		changed:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State returns the current connection state without blocking.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connect dials until it succeeds or the retry budget is spent. While a
// background reconnect is running it waits for that instead of dialing.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Cancelled(opConnect)
	}
	if s.State() == Connected {
		s.mu.Unlock()
		return nil
	}
	if s.reconnecting {
		s.mu.Unlock()
		_, err := s.WaitConnected(ctx)
		return err
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.budget; attempt++ {
		if attempt > 0 {
			if !s.transition(Backoff) {
				return errors.Cancelled(opConnect)
			}
			if err := s.sleep(ctx, s.backoff.Delay(attempt-1)); err != nil {
				s.transition(Disconnected)
				return errors.Cancelled(opConnect)
			}
			if !s.transition(Connecting) {
				return errors.Cancelled(opConnect)
			}
		}

		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			if !s.install(conn) {
				_ = conn.Close()
				return errors.Cancelled(opConnect)
			}
			s.log.Info("connected", "attempts", attempt+1)
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			s.transition(Disconnected)
			return errors.Cancelled(opConnect)
		}
		s.log.Warn("connect attempt failed",
			"attempt", attempt+1,
			"budget", s.budget,
			"error", err.Error(),
		)
	}

	s.transition(Disconnected)
	return errors.WrapWithCode(lastErr, errors.CodeConnection, opConnect, "backing store unreachable").
		WithField("attempts", s.budget)
}

// OnFailure reports an I/O failure on the current connection. The connection
// is dropped and a reconnect loop starts in the background. Reports that
// arrive while already reconnecting are ignored.
func (s *Supervisor) OnFailure(err error) {
	s.fail(nil, err)
}

// OnConnFailure is OnFailure scoped to conn: reports about a connection that
// was already replaced are ignored.
func (s *Supervisor) OnConnFailure(conn transport.Conn, err error) {
	if conn == nil {
		return
	}
	s.fail(conn, err)
}

func (s *Supervisor) fail(failed transport.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.fatal != nil || s.State() != Connected {
		s.mu.Unlock()
		return
	}
	if failed != nil && failed != s.conn {
		s.mu.Unlock()
		return
	}
	old := s.conn
	s.conn = nil
	s.setStateLocked(Backoff)
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.WithError(err).Warn("connection lost, reconnecting")
	if old != nil {
		_ = old.Close()
	}
	go s.reconnect()
}

func (s *Supervisor) reconnect() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < s.budget; attempt++ {
		delay := s.backoff.Delay(attempt)
		s.log.Debug("waiting before reconnect", "attempt", attempt+1, "delay_ms", delay.Milliseconds())
		if err := s.sleep(s.ctx, delay); err != nil {
			return
		}
		if !s.transition(Connecting) {
			return
		}

		conn, err := s.dialer.Dial(s.ctx)
		if err == nil {
			if !s.install(conn) {
				_ = conn.Close()
				return
			}
			s.log.Info("reconnected", "attempts", attempt+1)
			return
		}

		lastErr = err
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"budget", s.budget,
			"error", err.Error(),
		)
		if !s.transition(Backoff) {
			return
		}
	}

	fatal := errors.WrapWithCode(lastErr, errors.CodeFatalConnection, opReconnect, "reconnect retry budget exhausted").
		WithField("attempts", s.budget)

	s.mu.Lock()
	s.fatal = fatal
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.log.Error("giving up on backing store", "error", fatal.Error())
	s.finish()
}

// WaitConnected blocks until a connection is available. It fails with the
// fatal error once the retry budget is spent, or CANCELLED after Shutdown or
// when ctx ends.
func (s *Supervisor) WaitConnected(ctx context.Context) (transport.Conn, error) {
	for {
		s.mu.Lock()
		conn, ch, fatal, closed := s.conn, s.changed, s.fatal, s.closed
		connected := s.State() == Connected
		s.mu.Unlock()

		switch {
		case fatal != nil:
			return nil, fatal
		case closed:
			return nil, errors.Cancelled(opWait)
		case connected && conn != nil:
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Cancelled(opWait)
		case <-ch:
		}
	}
}

// Conn returns the live connection without waiting.
func (s *Supervisor) Conn() (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return nil, s.fatal
	}
	if s.State() != Connected || s.conn == nil {
		return nil, errors.Unavailable("backing store").WithField("state", s.State().String())
	}
	return s.conn, nil
}

// Err returns the fatal error, if the retry budget was exhausted.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Done is closed after Shutdown or once the supervisor gives up.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Shutdown closes the connection and stops reconnecting. The state ends in
// Disconnected for good. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.finish()
	s.log.Info("supervisor stopped")
}

// transition moves to the given state unless the supervisor was shut down.
func (s *Supervisor) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.setStateLocked(to)
	return true
}

func (s *Supervisor) install(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.setStateLocked(Connected)
	return true
}

func (s *Supervisor) setStateLocked(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})

	s.log.Debug("state changed", "from", from.String(), "to", to.String())
	if s.onChange != nil {
		s.onChange(from, to)
	}
}

func (s *Supervisor) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
