// Package transporttest provides scripted in-memory transport connections
// for tests.
package transporttest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/transport"
)

// Step is one scripted outcome of BlockingPop.
type Step struct {
	Reply transport.Reply
	Err   error
}

// Conn is a fake transport.Conn. Pops block until a step is scripted, the
// timeout fires on After, the pop is aborted, or ctx ends.
type Conn struct {
	// After drives pop timeouts. Defaults to time.After.
	After func(time.Duration) <-chan time.Time

	steps chan Step

	mu        sync.Mutex
	abort     chan struct{}
	closed    bool
	pingErr   error
	pushed    map[string][][]byte
	published map[string][][]byte
	subs      []*Subscription

	inflight    atomic.Int32
	maxInflight atomic.Int32
	pops        atomic.Int32
	aborts      atomic.Int32
}

func NewConn() *Conn {
	return &Conn{
		steps:     make(chan Step, 256),
		pushed:    make(map[string][][]byte),
		published: make(map[string][][]byte),
	}
}

// Deliver scripts a successful pop from queue.
func (c *Conn) Deliver(queue string, payload []byte) {
	c.steps <- Step{Reply: transport.Reply{Queue: queue, Payload: payload}}
}

// Fail scripts a failed pop.
func (c *Conn) Fail(err error) {
	c.steps <- Step{Err: err}
}

// Expire scripts a timed-out pop.
func (c *Conn) Expire() {
	c.steps <- Step{Reply: transport.Reply{Timeout: true}}
}

// Drop scripts a pop that fails with CONNECTION_LOST.
func (c *Conn) Drop() {
	c.Fail(errors.ConnectionLost(io.EOF, "fake.pop"))
}

func (c *Conn) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (transport.Reply, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		m := c.maxInflight.Load()
		if n <= m || c.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	c.pops.Add(1)

	abort := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.Reply{}, errors.ConnectionLost(io.ErrClosedPipe, "fake.pop")
	}
	c.abort = abort
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.abort == abort {
			c.abort = nil
		}
		c.mu.Unlock()
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		after := c.After
		if after == nil {
			after = time.After
		}
		expire = after(timeout)
	}

	select {
	case s := <-c.steps:
		return s.Reply, s.Err
	case <-expire:
		return transport.Reply{Timeout: true}, nil
	case <-abort:
		return transport.Reply{}, errors.Cancelled("fake.pop")
	case <-ctx.Done():
		return transport.Reply{}, errors.Cancelled("fake.pop")
	}
}

func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts.Add(1)
	if c.abort != nil {
		close(c.abort)
		c.abort = nil
	}
}

func (c *Conn) Push(_ context.Context, queue string, payloads ...[]byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.ConnectionLost(io.ErrClosedPipe, "fake.push")
	}
	c.pushed[queue] = append(c.pushed[queue], payloads...)
	return int64(len(c.pushed[queue])), nil
}

func (c *Conn) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.ConnectionLost(io.ErrClosedPipe, "fake.publish")
	}
	c.published[channel] = append(c.published[channel], payload)

	var receivers int64
	for _, s := range c.subs {
		if s.deliver(channel, payload) {
			receivers++
		}
	}
	return receivers, nil
}

func (c *Conn) Subscribe(_ context.Context, channels ...string) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ConnectionLost(io.ErrClosedPipe, "fake.subscribe")
	}
	s := newSubscription(channels)
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ConnectionLost(io.ErrClosedPipe, "fake.ping")
	}
	return c.pingErr
}

// SetPingErr makes Ping fail with err.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	if c.abort != nil {
		close(c.abort)
		c.abort = nil
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pops is the number of BlockingPop calls so far.
func (c *Conn) Pops() int { return int(c.pops.Load()) }

// InFlight is the number of pops currently blocked.
func (c *Conn) InFlight() int { return int(c.inflight.Load()) }

// MaxInFlight is the highest number of concurrent pops observed.
func (c *Conn) MaxInFlight() int { return int(c.maxInflight.Load()) }

// Aborts is the number of Abort calls so far.
func (c *Conn) Aborts() int { return int(c.aborts.Load()) }

// Pushed returns the payloads pushed onto queue.
func (c *Conn) Pushed(queue string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pushed[queue]...)
}

// Published returns the payloads published on channel.
func (c *Conn) Published(channel string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.published[channel]...)
}

// Subscription is a fake transport.Subscription.
type Subscription struct {
	channels map[string]bool
	ch       chan transport.PubSubMessage

	mu     sync.Mutex
	closed bool
}

func newSubscription(channels []string) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Subscription{channels: set, ch: make(chan transport.PubSubMessage, 64)}
}

func (s *Subscription) deliver(channel string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[channel] {
		return false
	}
	s.ch <- transport.PubSubMessage{Channel: channel, Payload: payload}
	return true
}

func (s *Subscription) Messages() <-chan transport.PubSubMessage {
	return s.ch
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Dialer is a fake transport.Dialer handing out Conns.
type Dialer struct {
	// OnDial, when set, prepares each new Conn before it is returned.
	OnDial func(*Conn)

	mu       sync.Mutex
	failures []error
	down     error
	dials    int
	conns    []*Conn
}

// FailNext makes the next len(errs) dials fail with errs in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

// SetDown makes every dial fail with err until called with nil.
func (d *Dialer) SetDown(err error) {
	d.mu.Lock()
	d.down = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if ctx.Err() != nil {
		return nil, errors.Cancelled("fake.dial")
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	if d.down != nil {
		return nil, d.down
	}

	conn := NewConn()
	if d.OnDial != nil {
		d.OnDial(conn)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials is the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every Conn handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ConnError is a ready-made dial failure.
func ConnError() error {
	return errors.New(errors.CodeConnection, "fake dial refused")
}
