package transport

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"qbridge/internal/pkg/errors"
)

const (
	opDial      = "transport.dial"
	opPop       = "transport.pop"
	opPush      = "transport.push"
	opPublish   = "transport.publish"
	opSubscribe = "transport.subscribe"
	opPing      = "transport.ping"

	// DefaultPollInterval bounds a single BLPOP so aborts are noticed.
	DefaultPollInterval = time.Second
	// DefaultSubscriptionIdle is how long a subscription may stay silent
	// before its connection is checked with PING.
	DefaultSubscriptionIdle = 30 * time.Second
)

// RedisOptions configures RedisDialer.
type RedisOptions struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	// PollInterval is the longest single server-side wait. Redis only
	// accepts whole seconds here, so it is rounded up.
	PollInterval time.Duration
}

// RedisDialer opens go-redis clients.
type RedisDialer struct {
	opts RedisOptions
}

func NewRedisDialer(opts RedisOptions) *RedisDialer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &RedisDialer{opts: opts}
}

// Dial creates a client and verifies it with PING. go-redis's own command
// retries are disabled: reconnecting is the supervisor's job.
func (d *RedisDialer) Dial(ctx context.Context) (Conn, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        d.opts.Addr,
		Username:    d.opts.Username,
		Password:    d.opts.Password,
		DB:          d.opts.DB,
		DialTimeout: d.opts.DialTimeout,
		MaxRetries:  -1,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if ctx.Err() != nil {
			return nil, errors.Cancelled(opDial)
		}
		return nil, errors.WrapWithCode(err, errors.CodeConnection, opDial, "redis unreachable").
			WithField("addr", d.opts.Addr)
	}

	return NewRedisConn(rdb, d.opts.PollInterval), nil
}

// RedisConn implements Conn on top of a go-redis client.
type RedisConn struct {
	rdb  *redis.Client
	poll time.Duration
	idle time.Duration

	mu        sync.Mutex
	cancelPop context.CancelFunc
	subs      []*redisSubscription
}

func NewRedisConn(rdb *redis.Client, poll time.Duration) *RedisConn {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &RedisConn{rdb: rdb, poll: wholeSeconds(poll), idle: DefaultSubscriptionIdle}
}

// BlockingPop issues BLPOP in slices of at most the poll interval until an
// item arrives, the timeout elapses, or the pop is aborted.
func (c *RedisConn) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (Reply, error) {
	if len(queues) == 0 {
		return Reply{}, errors.ValidationField("queues", "no queue to pop from")
	}

	popCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancelPop != nil {
		c.mu.Unlock()
		cancel()
		return Reply{}, errors.Internal("blocking pop already in flight on this connection")
	}
	c.cancelPop = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancelPop = nil
		c.mu.Unlock()
		cancel()
	}()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if popCtx.Err() != nil {
			return Reply{}, errors.Cancelled(opPop)
		}

		wait := c.poll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Reply{Timeout: true}, nil
			}
			if remaining < wait {
				wait = wholeSeconds(remaining)
			}
		}

		res, err := c.rdb.BLPop(popCtx, wait, queues...).Result()
		if err == nil {
			// An item popped while an abort was pending is still delivered.
			return replyFrom(res)
		}
		if stderrors.Is(err, redis.Nil) {
			continue
		}
		return Reply{}, classify(popCtx, err, opPop)
	}
}

// Abort cancels the in-flight pop, if any.
func (c *RedisConn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPop != nil {
		c.cancelPop()
	}
}

// Push appends payloads to the tail of queue (RPUSH), so BLPOP consumers see
// them in order. Returns the list length after the push.
func (c *RedisConn) Push(ctx context.Context, queue string, payloads ...[]byte) (int64, error) {
	if queue == "" {
		return 0, errors.ValidationField("queue", "queue name is empty")
	}
	if len(payloads) == 0 {
		return 0, errors.ValidationField("payload", "nothing to push")
	}

	values := make([]any, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}

	n, err := c.rdb.RPush(ctx, queue, values...).Result()
	if err != nil {
		return 0, classify(ctx, err, opPush)
	}
	return n, nil
}

// Publish sends payload to channel and returns the number of receivers.
func (c *RedisConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if channel == "" {
		return 0, errors.ValidationField("channel", "channel name is empty")
	}
	n, err := c.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, classify(ctx, err, opPublish)
	}
	return n, nil
}

// Subscribe subscribes to channels and waits for the server confirmation.
func (c *RedisConn) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.ValidationField("channels", "no channel to subscribe to")
	}

	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify(ctx, err, opSubscribe)
	}
	sub := newRedisSubscription(ps, c.idle)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *RedisConn) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return classify(ctx, err, opPing)
	}
	return nil
}

// Close aborts any pending pop, ends open subscriptions and releases the
// client. go-redis would otherwise keep resubscribing on its own.
func (c *RedisConn) Close() error {
	c.Abort()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return c.rdb.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	idle time.Duration
	out  chan PubSubMessage
	done chan struct{}
	once sync.Once
}

func newRedisSubscription(ps *redis.PubSub, idle time.Duration) *redisSubscription {
	s := &redisSubscription{
		ps:   ps,
		idle: idle,
		out:  make(chan PubSubMessage),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

// forward reads the subscription connection itself instead of using
// PubSub.Channel, which reconnects forever and never reports an outage.
// Any read failure closes out; a quiet connection is checked with PING.
func (s *redisSubscription) forward() {
	defer close(s.out)
	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.idle)
		if err != nil {
			if isTimeout(err) && s.ps.Ping(ctx) == nil {
				continue
			}
			return
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		select {
		case s.out <- PubSubMessage{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan PubSubMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func replyFrom(res []string) (Reply, error) {
	if len(res) != 2 {
		return Reply{}, errors.Newf(errors.CodeProtocol, "unexpected BLPOP reply with %d elements", len(res)).
			WithField("op", opPop)
	}
	return Reply{Queue: res[0], Payload: []byte(res[1])}, nil
}

// Classify maps a go-redis error to the bridge error taxonomy.
func Classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	return classify(ctx, err, op)
}

func classify(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Cancelled(op)
	}

	var coded *errors.Error
	if errors.As(err, &coded) {
		return err
	}

	var serverErr redis.Error
	if errors.As(err, &serverErr) {
		return errors.Protocol(err, op)
	}

	return errors.ConnectionLost(err, op)
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

func wholeSeconds(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
