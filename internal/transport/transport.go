// Package transport is the bridge's view of the backing store: dialing,
// blocking pops, pushes and pub/sub.
package transport

import (
	"context"
	"time"
)

// Reply is the outcome of one blocking pop. Timeout is set when the wait
// elapsed without data; it is a normal outcome, not an error.
type Reply struct {
	Queue   string
	Payload []byte
	Timeout bool
}

// PubSubMessage is one message received on a subscribed channel.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// Subscription delivers pub/sub messages until it is closed or the
// underlying connection goes away, at which point Messages is closed.
type Subscription interface {
	Messages() <-chan PubSubMessage
	Close() error
}

// Conn is a live connection to the backing store. Errors returned by its
// methods carry an errors.Code: CONNECTION_LOST for I/O failures, CANCELLED
// for aborted or context-cancelled calls, PROTOCOL_ERROR for bad replies.
type Conn interface {
	// BlockingPop waits up to timeout (0 = forever) for an item on any of
	// queues. Only one pop may be in flight per Conn.
	BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (Reply, error)
	// Abort unblocks a pending BlockingPop, which then returns CANCELLED.
	Abort()
	Push(ctx context.Context, queue string, payloads ...[]byte) (int64, error)
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections. Failures carry CONNECTION_ERROR.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
