package dispatcher

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
	"qbridge/internal/supervisor"
	"qbridge/internal/transport/transporttest"
)

const waitFor = 2 * time.Second

type harness struct {
	dialer *transporttest.Dialer
	sup    *supervisor.Supervisor
	reg    *registry.Registry
	d      *Dispatcher
	done   chan error
}

func newHarness(t *testing.T, budget int, deps Deps) *harness {
	t.Helper()

	h := &harness{
		dialer: &transporttest.Dialer{},
		reg:    registry.New(),
		done:   make(chan error, 1),
	}
	h.sup = supervisor.New(h.dialer, supervisor.Options{
		RetryBudget: budget,
		Log:         logger.Discard(),
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	t.Cleanup(h.sup.Shutdown)

	deps.Supervisor = h.sup
	deps.Registry = h.reg
	deps.Log = logger.Discard()
	if deps.ErrorPause == 0 {
		deps.ErrorPause = -1
	}
	h.d = New(deps)
	t.Cleanup(h.d.Stop)
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Conn {
	t.Helper()
	require.NoError(t, h.sup.Connect(context.Background()))
	return h.dialer.Last()
}

func (h *harness) start(ctx context.Context, queues []string, timeoutSeconds int) {
	go func() { h.done <- h.d.Run(ctx, queues, timeoutSeconds) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func collect(t *testing.T, reg *registry.Registry, name string) <-chan registry.Message {
	t.Helper()
	got := make(chan registry.Message, 16)
	require.NoError(t, reg.Register(name, func(_ context.Context, msg registry.Message) {
		got <- msg
	}))
	return got
}

func receive(t *testing.T, ch <-chan registry.Message) registry.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
		return registry.Message{}
	}
}

func drain(errs <-chan error) []error {
	var out []error
	for err := range errs {
		out = append(out, err)
	}
	return out
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name    string
		queues  []string
		timeout int
	}{
		{"no queues", nil, 0},
		{"empty name", []string{"jobs", ""}, 0},
		{"negative timeout", []string{"jobs"}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, Deps{})
			err := h.d.Run(context.Background(), tt.queues, tt.timeout)
			require.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	h.start(context.Background(), []string{"jobs"}, 0)
	require.Eventually(t, func() bool { return conn.InFlight() == 1 }, waitFor, time.Millisecond)

	err := h.d.Run(context.Background(), []string{"jobs"}, 0)
	require.True(t, errors.IsValidation(err), "got %v", err)

	h.d.Stop()
	require.NoError(t, h.wait(t))
}

func TestEndToEndJobs(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := newHarness(t, 3, Deps{Now: func() time.Time { return fixed }})
	conn := h.connect(t)
	got := collect(t, h.reg, "jobs")

	conn.Deliver("other", []byte("ignored"))
	conn.Deliver("jobs", []byte("hello"))
	h.start(context.Background(), []string{"jobs", "other"}, 0)

	msg := receive(t, got)
	require.Equal(t, "jobs", msg.Queue)
	require.Equal(t, []byte("hello"), msg.Payload)
	require.Equal(t, registry.SourceList, msg.Source)
	require.Equal(t, fixed, msg.ReceivedAt)
	_, err := uuid.Parse(msg.DeliveryID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.Pops() == 3 }, waitFor, time.Millisecond)
	h.d.Stop()
	require.NoError(t, h.wait(t))

	require.Empty(t, got, "handler invoked more than once")
	require.Empty(t, drain(h.d.Errors()))
	require.EqualValues(t, 1, h.d.Delivered())
	require.EqualValues(t, 1, h.d.Discarded())
}

func TestHandlerRunsBeforeNextPop(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.reg.Register("jobs", func(context.Context, registry.Message) {
		close(entered)
		<-release
	}))

	conn.Deliver("jobs", []byte("slow"))
	conn.Deliver("jobs", []byte("next"))
	h.start(context.Background(), []string{"jobs"}, 0)

	<-entered
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conn.Pops())
	require.Equal(t, 0, conn.InFlight())

	require.NoError(t, h.reg.Register("jobs", func(context.Context, registry.Message) {}))
	close(release)

	require.Eventually(t, func() bool { return conn.Pops() == 3 }, waitFor, time.Millisecond)
	require.Equal(t, 1, conn.MaxInFlight())

	h.d.Stop()
	require.NoError(t, h.wait(t))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	h.start(context.Background(), []string{"jobs"}, 0)
	require.Eventually(t, func() bool { return conn.InFlight() == 1 }, waitFor, time.Millisecond)

	h.d.Stop()
	h.d.Stop()
	require.NoError(t, h.wait(t))
	require.Equal(t, 1, conn.Aborts())

	_, open := <-h.d.Errors()
	require.False(t, open)
}

func TestStopBeforeRun(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	h.d.Stop()
	require.NoError(t, h.d.Run(context.Background(), []string{"jobs"}, 0))
	require.Equal(t, 0, conn.Pops())
}

func TestStopWhileWaitingForConnection(t *testing.T) {
	h := newHarness(t, 3, Deps{})

	h.start(context.Background(), []string{"jobs"}, 0)
	time.Sleep(20 * time.Millisecond)

	h.d.Stop()
	require.NoError(t, h.wait(t))
	require.Equal(t, 0, h.dialer.Dials())
}

func TestStopFromHandlerDeliversOnce(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	var calls atomic.Int32
	require.NoError(t, h.reg.Register("jobs", func(context.Context, registry.Message) {
		calls.Add(1)
		h.d.Stop()
	}))

	conn.Deliver("jobs", []byte("a"))
	conn.Deliver("jobs", []byte("b"))
	h.start(context.Background(), []string{"jobs"}, 0)

	require.NoError(t, h.wait(t))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, conn.Pops())
}

func TestParentContextCancel(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx, []string{"jobs"}, 0)
	require.Eventually(t, func() bool { return conn.InFlight() == 1 }, waitFor, time.Millisecond)

	cancel()
	require.ErrorIs(t, h.wait(t), context.Canceled)
}

func TestReconnectAfterConnectionLost(t *testing.T) {
	h := newHarness(t, 5, Deps{})
	got := collect(t, h.reg, "jobs")
	first := h.connect(t)

	h.dialer.OnDial = func(c *transporttest.Conn) {
		c.Deliver("jobs", []byte("after"))
	}
	h.dialer.FailNext(transporttest.ConnError(), transporttest.ConnError())
	first.Drop()

	h.start(context.Background(), []string{"jobs"}, 0)

	msg := receive(t, got)
	require.Equal(t, []byte("after"), msg.Payload)
	require.True(t, first.Closed())
	require.Equal(t, supervisor.Connected, h.sup.State())
	require.Equal(t, 4, h.dialer.Dials())

	h.d.Stop()
	require.NoError(t, h.wait(t))
	require.Empty(t, drain(h.d.Errors()))
}

func TestFatalConnectionIsReturned(t *testing.T) {
	h := newHarness(t, 2, Deps{})
	conn := h.connect(t)

	h.dialer.SetDown(transporttest.ConnError())
	conn.Drop()
	h.start(context.Background(), []string{"jobs"}, 0)

	err := h.wait(t)
	require.True(t, errors.IsFatal(err), "got %v", err)
	require.Equal(t, supervisor.Disconnected, h.sup.State())
}

func TestTimeoutWithSimulatedClock(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	clock := &transporttest.Clock{}
	h.dialer.OnDial = func(c *transporttest.Conn) { c.After = clock.After }
	conn := h.connect(t)

	h.start(context.Background(), []string{"jobs"}, 1)
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, waitFor, time.Millisecond)

	clock.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conn.Pops())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return conn.Pops() == 2 }, waitFor, time.Millisecond)

	h.d.Stop()
	require.NoError(t, h.wait(t))
	require.Empty(t, drain(h.d.Errors()))
}

func TestProtocolErrorIsReportedAndLoopContinues(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)
	got := collect(t, h.reg, "jobs")

	conn.Fail(errors.Protocol(io.ErrUnexpectedEOF, "test.pop"))
	conn.Deliver("jobs", []byte("still here"))
	h.start(context.Background(), []string{"jobs"}, 0)

	msg := receive(t, got)
	require.Equal(t, []byte("still here"), msg.Payload)

	h.d.Stop()
	require.NoError(t, h.wait(t))

	errs := drain(h.d.Errors())
	require.Len(t, errs, 1)
	require.True(t, errors.IsCode(errs[0], errors.CodeProtocol), "got %v", errs[0])
	require.Equal(t, supervisor.Connected, h.sup.State())
}

func TestHandlerPanicIsReported(t *testing.T) {
	h := newHarness(t, 3, Deps{})
	conn := h.connect(t)

	var calls atomic.Int32
	require.NoError(t, h.reg.Register("jobs", func(_ context.Context, msg registry.Message) {
		calls.Add(1)
		if string(msg.Payload) == "bad" {
			panic("bad payload")
		}
	}))

	conn.Deliver("jobs", []byte("bad"))
	conn.Deliver("jobs", []byte("good"))
	h.start(context.Background(), []string{"jobs"}, 0)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, time.Millisecond)
	h.d.Stop()
	require.NoError(t, h.wait(t))

	errs := drain(h.d.Errors())
	require.Len(t, errs, 1)
	require.True(t, errors.IsCode(errs[0], errors.CodeInternal), "got %v", errs[0])
}

func TestFullErrorChannelDoesNotBlock(t *testing.T) {
	h := newHarness(t, 3, Deps{ErrorBuffer: 1})
	conn := h.connect(t)
	got := collect(t, h.reg, "jobs")

	for i := 0; i < 3; i++ {
		conn.Fail(errors.Protocol(io.ErrUnexpectedEOF, "test.pop"))
	}
	conn.Deliver("jobs", []byte("through"))
	h.start(context.Background(), []string{"jobs"}, 0)

	receive(t, got)
	h.d.Stop()
	require.NoError(t, h.wait(t))
	require.Len(t, drain(h.d.Errors()), 1)
}
