package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"qbridge/internal/config"
	"qbridge/internal/pkg/errors"
	"qbridge/internal/transport/transporttest"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, dialer *transporttest.Dialer, args ...string) (*lockedBuffer, error) {
	out := &lockedBuffer{}
	rootCmd := newRootCmd(&rootOptions{dialer: dialer})
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	return out, rootCmd.ExecuteContext(ctx)
}

func TestPush(t *testing.T) {
	dialer := &transporttest.Dialer{}

	out, err := execute(context.Background(), dialer, "push", "jobs", "a", "b")
	require.NoError(t, err)
	require.Equal(t, "2\n", out.String())

	conn := dialer.Last()
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, conn.Pushed("jobs"))
	require.True(t, conn.Closed())
}

func TestPublish(t *testing.T) {
	dialer := &transporttest.Dialer{}

	out, err := execute(context.Background(), dialer, "publish", "events", "ping")
	require.NoError(t, err)
	require.Equal(t, "0\n", out.String())
	require.Equal(t, [][]byte{[]byte("ping")}, dialer.Last().Published("events"))
}

func TestPushArgs(t *testing.T) {
	_, err := execute(context.Background(), &transporttest.Dialer{}, "push", "jobs")
	require.Error(t, err)
}

func TestPushConnectFailure(t *testing.T) {
	t.Setenv("RECONNECT_RETRY_BUDGET", "1")
	dialer := &transporttest.Dialer{}
	dialer.SetDown(transporttest.ConnError())

	_, err := execute(context.Background(), dialer, "push", "jobs", "a")
	require.True(t, errors.IsCode(err, errors.CodeConnection), "got %v", err)
	require.Equal(t, 1, dialer.Dials())
}

func TestListenRequiresQueueOrChannel(t *testing.T) {
	t.Setenv("QUEUE_NAMES", "")
	t.Setenv("CHANNEL_NAMES", "")

	_, err := execute(context.Background(), &transporttest.Dialer{}, "listen")
	require.True(t, errors.IsValidation(err), "got %v", err)
}

func TestListenPrintsUntilCancelled(t *testing.T) {
	dialer := &transporttest.Dialer{OnDial: func(c *transporttest.Conn) {
		c.Deliver("jobs", []byte("hello"))
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		rootCmd := newRootCmd(&rootOptions{dialer: dialer})
		rootCmd.SetOut(buf)
		rootCmd.SetErr(io.Discard)
		rootCmd.SetArgs([]string{"listen", "--queue", "jobs", "--timeout", "1"})
		done <- rootCmd.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "hello\n") }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, "hello\n", buf.String())
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestApplyListenFlags(t *testing.T) {
	cmd := newListenCmd(&rootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{
		"--queue", "a", "--queue", "b",
		"--channel", "events",
		"--timeout", "3",
		"--format", "json",
		"--admin", ":8090",
		"--webhook", "http://hooks.local/in",
		"--archive-dsn", "postgres://localhost/bridge",
		"--buffer", "32",
		"--workers", "4",
	}))

	cfg := config.Defaults()
	require.NoError(t, applyListenFlags(cmd, &cfg))
	require.Equal(t, []string{"a", "b"}, cfg.Listen.Queues)
	require.Equal(t, []string{"events"}, cfg.Listen.Channels)
	require.Equal(t, 3, cfg.Listen.TimeoutSeconds)
	require.Equal(t, "json", cfg.Listen.Format)
	require.Equal(t, ":8090", cfg.Admin.Addr)
	require.Equal(t, "http://hooks.local/in", cfg.Webhook.URL)
	require.Equal(t, "postgres://localhost/bridge", cfg.Archive.DatabaseURL)
	require.Equal(t, 32, cfg.Listen.Buffer)
	require.Equal(t, 4, cfg.Listen.Workers)
}

func TestApplyListenFlagsKeepsConfigWhenUnset(t *testing.T) {
	cmd := newListenCmd(&rootOptions{})
	require.NoError(t, cmd.ParseFlags(nil))

	cfg := config.Defaults()
	cfg.Listen.Queues = []string{"from-file"}
	cfg.Listen.TimeoutSeconds = 7
	require.NoError(t, applyListenFlags(cmd, &cfg))
	require.Equal(t, []string{"from-file"}, cfg.Listen.Queues)
	require.Equal(t, 7, cfg.Listen.TimeoutSeconds)
	require.Equal(t, "raw", cfg.Listen.Format)
}

func TestApplyListenFlagsExplicitEmptyClears(t *testing.T) {
	cmd := newListenCmd(&rootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--admin", ""}))

	cfg := config.Defaults()
	cfg.Admin.Addr = ":8090"
	require.NoError(t, applyListenFlags(cmd, &cfg))
	require.Empty(t, cfg.Admin.Addr)
}

func TestApplyListenFlagsReportsFlagErrors(t *testing.T) {
	cmd := &cobra.Command{Use: "listen"}
	cmd.Flags().Int("format", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--format", "1"}))

	cfg := config.Defaults()
	require.Error(t, applyListenFlags(cmd, &cfg))
	require.Equal(t, "raw", cfg.Listen.Format)
}
