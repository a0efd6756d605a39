package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qbridge/internal/pkg/logger"
)

func newTestLogger() *logger.Logger {
	var buf bytes.Buffer
	return logger.New(logger.Config{
		Level:  "debug",
		Format: "json",
		Output: &buf,
	})
}

func TestNewManager(t *testing.T) {
	t.Run("with default timeout", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 0)
		if mgr.timeout != DefaultTimeout {
			t.Errorf("expected default timeout 30s, got %s", mgr.timeout)
		}
	})

	t.Run("with nil logger", func(t *testing.T) {
		if NewManager(nil, time.Second) == nil {
			t.Fatal("expected manager to be non-nil")
		}
	})
}

func TestRegister(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	mgr.Register("supervisor", func(ctx context.Context) error {
		return nil
	})

	if len(mgr.handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(mgr.handlers))
	}
	if mgr.handlers[0].Name != "supervisor" {
		t.Errorf("expected handler name 'supervisor', got %s", mgr.handlers[0].Name)
	}
}

func TestRegisterSimple(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var called bool
	mgr.RegisterSimple("simple", func() {
		called = true
	})

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected simple handler to be called")
	}
}

func TestShutdown(t *testing.T) {
	t.Run("runs handlers in LIFO order", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var order []string
		for _, name := range []string{"redis", "supervisor", "dispatcher"} {
			name := name
			mgr.RegisterSimple(name, func() { order = append(order, name) })
		}

		if err := mgr.Shutdown(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := []string{"dispatcher", "supervisor", "redis"}
		if len(order) != len(want) {
			t.Fatalf("expected %d handlers called, got %d", len(want), len(order))
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
			}
		}
	})

	t.Run("closes done channel", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)
		_ = mgr.Shutdown()

		select {
		case <-mgr.Done():
		case <-time.After(time.Second):
			t.Error("expected done channel to be closed")
		}
	})

	t.Run("reports handler errors and keeps going", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var ran atomic.Bool
		mgr.RegisterSimple("after", func() { ran.Store(true) })
		mgr.Register("failing", func(ctx context.Context) error {
			return context.DeadlineExceeded
		})

		err := mgr.Shutdown()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected joined DeadlineExceeded, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "failing: ") {
			t.Errorf("expected handler name in error, got %v", err)
		}
		if !ran.Load() {
			t.Error("expected remaining handlers to run after a failure")
		}
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var calls atomic.Int32
	mgr.RegisterSimple("count", func() { calls.Add(1) })

	_ = mgr.Shutdown()
	_ = mgr.Shutdown()

	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls.Load())
	}
}

func TestShutdownTimeout(t *testing.T) {
	mgr := NewManager(newTestLogger(), 100*time.Millisecond)

	mgr.Register("stubborn", func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})

	start := time.Now()
	err := mgr.Shutdown()
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
}
