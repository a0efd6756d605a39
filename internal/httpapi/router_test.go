package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"qbridge/internal/httpapi/handlers"
	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
	"qbridge/internal/supervisor"
	"qbridge/internal/transport/transporttest"
)

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type fakeBreaker string

func (b fakeBreaker) State() string { return string(b) }

type fixture struct {
	dialer *transporttest.Dialer
	sup    *supervisor.Supervisor
	reg    *registry.Registry
	router http.Handler
}

func newFixture(t *testing.T, connect bool, mod func(*handlers.Deps)) *fixture {
	t.Helper()

	f := &fixture{dialer: &transporttest.Dialer{}, reg: registry.New()}
	f.sup = supervisor.New(f.dialer, supervisor.Options{
		RetryBudget: 1,
		Log:         logger.Discard(),
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	t.Cleanup(f.sup.Shutdown)
	if connect {
		require.NoError(t, f.sup.Connect(context.Background()))
	}

	deps := handlers.Deps{
		Supervisor: f.sup,
		Registry:   f.reg,
		Log:        logger.Discard(),
		MaxBody:    16,
		Version:    "test",
	}
	if mod != nil {
		mod(&deps)
	}
	f.router = NewRouter(deps)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))

	var out map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, body := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "qbridge", body["service"])
	require.Equal(t, "test", body["version"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Nil(t, body["checks"])
}

func TestDeepHealth(t *testing.T) {
	f := newFixture(t, true, func(d *handlers.Deps) {
		d.DB = fakeDB{}
		d.Breaker = fakeBreaker("closed")
	})

	_, body := f.do(t, "GET", "/health?deep=true", "")
	require.Equal(t, "ok", body["status"])

	checks := body["checks"].(map[string]any)
	require.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
	require.Equal(t, "ok", checks["postgres"].(map[string]any)["status"])
	require.Equal(t, "closed", checks["webhook"].(map[string]any)["breaker"])
}

func TestDeepHealthDegraded(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		mod     func(*handlers.Deps)
		failing string
	}{
		{"redis down", false, nil, "redis"},
		{"postgres down", true, func(d *handlers.Deps) { d.DB = fakeDB{err: io.EOF} }, "postgres"},
		{"breaker open", true, func(d *handlers.Deps) { d.Breaker = fakeBreaker("open") }, "webhook"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.connect, tt.mod)

			rec, body := f.do(t, "GET", "/health?deep=true", "")
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "degraded", body["status"])
			checks := body["checks"].(map[string]any)
			require.Equal(t, "error", checks[tt.failing].(map[string]any)["status"])
		})
	}
}

func TestRedisPingFailureDegrades(t *testing.T) {
	f := newFixture(t, true, nil)
	f.dialer.Last().SetPingErr(errors.ConnectionLost(io.EOF, "fake.ping"))

	_, body := f.do(t, "GET", "/health?deep=true", "")
	require.Equal(t, "degraded", body["status"])
}

func TestState(t *testing.T) {
	f := newFixture(t, true, func(d *handlers.Deps) {
		d.Stats = func() map[string]any { return map[string]any{"delivered": 3} }
	})

	_, body := f.do(t, "GET", "/state", "")
	require.Equal(t, "connected", body["state"])
	require.Equal(t, true, body["connected"])
	require.EqualValues(t, 3, body["delivered"])
	require.Nil(t, body["fatal"])
}

func TestListHandlers(t *testing.T) {
	f := newFixture(t, true, nil)
	noop := func(context.Context, registry.Message) {}
	require.NoError(t, f.reg.Register("jobs", noop))
	require.NoError(t, f.reg.Register("events", noop))

	_, body := f.do(t, "GET", "/handlers", "")
	require.Equal(t, []any{"events", "jobs"}, body["handlers"])
	require.EqualValues(t, 2, body["count"])
}

func TestPushMessage(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, body := f.do(t, "POST", "/queues/jobs/messages", "hello")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "jobs", body["queue"])
	require.EqualValues(t, 1, body["length"])
	require.Equal(t, [][]byte{[]byte("hello")}, f.dialer.Last().Pushed("jobs"))
}

func TestPushValidation(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, body := f.do(t, "POST", "/queues/jobs/messages", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]any)["code"])

	rec, _ = f.do(t, "POST", "/queues/jobs/messages", strings.Repeat("x", 17))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushWhileDisconnected(t *testing.T) {
	f := newFixture(t, false, nil)

	rec, body := f.do(t, "POST", "/queues/jobs/messages", "hello")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "UNAVAILABLE", body["error"].(map[string]any)["code"])
}

func TestPushOnLostConnectionTriggersReconnect(t *testing.T) {
	f := newFixture(t, true, nil)
	first := f.dialer.Last()
	require.NoError(t, first.Close())

	rec, body := f.do(t, "POST", "/queues/jobs/messages", "hello")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "CONNECTION_LOST", body["error"].(map[string]any)["code"])

	conn, err := f.sup.WaitConnected(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, conn)
}

func TestPublishMessage(t *testing.T) {
	f := newFixture(t, true, nil)

	rec, body := f.do(t, "POST", "/channels/events/messages", "ping")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "events", body["channel"])
	require.EqualValues(t, 0, body["receivers"])
	require.Equal(t, [][]byte{[]byte("ping")}, f.dialer.Last().Published("events"))
}
