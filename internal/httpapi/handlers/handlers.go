package handlers

import (
	"context"

	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
	"qbridge/internal/supervisor"
	"qbridge/internal/transport"
)

// DefaultMaxBody caps pushed and published payloads.
const DefaultMaxBody = 1 << 20

// Supervisor is the part of supervisor.Supervisor the admin API needs.
type Supervisor interface {
	State() supervisor.State
	Conn() (transport.Conn, error)
	OnConnFailure(conn transport.Conn, err error)
	Err() error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Breaker reports a circuit breaker state ("closed", "half-open", "open").
type Breaker interface {
	State() string
}

type Deps struct {
	Supervisor Supervisor
	Registry   *registry.Registry
	// DB and Breaker are optional extra deep health checks.
	DB      Pinger
	Breaker Breaker
	// Stats, when set, is merged into GET /state.
	Stats   func() map[string]any
	Log     *logger.Logger
	MaxBody int64
	Version string
}

type Handler struct {
	sup     Supervisor
	reg     *registry.Registry
	db      Pinger
	breaker Breaker
	stats   func() map[string]any
	log     *logger.Logger
	maxBody int64
	version string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.MaxBody <= 0 {
		d.MaxBody = DefaultMaxBody
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Handler{
		sup:     d.Supervisor,
		reg:     d.Registry,
		db:      d.DB,
		breaker: d.Breaker,
		stats:   d.Stats,
		log:     log,
		maxBody: d.MaxBody,
		version: d.Version,
	}
}

// Log is the logger handlers and middleware share.
func (h *Handler) Log() *logger.Logger {
	return h.log
}
