// Package httpapi is the admin HTTP surface: health, connection state,
// registered handlers, and pushing or publishing test messages.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qbridge/internal/httpapi/handlers"
	"qbridge/internal/pkg/middleware"
)

// RequestTimeout bounds every admin request.
const RequestTimeout = 10 * time.Second

func NewRouter(d handlers.Deps) http.Handler {
	h := handlers.New(d)
	log := h.Log().WithComponent("admin")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Timeout(RequestTimeout))

	// ---- HEALTH ----
	r.Get("/health", h.Health)
	r.Get("/state", h.State)

	// ---- HANDLERS ----
	r.Get("/handlers", h.ListHandlers)

	// ---- MESSAGES ----
	r.Post("/queues/{queue}/messages", middleware.WrapHandler(log, h.PushMessage))
	r.Post("/channels/{channel}/messages", middleware.WrapHandler(log, h.PublishMessage))

	return r
}
