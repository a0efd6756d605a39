package handlers

import (
	"context"
	"net/http"
	"time"

	"qbridge/internal/httpkit"
	"qbridge/internal/supervisor"
)

// Health reports liveness. With ?deep=true it also checks the backing store
// and the optional database and webhook breaker.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "qbridge",
		"version": h.version,
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"redis": h.checkRedis(ctx),
	}
	if h.db != nil {
		checks["postgres"] = h.checkPostgres(ctx)
	}
	if h.breaker != nil {
		checks["webhook"] = h.checkBreaker()
	}
	return checks
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
		"state":  h.sup.State().String(),
	}

	conn, err := h.sup.Conn()
	if err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
		return result
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.db.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkBreaker() map[string]any {
	state := h.breaker.State()
	status := "ok"
	if state == "open" {
		status = "error"
	}
	return map[string]any{"status": status, "breaker": state}
}

// State reports the connection state, the fatal error if any, and runtime
// counters.
func (h *Handler) State(w http.ResponseWriter, _ *http.Request) {
	st := h.sup.State()
	body := map[string]any{
		"state":     st.String(),
		"connected": st == supervisor.Connected,
	}
	if err := h.sup.Err(); err != nil {
		body["fatal"] = err.Error()
	}
	if h.stats != nil {
		for k, v := range h.stats() {
			body[k] = v
		}
	}
	httpkit.WriteJSON(w, http.StatusOK, body)
}
