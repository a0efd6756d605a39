package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"qbridge/internal/httpkit"
	"qbridge/internal/pkg/errors"
)

// ListHandlers returns the registered queue and channel names.
func (h *Handler) ListHandlers(w http.ResponseWriter, _ *http.Request) {
	names := h.reg.Names()
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"handlers": names,
		"count":    len(names),
	})
}

// PushMessage appends the request body to the list named in the path.
func (h *Handler) PushMessage(w http.ResponseWriter, r *http.Request) error {
	queue := chi.URLParam(r, "queue")
	if queue == "" {
		return errors.ValidationField("queue", "queue name is empty")
	}
	payload, err := h.readPayload(r)
	if err != nil {
		return err
	}

	conn, err := h.sup.Conn()
	if err != nil {
		return err
	}
	n, err := conn.Push(r.Context(), queue, payload)
	if err != nil {
		if errors.IsConnectionLost(err) {
			h.sup.OnConnFailure(conn, err)
		}
		return err
	}

	h.log.FromContext(r.Context()).Info("message pushed", "queue", queue, "bytes", len(payload), "length", n)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"queue":  queue,
		"length": n,
	})
	return nil
}

// PublishMessage publishes the request body on the channel named in the path.
func (h *Handler) PublishMessage(w http.ResponseWriter, r *http.Request) error {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		return errors.ValidationField("channel", "channel name is empty")
	}
	payload, err := h.readPayload(r)
	if err != nil {
		return err
	}

	conn, err := h.sup.Conn()
	if err != nil {
		return err
	}
	n, err := conn.Publish(r.Context(), channel, payload)
	if err != nil {
		if errors.IsConnectionLost(err) {
			h.sup.OnConnFailure(conn, err)
		}
		return err
	}

	h.log.FromContext(r.Context()).Info("message published", "channel", channel, "bytes", len(payload), "receivers", n)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"channel":   channel,
		"receivers": n,
	})
	return nil
}

func (h *Handler) readPayload(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "httpapi.read", "read request body")
	}
	if len(payload) == 0 {
		return nil, errors.ValidationField("body", "payload is empty")
	}
	if int64(len(payload)) > h.maxBody {
		return nil, errors.ValidationField("body", "payload too large").WithField("max_bytes", h.maxBody)
	}
	return payload, nil
}
