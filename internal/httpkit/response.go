// Package httpkit writes JSON responses for the admin API.
package httpkit

import (
	"net/http"

	"github.com/bytedance/sonic"

	"qbridge/internal/pkg/errors"
)

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	b, err := sonic.Marshal(body)
	if err != nil {
		WriteErr(w, http.StatusInternalServerError, string(errors.CodeInternal), "encode response", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	env := ErrorEnvelope{Error: ErrorBody{Code: code, Message: msg, Details: details}}
	b, err := sonic.Marshal(env)
	if err != nil {
		b = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"encode error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// WriteError writes err using its code, HTTP status and fields.
func WriteError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	WriteErr(w, errors.GetHTTPStatus(err), string(errors.GetCode(err)), msg, errors.GetFields(err))
}
