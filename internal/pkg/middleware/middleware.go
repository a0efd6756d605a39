// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"qbridge/internal/httpkit"
	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
)

const (
	RequestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

// statusRecorder remembers the status and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status != 0 {
		return
	}
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

// RequestID keeps a sane caller-supplied X-Request-ID or assigns a uuid,
// echoes it, and stores it in the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
	})
}

// Logging writes one record per request, at warn for 4xx and error for 5xx.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			reqLog := log.FromContext(r.Context())
			emit := reqLog.Info
			switch {
			case rec.status >= 500:
				emit = reqLog.Error
			case rec.status >= 400:
				emit = reqLog.Warn
			}
			emit("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"size", rec.size,
				"remote_addr", r.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Recovery turns a handler panic into a logged INTERNAL_ERROR response.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					HandleError(w, r, log, errors.Internalf("panic: %v", v))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds each request's context. Handlers that reach the backing
// store see the deadline and fail with CANCELLED instead of hanging.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ErrorHandlerFunc is a handler that reports failure by returning an error.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request) error

func WrapHandler(log *logger.Logger, fn ErrorHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			HandleError(w, r, log, err)
		}
	}
}

// HandleError logs err with its code and fields and writes the JSON error
// envelope. Server-side failures also log the captured stack.
func HandleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := errors.GetHTTPStatus(err)
	fields := []any{
		"error", err.Error(),
		"code", string(errors.GetCode(err)),
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	}
	for k, v := range errors.GetFields(err) {
		fields = append(fields, k, v)
	}

	reqLog := log.FromContext(r.Context())
	if status < 500 {
		reqLog.Warn("request error", fields...)
	} else {
		var coded *errors.Error
		if errors.As(err, &coded) && len(coded.Stack) > 0 {
			fields = append(fields, "stack", coded.StackTrace())
		}
		reqLog.Error("request failed", fields...)
	}
	httpkit.WriteError(w, err)
}
