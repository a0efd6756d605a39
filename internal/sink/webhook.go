package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
)

const opWebhook = "sink.webhook"

type WebhookOptions struct {
	URL     string
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	Client      *http.Client
	Log         *logger.Logger
	OnError     func(error)
}

// Webhook POSTs each message's JSON envelope to a URL through a circuit
// breaker.
type Webhook struct {
	url     string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
	onError func(error)
}

func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.ValidationField("webhook_url", "webhook URL must be an absolute http(s) URL").
			WithField("url", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("webhook")

	maxFailures := opts.MaxFailures
	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Webhook{
		url:     u.String(),
		client:  opts.Client,
		cb:      gobreaker.NewCircuitBreaker(settings),
		log:     log,
		onError: opts.OnError,
	}, nil
}

// Handle is a registry.Handler. Failures are logged and passed to OnError.
func (w *Webhook) Handle(ctx context.Context, msg registry.Message) {
	if err := w.Send(ctx, msg); err != nil {
		w.log.FromContext(ctx).Warn("webhook delivery failed", "error", err.Error())
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Send posts msg and waits for a 2xx response.
func (w *Webhook) Send(ctx context.Context, msg registry.Message) error {
	body, err := marshalEnvelope(msg)
	if err != nil {
		return errors.Wrap(err, opWebhook, "encode envelope")
	}

	_, err = w.cb.Execute(func() (any, error) {
		return nil, w.post(ctx, body)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.WrapWithCode(err, errors.CodeUnavailable, opWebhook, "webhook circuit open").
			WithField("url", w.url)
	}
	return err
}

// State is the breaker state: "closed", "half-open" or "open".
func (w *Webhook) State() string {
	return w.cb.State().String()
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, opWebhook, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled(opWebhook)
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, opWebhook, "webhook request failed").
			WithField("url", w.url)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("webhook http %d", res.StatusCode)).
			WithFields(map[string]any{"url": w.url, "status": res.StatusCode, "body": string(snippet)})
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
