// Package worker assembles the bridge process: supervisor, dispatcher,
// subscriber, sinks and the optional admin server.
package worker

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"qbridge/internal/dispatcher"
	"qbridge/internal/httpapi"
	"qbridge/internal/httpapi/handlers"
	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/pkg/shutdown"
	"qbridge/internal/registry"
	"qbridge/internal/sink"
	"qbridge/internal/subscriber"
	"qbridge/internal/supervisor"
	"qbridge/internal/transport"
)

// NewSupervisor builds a connection supervisor from d.Config.
func NewSupervisor(d Deps) *supervisor.Supervisor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = transport.NewRedisDialer(RedisOptions(d.Config.Redis))
	}
	rc := d.Config.Reconnect
	return supervisor.New(dialer, supervisor.Options{
		Backoff: supervisor.BackoffPolicy{
			Base:   rc.BaseDelay,
			Max:    rc.MaxDelay,
			Jitter: rc.Jitter,
		},
		RetryBudget: rc.RetryBudget,
		Log:         log,
		Sleep:       d.Sleep,
	})
}

// Run connects, then pops the configured queues and follows the configured
// channels until ctx ends. Every message goes to stdout and to the optional
// webhook and archive sinks. It returns nil on a requested shutdown and the
// error when the initial connect fails or the backing store is lost for good.
func Run(ctx context.Context, d Deps) error {
	cfg := d.Config
	if err := cfg.ValidateListen(); err != nil {
		return err
	}

	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	d.Log = log
	log = log.WithComponent("worker")

	out := d.Stdout
	if out == nil {
		out = os.Stdout
	}
	format, err := sink.ParseFormat(cfg.Listen.Format)
	if err != nil {
		return err
	}
	printer := sink.NewPrinter(out, format, d.Log)

	mgr := shutdown.NewManager(d.Log, cfg.Admin.ShutdownTimeout)
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			log.Warn("shutdown finished with errors", "error", err.Error())
		}
	}()

	sup := NewSupervisor(d)
	mgr.RegisterSimple("supervisor", sup.Shutdown)

	s, err := buildSinks(ctx, d, printer, mgr)
	if err != nil {
		return err
	}

	reg := registry.New()
	for _, name := range append(append([]string(nil), cfg.Listen.Queues...), cfg.Listen.Channels...) {
		if err := reg.Register(name, s.handler); err != nil {
			return err
		}
	}

	log.Info("connecting", "addr", cfg.Redis.Addr, "queues", cfg.Listen.Queues, "channels", cfg.Listen.Channels)
	if err := sup.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	disp := dispatcher.New(dispatcher.Deps{
		Supervisor: sup,
		Registry:   reg,
		Log:        d.Log,
	})
	sub := subscriber.New(subscriber.Deps{
		Supervisor: sup,
		Registry:   reg,
		Log:        d.Log,
		OnError:    printer.PrintError,
	})

	if cfg.Admin.Addr != "" {
		deps := handlers.Deps{
			Supervisor: sup,
			Registry:   reg,
			DB:         s.db,
			Log:        d.Log,
			Version:    d.Version,
			Stats: func() map[string]any {
				return map[string]any{
					"delivered":        disp.Delivered(),
					"discarded":        disp.Discarded(),
					"pubsub_delivered": sub.Delivered(),
				}
			},
		}
		if s.webhook != nil {
			deps.Breaker = s.webhook
		}
		if err := serveAdmin(cfg.Admin.Addr, httpapi.NewRouter(deps), mgr, log); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, 2)
	running := 0
	forwarded := make(chan struct{})

	if len(cfg.Listen.Queues) > 0 {
		running++
		go func() { results <- disp.Run(runCtx, cfg.Listen.Queues, cfg.Listen.TimeoutSeconds) }()
		go func() {
			defer close(forwarded)
			for err := range disp.Errors() {
				printer.PrintError(err)
			}
		}()
	} else {
		close(forwarded)
	}
	if len(cfg.Listen.Channels) > 0 {
		running++
		go func() { results <- sub.Run(runCtx, cfg.Listen.Channels) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-results:
		running--
	}

	disp.Stop()
	cancel()
	for ; running > 0; running-- {
		if err := <-results; err != nil && runErr == nil {
			runErr = err
		}
	}
	<-forwarded

	if runErr != nil && !errors.IsFatal(runErr) && ctx.Err() != nil {
		runErr = nil
	}
	if runErr != nil {
		log.Error("bridge stopped", "error", runErr.Error())
	}
	return runErr
}

type sinks struct {
	handler registry.Handler
	webhook *sink.Webhook
	db      handlers.Pinger
}

// buildSinks wires stdout plus the optional webhook and archive. Stdout is
// always written on the dispatcher goroutine; the others move to a worker
// pool when listen.buffer is set.
func buildSinks(ctx context.Context, d Deps, printer *sink.Printer, mgr *shutdown.Manager) (sinks, error) {
	cfg := d.Config
	var s sinks
	var extra []registry.Handler

	if cfg.Webhook.URL != "" {
		wh, err := sink.NewWebhook(sink.WebhookOptions{
			URL:         cfg.Webhook.URL,
			Timeout:     cfg.Webhook.Timeout,
			MaxFailures: cfg.Webhook.MaxFailures,
			Log:         d.Log,
			OnError:     printer.PrintError,
		})
		if err != nil {
			return sinks{}, err
		}
		s.webhook = wh
		extra = append(extra, wh.Handle)
	}

	if cfg.Archive.DatabaseURL != "" {
		pool, err := sink.OpenPool(ctx, cfg.Archive.DatabaseURL)
		if err != nil {
			return sinks{}, err
		}
		mgr.RegisterSimple("postgres", pool.Close)

		archive := sink.NewArchive(pool, d.Log, printer.PrintError)
		if cfg.Archive.EnsureSchema {
			if err := archive.EnsureSchema(ctx); err != nil {
				return sinks{}, err
			}
		}
		s.db = pool
		extra = append(extra, archive.Handle)
	}

	if len(extra) == 0 {
		s.handler = printer.Handle
		return s, nil
	}

	side := sink.NewFanout(printer.PrintError, extra...).Handle
	if cfg.Listen.Buffer > 0 {
		buf := sink.NewBuffered(side, cfg.Listen.Buffer, cfg.Listen.Workers, d.Log, printer.PrintError)
		mgr.Register("sink-buffer", func(context.Context) error { return buf.Close() })
		side = buf.Handle
	}
	s.handler = sink.NewFanout(printer.PrintError, printer.Handle, side).Handle
	return s, nil
}

// serveAdmin binds addr before returning so a bad address fails the start.
func serveAdmin(addr string, h http.Handler, mgr *shutdown.Manager, log *logger.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "worker.admin", "listen on admin address").
			WithField("addr", addr)
	}

	server := &http.Server{
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	mgr.Register("admin-server", func(ctx context.Context) error {
		log.Info("shutting down admin server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("admin server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err.Error())
		}
	}()
	return nil
}
