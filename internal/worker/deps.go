package worker

import (
	"context"
	"io"
	"time"

	"qbridge/internal/config"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/transport"
)

type Deps struct {
	Config config.Config
	// Stdout receives payload and ERROR lines. Defaults to os.Stdout.
	Stdout io.Writer
	Log    *logger.Logger
	// Dialer overrides the Redis dialer built from Config.Redis.
	Dialer transport.Dialer
	// Sleep overrides the supervisor's backoff sleep.
	Sleep   func(ctx context.Context, d time.Duration) error
	Version string
}

// RedisOptions maps the redis config section onto the dialer options.
func RedisOptions(c config.RedisConfig) transport.RedisOptions {
	return transport.RedisOptions{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		PollInterval: c.PollInterval,
	}
}
