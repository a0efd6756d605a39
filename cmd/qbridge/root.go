package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qbridge/internal/config"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/transport"
	"qbridge/internal/worker"
)

type rootOptions struct {
	// dialer replaces the Redis dialer in tests.
	dialer transport.Dialer
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "qbridge",
		Short:         "Redis queue bridge",
		Long:          "qbridge blocks on Redis lists and channels and hands every message to stdout, a webhook or PostgreSQL.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", config.Env("QBRIDGE_CONFIG", ""), "YAML config file (env QBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().String("addr", "", "Redis address host:port (env REDIS_ADDR)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text|json")

	rootCmd.AddCommand(newListenCmd(opts))
	rootCmd.AddCommand(newPushCmd(opts))
	rootCmd.AddCommand(newPublishCmd(opts))
	return rootCmd
}

// loadConfig reads defaults, the config file and the environment, then
// applies the persistent flags that were given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	for name, dst := range map[string]*string{
		"addr":       &cfg.Redis.Addr,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return config.Config{}, err
		}
		if v != "" {
			*dst = v
		}
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout carries messages only.
func newLogger(cmd *cobra.Command, cfg config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cmd.ErrOrStderr(),
		ServiceName: "qbridge",
	})
}

func (o *rootOptions) deps(cmd *cobra.Command, cfg config.Config) worker.Deps {
	return worker.Deps{
		Config:  cfg,
		Stdout:  cmd.OutOrStdout(),
		Log:     newLogger(cmd, cfg),
		Dialer:  o.dialer,
		Version: version,
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
