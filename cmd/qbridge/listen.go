package main

import (
	"github.com/spf13/cobra"

	"qbridge/internal/config"
	"qbridge/internal/worker"
)

func newListenCmd(opts *rootOptions) *cobra.Command {
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Pop queues and follow channels, printing each payload",
		Long: "listen blocks on the given lists and channels and prints one line per message to stdout.\n" +
			"Reported errors are printed as \"ERROR: <message>\". The exit status is non-zero when the\n" +
			"connection to Redis is lost for good, and zero after SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyListenFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.ValidateListen(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			return worker.Run(ctx, opts.deps(cmd, cfg))
		},
	}

	listenCmd.Flags().StringArray("queue", nil, "list to pop (repeatable)")
	listenCmd.Flags().StringArray("channel", nil, "pub/sub channel to follow (repeatable)")
	listenCmd.Flags().Int("timeout", 0, "seconds each pop may block; 0 waits forever")
	listenCmd.Flags().String("format", "", "stdout format: raw|json")
	listenCmd.Flags().String("admin", "", "admin HTTP address, e.g. :8090")
	listenCmd.Flags().String("webhook", "", "POST every message to this URL")
	listenCmd.Flags().String("archive-dsn", "", "PostgreSQL DSN to archive every message")
	listenCmd.Flags().Int("buffer", 0, "queue size for webhook and archive work; 0 runs them inline")
	listenCmd.Flags().Int("workers", 0, "goroutines draining the buffer")
	return listenCmd
}

// applyListenFlags overlays the listen flags that were given on cfg.
func applyListenFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("queue") {
		queues, err := flags.GetStringArray("queue")
		if err != nil {
			return err
		}
		cfg.Listen.Queues = queues
	}
	if flags.Changed("channel") {
		channels, err := flags.GetStringArray("channel")
		if err != nil {
			return err
		}
		cfg.Listen.Channels = channels
	}

	for name, dst := range map[string]*int{
		"timeout": &cfg.Listen.TimeoutSeconds,
		"buffer":  &cfg.Listen.Buffer,
		"workers": &cfg.Listen.Workers,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	for name, dst := range map[string]*string{
		"format":      &cfg.Listen.Format,
		"admin":       &cfg.Admin.Addr,
		"webhook":     &cfg.Webhook.URL,
		"archive-dsn": &cfg.Archive.DatabaseURL,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}
