package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourownai/relay/internal/app"
	"github.com/yourownai/relay/internal/config"
	"github.com/yourownai/relay/internal/logger"
)

// overrides are flags that take precedence over RELAY_* variables.
type overrides struct {
	port      int
	dataDir   string
	driver    string
	remoteURL string
	token     string
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "HTTP port (overrides RELAY_HTTP_PORT)")
	cmd.Flags().StringVar(&o.dataDir, "data-dir", "", "Local state directory (overrides RELAY_DATA_DIR)")
	cmd.Flags().StringVar(&o.driver, "remote", "", "Remote driver: none, memory, rest, postgres")
	cmd.Flags().StringVar(&o.remoteURL, "remote-url", "", "REST mirror base URL")
	cmd.Flags().StringVar(&o.token, "token", "", "Pairing token required from LAN clients")
}

func (o *overrides) load() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if o.port > 0 {
		cfg.HTTPPort = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.remoteURL != "" {
		cfg.RemoteURL = o.remoteURL
		cfg.RemoteDriver = config.RemoteAuto
	}
	if o.driver != "" {
		cfg.RemoteDriver = o.driver
	}
	if o.token != "" {
		cfg.PairingToken = o.token
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: LAN API, stream broker and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("relay")
			logger.SetLevel(logLevelFlag)
			cfg, err := o.load()
			if err != nil {
				log.Error().Err(err).Msg("Failed to load configuration")
				return err
			}
			ctx, stop := newServerContext()
			defer stop()
			return app.Serve(ctx, cfg, log)
		},
	}
	o.register(cmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one push and pull cycle against the remote mirror, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("relay-sync")
			logger.SetLevel(logLevelFlag)
			cfg, err := o.load()
			if err != nil {
				return err
			}
			ctx, stop := newServerContext()
			defer stop()
			return app.SyncOnce(ctx, cfg, log)
		},
	}
	o.register(cmd)
	return cmd
}
