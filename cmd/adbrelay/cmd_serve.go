package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/adbrelay/internal/admin"
	"github.com/danmuck/adbrelay/internal/config"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/danmuck/adbrelay/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var configPath string
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	command.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path (defaults when empty)")
	return command
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// serve runs until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg config.Config) error {
	upstream, err := smartsocket.NewClient(cfg.UpstreamConfig())
	if err != nil {
		return err
	}
	manager, err := relay.NewManager(ctx, cfg.ManagerConfig(), upstream)
	if err != nil {
		return err
	}
	for _, device := range cfg.RelayDevices() {
		info, err := manager.Register(device)
		if err != nil {
			_ = manager.Close()
			return fmt.Errorf("register %s: %w", device.Serial, err)
		}
		log.Info().
			Str("serial", info.Serial).
			Str("address", info.Address).
			Msg("configured device ready")
	}
	log.Info().
		Str("upstream", cfg.UpstreamAddr).
		Int("base_port", cfg.BasePort).
		Int("max_port", cfg.MaxPort).
		Msg("adbrelay started")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminAddr != "" {
		srv := admin.New(cfg.AdminAddr, manager, cfg.CorsOrigins)
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return manager.Close()
	})

	err = g.Wait()
	log.Info().Msg("adbrelay stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
