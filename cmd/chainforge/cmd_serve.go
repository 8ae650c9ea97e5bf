package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/chainforge/internal/eventbridge"
)

const (
	shutdownGrace     = 5 * time.Second
	heartbeatInterval = time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator behind the HTTP bridge",
		Long: `Serve the chain API and websocket event stream until interrupted.

Bind address comes from the bridge section of .chainforge/config.yaml,
CHAINFORGE_BRIDGE_HOST / CHAINFORGE_BRIDGE_PORT, or the flags below.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Close()

			settings := eventbridge.SettingsFromConfig(cfg)
			if host != "" {
				settings.Host = host
			}
			if port > 0 {
				settings.Port = port
			}
			if !settings.Enabled {
				return errors.New("bridge is disabled in config")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			server := eventbridge.NewServer(settings, eng.orch,
				eventbridge.WithLogger(logger),
				eventbridge.WithErrorClassifier(classifyError),
			)

			g, gctx := errgroup.WithContext(ctx)
			if err := server.Start(gctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("chainforge bridge listening on "+server.BaseURL()))
			g.Go(func() error {
				ticker := time.NewTicker(heartbeatInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						logger.Printf("serve: %d chain(s) tracked", len(eng.orch.Chains()))
					}
				}
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("bridge stopped"))
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "override the bind host")
	cmd.Flags().IntVar(&port, "port", 0, "override the bind port")
	return cmd
}
