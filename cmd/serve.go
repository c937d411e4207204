package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/evolved/internal/observability"
	"github.com/xkilldash9x/evolved/internal/service"
)

// newServeCmd creates the 'serve' command: run the engine continuously with
// the periodic tick timer and the local admin API.
func newServeCmd() *cobra.Command {
	initFn := service.Build

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the evolution engine continuously with the admin API.",
		Long: `The serve command starts the periodic tick loop and a loopback HTTP API
for enqueueing goals, forcing ticks and inspecting state. It runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := initFn(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			components.Engine.Start(ctx)

			admin := service.NewAdminServer(cfg.Admin.Addr, components.Engine, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(admin.ListenAndServe)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return admin.Shutdown(shutdownCtx)
			})

			logger.Info("Engine serving", zap.String("admin_addr", cfg.Admin.Addr))
			return g.Wait()
		},
	}
	return cmd
}
