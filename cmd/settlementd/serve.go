package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops/websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.hub.Run(ctx.Done())

			srv := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      newRouter(a),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
				IdleTimeout:  cfg.HTTP.IdleTimeout,
			}
			srvErr := make(chan error, 1)
			go func() {
				logger.Info("settlementd listening", "addr", cfg.HTTP.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					srvErr <- err
				}
			}()

			schedErr := make(chan error, 1)
			go func() { schedErr <- a.scheduler.Run(ctx) }()

			select {
			case <-ctx.Done():
				err = <-schedErr
			case err = <-schedErr:
				stop()
			case err = <-srvErr:
				stop()
				<-schedErr
			}

			logger.Info("shutting down settlementd...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Error("shutdown error", "err", serr)
			}
			return err
		},
	}
}
