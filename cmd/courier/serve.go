package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, enrichment worker and HTTP API",
		Long: `Run courier as a long-lived service: the fetch scheduler sweeps for due
users, retries failed tasks and reaps expired content while the HTTP API
serves quota, content and admin routes.
Handles SIGINT/SIGTERM for graceful shutdown: running tasks finish first,
bounded by scheduler.task_timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)
			go func() {
				select {
				case s := <-sig:
					slog.Info("Received shutdown signal", "signal", s.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Start(ctx); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			slog.Info("Serving", "addr", addr, "db", cfg.Database.Path)

			err = engine.Server().ListenAndServe(ctx, addr)
			engine.Stop()
			if err != nil {
				return err
			}
			slog.Info("Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: http.addr from config)")
	return cmd
}
