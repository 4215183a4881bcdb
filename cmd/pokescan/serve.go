package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ken/pokescan/pkg/server"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scanner HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}
			autoBuild, _ := cmd.Flags().GetBool("build")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			// A model failure is reported through the status and /model/retry
			if err := a.scanner.Init(ctx); err == nil && autoBuild {
				if _, err := a.scanner.StartBuild(ctx, false); err != nil {
					logger.Warn("could not start the index build", "error", err)
				}
			}

			httpServer := &http.Server{
				Addr:    cfg.Addr(),
				Handler: server.New(ctx, a.scanner, logger).Router(),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("server listening", "addr", httpServer.Addr, "version", appVersion)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "Override the configured port")
	cmd.Flags().Bool("build", false, "Build the index in the background on start")
	return cmd
}
