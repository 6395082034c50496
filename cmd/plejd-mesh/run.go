package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/plejd-mesh/internal/httpapi"
)

func runCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep a session with the mesh and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			printBanner(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, cache, err := openSite(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := cache.Save(); err != nil {
					slog.Error("[SITE] saving cache", "error", err)
				}
			}()

			reg := prometheus.NewRegistry()
			m, err := newManager(cfg, s, reg)
			if err != nil {
				return err
			}

			var srv *http.Server
			if cfg.HTTP.Enabled {
				srv = &http.Server{
					Addr:              cfg.HTTP.Listen,
					Handler:           httpapi.NewRouter(m, reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					slog.Info("[HTTP] listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("[HTTP] server failed", "error", err)
						stop()
					}
				}()
			}

			slog.Info("[MESH] running", "site", s.ID, "devices", len(s.Devices))
			err = m.Run(ctx)

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("[HTTP] shutdown", "error", err)
				}
			}
			slog.Info("Goodbye!")
			return err
		},
	}
}
