package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/meter-ledger/api"
	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/metrics"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

// serve runs the server until SIGINT/SIGTERM, then drains for up to 30s.
func serve(parent context.Context, a *app) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	handler := api.NewHandler(a.store, api.Options{
		Clock:          ledger.SystemClock{Location: a.cfg.Location},
		Policy:         a.cfg.Anomaly,
		DateLayouts:    a.cfg.Import.DateLayouts,
		Location:       a.cfg.Location,
		MaxUploadBytes: a.cfg.Import.MaxUploadBytes(),
		Log:            a.log,
	})
	if a.cfg.Seed.SamplePanels {
		if err := handler.SeedSamplePanels(ctx); err != nil {
			a.log.Warn().Err(err).Msg("failed to seed sample panels")
		}
	}
	if sess, err := handler.Sessions.Status(ctx); err == nil {
		metrics.SetSessionActive(sess != nil)
	}

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, a.cfg.HTTP.AllowedOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}
