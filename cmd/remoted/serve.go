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

	"remoted/internal/httpapi"
	"remoted/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr            string
		defaultEndpoint string
		corsOrigins     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device daemon and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if defaultEndpoint != "" {
				cfg.Session.DefaultEndpoint = defaultEndpoint
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				cfg.HTTP.CORSEnabled = true
				cfg.HTTP.CORSOrigins = origins
			}
			log := stderrLogger(cfg)

			st, err := buildStack(cfg, transport.Dialer(), log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			httpapi.SetBaseContext(ctx)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           st.handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Int("devices", st.devices.DeviceCount()).Msg("remoted listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err := <-errCh:
				if err != nil {
					_ = st.shutdown(context.Background())
					return err
				}
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			if err := st.shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("shutdown incomplete")
				return err
			}
			log.Info().Msg("stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config or :8080)")
	cmd.Flags().StringVar(&defaultEndpoint, "default-endpoint", "", "Worker endpoint for devices registered without one")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma separated CORS origins; enables CORS when set")
	return cmd
}
