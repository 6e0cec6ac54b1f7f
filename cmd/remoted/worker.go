package main

import (
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"remoted/internal/transport"
	"remoted/internal/worker"
)

func newWorkerCmd(opts *options) *cobra.Command {
	var (
		addr        string
		name        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a reference gRPC worker that executes operations on the host CPU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Worker.Addr = addr
			}
			if name != "" {
				cfg.Worker.Name = name
			}
			log := stderrLogger(cfg).With().Str("component", "worker").Logger()

			w := worker.New(worker.Config{
				Name:          cfg.Worker.Name,
				CapacityBytes: cfg.Worker.CapacityBytes,
				Logger:        log,
			})
			srv := transport.NewServer(w, log)
			lis, err := net.Listen("tcp", cfg.Worker.Addr)
			if err != nil {
				return err
			}

			var metrics *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					log.Info().Str("addr", metricsAddr).Msg("worker metrics listening")
					if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("metrics server")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", lis.Addr().String()).Str("name", cfg.Worker.Name).Msg("worker listening")
				errCh <- srv.Serve(lis)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(quit)
			select {
			case <-quit:
				log.Info().Msg("worker shutting down")
			case err := <-errCh:
				return err
			}
			srv.GracefulStop()
			if metrics != nil {
				_ = metrics.Close()
			}
			log.Info().Int("sessions", w.Sessions()).Msg("worker stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC listen address (default from config or :7443)")
	cmd.Flags().StringVar(&name, "name", "", "Worker name reported to clients")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Optional address for a Prometheus /metrics endpoint")
	return cmd
}
