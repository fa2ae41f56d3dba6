package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/config"
	"github.com/absfs/layerfs/iofs"
)

// newServeMux serves the stack read-only under / and the registry under
// /metrics.
func newServeMux(v layerfs.VFS, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/", http.FileServerFS(iofs.New(v)))
	return mux
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stack read-only over HTTP",
		Long: `serve exposes the stack as a browsable read-only file tree. Instrument
filters report to /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			reg := prometheus.NewRegistry()
			v, err := (&config.Builder{Registry: reg}).Build(a.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := v.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServeMux(v, reg),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("vfs", v.Description()).Msg("layerfs: serving")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			log.Info().Msg("layerfs: shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}
