package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/meshline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func discoveryCmd(flags *globalFlags) *cobra.Command {
	var listen, httpListen string

	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Run the discovery service",
		Long: `Run the rendezvous point of the mesh, along with its HTTP status API:

  /api/inputchannels   consumers per channel
  /api/outputchannels  producers per channel
  /api/routes          producer to consumer edges (/api/routes.dot for graphviz)
  /metrics             Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, sink, err := setup(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ServerListen = listen
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPListen = httpListen
			}

			server, err := meshline.NewDiscoveryServer(cfg.ServerOptions(logger.Handler(), sink)...)
			if err != nil {
				return err
			}

			router := chi.NewRouter()
			router.Handle("/metrics", promhttp.Handler())
			router.Mount("/", server.StatusHandler())
			httpServer := &http.Server{
				Addr:              cfg.HTTPListen,
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Serve(gctx) })
			g.Go(func() error { return serveHTTP(gctx, logger, httpServer) })
			g.Go(func() error {
				<-gctx.Done()
				return server.Close()
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP address nodes connect to (overrides the configuration)")
	cmd.Flags().StringVar(&httpListen, "http", "", "HTTP status API address (overrides the configuration)")
	return cmd
}
