package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/meshline"
	"github.com/raskyld/meshline/pkg/flow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type nodeFlags struct {
	publish     string
	payload     string
	every       time.Duration
	metricsAddr string
}

func nodeCmd(flags *globalFlags) *cobra.Command {
	nf := &nodeFlags{}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a mesh node",
		Long: `Run a node declaring the configured channels. Messages arriving on its
inputs are logged. With --publish, a JSON payload is published on an output
channel periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, sink, err := setup(flags)
			if err != nil {
				return err
			}

			var payload json.RawMessage
			if nf.publish != "" {
				if !json.Valid([]byte(nf.payload)) {
					return fmt.Errorf("--payload is not valid JSON: %q", nf.payload)
				}
				if nf.every <= 0 {
					return errors.New("--every must be positive")
				}
				payload = json.RawMessage(nf.payload)
				if !slices.Contains(cfg.Outputs, nf.publish) {
					cfg.Outputs = append(cfg.Outputs, nf.publish)
				}
			}

			node, err := meshline.Create(cfg.NodeOptions(logger.Handler(), sink)...)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			for _, name := range cfg.Inputs {
				in, err := meshline.NewProxy[json.RawMessage](node, name, "", nil)
				if err != nil {
					return err
				}
				_, err = in.SubscribeEnvelope(func(env flow.Envelope[json.RawMessage]) {
					logger.Info("message received",
						slog.String("channel", env.Channel),
						slog.String("from", env.Service),
						slog.Uint64("graph_id", uint64(env.GraphID)),
						slog.Uint64("xid", uint64(env.XID)),
						slog.String("payload", string(env.Value)),
					)
				}, func(err error) {
					logger.Warn("message rejected", slog.String("channel", name), slog.Any("error", err))
				})
				if err != nil {
					return err
				}
			}

			var publisher *meshline.Proxy[json.RawMessage]
			for _, name := range cfg.Outputs {
				out, err := meshline.NewProxy[json.RawMessage](node, "", name, nil)
				if err != nil {
					return err
				}
				if name == nf.publish {
					publisher = out
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := node.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if nf.metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: nf.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error { return serveHTTP(gctx, logger, srv) })
			}
			if publisher != nil {
				g.Go(func() error {
					select {
					case <-node.Registered():
					case <-gctx.Done():
						return nil
					}
					ticker := time.NewTicker(nf.every)
					defer ticker.Stop()
					for {
						sent := publisher.Publish(payload)
						logger.Info("published", slog.String("channel", nf.publish), slog.Int("peers", sent))
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
						}
					}
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				return node.Shutdown()
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&nf.publish, "publish", "", "output channel to publish on periodically")
	cmd.Flags().StringVar(&nf.payload, "payload", "{}", "JSON payload to publish")
	cmd.Flags().DurationVar(&nf.every, "every", 5*time.Second, "publication period")
	cmd.Flags().StringVar(&nf.metricsAddr, "metrics", "", "address to serve Prometheus metrics on, disabled when empty")
	return cmd
}
