package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	prometheussink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/raskyld/meshline/internal/config"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	dotenv     []string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "meshline",
		Short: "Peer-to-peer message mesh",
		Long: `meshline runs the members of a message mesh.

Nodes register the channels they consume and produce with a discovery
service, then exchange data messages directly over TCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.dotenv, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(
		discoveryCmd(flags),
		nodeCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the logger and the
// Prometheus backed metric sink.
func setup(flags *globalFlags) (config.Config, *slog.Logger, metrics.MetricSink, error) {
	cfg, err := config.Load(flags.configPath, flags.dotenv...)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	handler := cfg.LogHandler(os.Stderr)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	sink, err := prometheussink.NewPrometheusSink()
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("metrics: %w", err)
	}
	return cfg, logger, sink, nil
}

// serveHTTP runs srv until ctx is done.
func serveHTTP(ctx context.Context, logger *slog.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http: listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
