package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/cas/remote"
	"github.com/roach88/hermetic/internal/config"
	"github.com/roach88/hermetic/internal/metrics"
)

// shutdownGrace bounds how long in-flight cache requests may finish.
const shutdownGrace = 10 * time.Second

// NewServeCacheCommand creates the serve-cache command.
func NewServeCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-cache",
		Short: "Serve the local content store as a remote cache",
		Long: `Serve the configured content store over HTTP so other machines can use
it as their cache.remote. Blobs are verified against their hash on upload.
Prometheus metrics are served on /metrics.

Example:
  hermetic serve-cache --addr :7420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config()
			logger := opts.Logger()

			local, err := cas.NewDiskStore(cfg.Cache.Dir, cas.WithDiskLogger(logger))
			if err != nil {
				return WrapExitError(ExitCommandError, "open content store", err)
			}
			reg := prom.NewRegistry()
			rec := metrics.NewPrometheusRecorder(reg)
			srv := remote.NewServer(cfg.Serve.Addr, local,
				remote.WithServerLogger(logger),
				remote.WithServerRecorder(rec),
				remote.WithMetricsHandler(metrics.HTTPHandler(reg)),
				remote.WithMaxBlobBytes(cfg.Serve.MaxBlobBytes),
			)

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if err != nil {
					return WrapExitError(ExitCommandError, "serve cache", err)
				}
				return nil
			case <-ctx.Done():
				logger.Info("shutting down cache server")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return WrapExitError(ExitFailure, "shutdown", err)
			}
			return <-errCh
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :7420)")
	opts.bind(cmd, config.ServeAddrKey, "addr")
	return cmd
}
