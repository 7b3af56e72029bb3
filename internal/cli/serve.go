package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/remote"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func newServeCmd() *cobra.Command {
	var (
		addr  string
		level string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory remote entity service",
		Long: `Serve runs the remote entity API backed by memory, for local testing of
sync against a real network endpoint. Point remote.url at it.

Example:
  fieldsync serve --addr 127.0.0.1:7410
  # config.yaml: remote.url: http://127.0.0.1:7410`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(types.LogConfig{Level: level}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runRemoteServer(ctx, ln, remote.NewMemory(), logger.Logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7410", "listen address")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}

func runRemoteServer(ctx context.Context, ln net.Listener, m *remote.Memory, logger *zap.Logger) error {
	srv := &http.Server{Handler: remote.Handler(m, logger.Named("remote"))}
	logger.Info("remote service listening", zap.String("addr", ln.Addr().String()))
	err := serveUntilDone(ctx, srv, ln)
	logger.Info("remote service stopped")
	return err
}
