package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func newDaemonCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync in the background until interrupted",
		Long: `Daemon watches connectivity and drains queued changes whenever the device
is online, on start and every sync interval. Logs go to stderr or to
log.file. Changes to log.level in config.yaml apply without a restart.

With --listen an HTTP endpoint serves /healthz and /status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.runDaemon(ctx, cmd, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address for the status endpoint, for example 127.0.0.1:7420")
	return cmd
}

func (a *app) runDaemon(ctx context.Context, cmd *cobra.Command, listen string) error {
	if err := a.requireRemote(); err != nil {
		return err
	}
	logger, err := logging.New(a.cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	eng, err := fieldsync.Open(a.cfg.Config, fieldsync.WithLogger(logger.Logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("closing engine", zap.Error(err))
		}
	}()

	var ln net.Listener
	if listen != "" {
		if ln, err = net.Listen("tcp", listen); err != nil {
			return fmt.Errorf("listen on %s: %w", listen, err)
		}
	}

	changes, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ch, ok := <-changes:
				if !ok {
					return nil
				}
				logger.Info("sync status changed",
					zap.String("entity_type", ch.EntityType),
					zap.String("entity_id", ch.ID),
					zap.String("project", ch.ProjectID),
					zap.String("from", string(ch.From)),
					zap.String("to", string(ch.To)),
					zap.Bool("purged", ch.Purged))
			}
		}
	})
	g.Go(func() error {
		return watchFile(ctx, a.cfg.viper.ConfigFileUsed(), logger.Logger, func() {
			a.reloadLogLevel(logger)
		})
	})
	if ln != nil {
		logger.Info("status endpoint listening", zap.String("addr", ln.Addr().String()))
		g.Go(func() error { return serveUntilDone(ctx, &http.Server{Handler: statusHandler(eng)}, ln) })
	}

	logger.Info("daemon started", zap.String("data_dir", a.cfg.DataDir), zap.String("remote", a.cfg.Remote.URL))
	err = g.Wait()
	logger.Info("daemon stopped")
	return err
}

// reloadLogLevel rereads config.yaml and applies its log level.
func (a *app) reloadLogLevel(logger *logging.Logger) {
	if err := a.cfg.viper.ReadInConfig(); err != nil {
		logger.Warn("reloading config", zap.Error(err))
		return
	}
	level := a.cfg.viper.GetString("log.level")
	if level == logger.Level().String() {
		return
	}
	if err := logger.SetLevel(level); err != nil {
		logger.Warn("reloading config", zap.Error(err))
		return
	}
	logger.Info("log level changed", zap.String("level", level))
}

type statusReport struct {
	Online   bool                        `json:"online"`
	Projects map[string]types.QueueStats `json:"projects"`
}

func statusHandler(eng *fieldsync.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		report := statusReport{Online: eng.Online(), Projects: map[string]types.QueueStats{}}
		entries, err := eng.Queue("")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, e := range entries {
			if _, ok := report.Projects[e.ProjectID]; ok {
				continue
			}
			st, err := eng.QueueStats(e.ProjectID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			report.Projects[e.ProjectID] = st
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

// serveUntilDone serves on ln until ctx is done, then shuts srv down.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
