// Package cli implements the fieldsync command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values shared by every subcommand.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	verbose   bool
}

// app is the per-invocation state. Each NewRootCmd call gets its own.
type app struct {
	flags rootFlags
	cfg   *loadedConfig
}

// NewRootCmd creates the top-level "fieldsync" command with its global flags
// and subcommands.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first sync for construction project records",
		Long: "fieldsync keeps RFIs, submittals, daily logs and other project records in a\n" +
			"local store while offline and syncs queued changes once back online.",
		Version:       fieldsync.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(a.flags.configDir, a.flags.dataDir)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: per-user config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: per-user data dir)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output as JSON")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "log to stderr at debug level")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newConfigCmd(a),
		newSaveCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newPurgeCmd(a),
		newStatusCmd(a),
		newQueueCmd(a),
		newSyncCmd(a),
		newResolveCmd(a),
		newRetryCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newDaemonCmd(a),
		newServeCmd(),
	)
	return root
}

// Execute runs the root command and exits with the matching code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldsync:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps errors caused by the request to exitUserError and everything
// else to exitSysError.
func exitCode(err error) int {
	for _, userErr := range []error{
		types.ErrNotFound,
		types.ErrStaleWrite,
		types.ErrTombstoned,
		types.ErrInvalidID,
		types.ErrInvalidEntityType,
		types.ErrInvalidProject,
		types.ErrInvalidData,
		types.ErrInvalidOverride,
		types.ErrNotInConflict,
		types.ErrStoreNotEmpty,
		types.ErrConflictUnresolved,
		types.ErrRemoteNotConfigured,
		errUsage,
	} {
		if errors.Is(err, userErr) {
			return exitUserError
		}
	}
	return exitSysError
}

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// requireRemote fails commands that talk to the remote service when none is
// configured.
func (a *app) requireRemote() error {
	if a.cfg.Remote.URL != "" {
		return nil
	}
	return fmt.Errorf("%w: %w: set remote.url in %s",
		errUsage, types.ErrRemoteNotConfigured, a.cfg.viper.ConfigFileUsed())
}

// openEngine opens the engine for a one-shot command. Logs are discarded
// unless --verbose is set.
func (a *app) openEngine(cmd *cobra.Command) (*fieldsync.Engine, func(), error) {
	logger := zap.NewNop()
	var closeLog func() error
	if a.flags.verbose {
		l, err := logging.New(types.LogConfig{Level: "debug"}, cmd.ErrOrStderr())
		if err != nil {
			return nil, nil, err
		}
		logger, closeLog = l.Logger, l.Close
	}

	eng, err := fieldsync.Open(a.cfg.Config, fieldsync.WithLogger(logger), fieldsync.WithManualSync())
	if err != nil {
		if closeLog != nil {
			_ = closeLog()
		}
		return nil, nil, err
	}
	return eng, func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "closing store:", err)
		}
		if closeLog != nil {
			_ = closeLog()
		}
	}, nil
}

func (a *app) out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
