package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func newQueueCmd(a *app) *cobra.Command {
	var (
		project string
		stats   bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queued changes",
		Long: `Queue lists pending changes in the order they will sync. Without --project
it spans every project.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			if stats {
				st, err := eng.QueueStats(project)
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					return printJSON(a.out(cmd), st)
				}
				return printStats(a.out(cmd), st)
			}
			entries, err := eng.Queue(project)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				if entries == nil {
					entries = []*types.QueueEntry{}
				}
				return printJSON(a.out(cmd), entries)
			}
			return printEntries(a.out(cmd), entries)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only this project")
	cmd.Flags().BoolVar(&stats, "stats", false, "print counts instead of entries")
	cmd.AddCommand(newDiscardCmd(a))
	return cmd
}

func newDiscardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a queued change without syncing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			if err := eng.Discard(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "entry %s discarded\n", args[0])
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync queued changes now",
		Long: `Sync drains the change queue against the remote service, one batch per
project. Without --project every project with queued changes is synced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireRemote(); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			var results []fieldsync.SyncResult
			if project != "" {
				res, err := eng.SyncNow(cmd.Context(), project)
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				results, err = eng.SyncAll(cmd.Context())
				if err != nil {
					return err
				}
			}
			if a.flags.jsonMode {
				if results == nil {
					results = []fieldsync.SyncResult{}
				}
				return printJSON(a.out(cmd), results)
			}
			return printResults(a.out(cmd), results)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only this project")
	return cmd
}

func printResults(w io.Writer, results []fieldsync.SyncResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "nothing to sync")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "PROJECT\tSTATE\tBATCH\tSYNCED\tFAILED\tCONFLICTS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ProjectID, r.State, r.Batch, r.Acknowledged, r.Failed, r.Conflicts)
	}
	return tw.Flush()
}

func newResolveCmd(a *app) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <type> <id>",
		Short: "Settle a sync conflict",
		Long: `Resolve applies a manual decision to a record in conflict.

--keep local pushes the local version on the next sync.
--keep remote overwrites the local record with the remote version and drops
the queued changes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			var choice types.Override
			switch keep {
			case "local":
				choice = types.OverrideLocal
			case "remote":
				choice = types.OverrideRemote
			default:
				return usageError("--keep must be local or remote")
			}
			if err := a.requireRemote(); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rec, err := eng.ResolveConflict(cmd.Context(), args[0], args[1], choice)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), rec)
			}
			if rec == nil {
				fmt.Fprintf(a.out(cmd), "%s %s removed; the remote copy is gone\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(a.out(cmd), "%s %s resolved (%s)\n", args[0], rec.ID, rec.SyncStatus)
			return nil
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "local or remote (required)")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <type> <id>",
		Short: "Give a failed record's changes a fresh attempt budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			if err := a.requireRemote(); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			n, err := eng.Retry(args[0], args[1])
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), map[string]int{"reset": n})
			}
			fmt.Fprintf(a.out(cmd), "%d queued change(s) reset\n", n)
			return nil
		},
	}
}
