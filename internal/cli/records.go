package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func checkEntityType(name string) error {
	if !types.ValidEntityType(name) {
		return fmt.Errorf("%w: %q (valid: %v)", types.ErrInvalidEntityType, name, types.EntityTypes)
	}
	return nil
}

// readPayload decodes a JSON object from the --payload flag or, when file is
// set, from that file ("-" for stdin).
func readPayload(cmd *cobra.Command, inline, file string) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, usageError("--payload and --file are mutually exclusive")
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	default:
		return nil, usageError("one of --payload or --file is required")
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", types.ErrInvalidData, err)
	}
	return payload, nil
}

func newSaveCmd(a *app) *cobra.Command {
	var (
		project, id, payload, file string
		rev                        int64
	)
	cmd := &cobra.Command{
		Use:   "save <type>",
		Short: "Save a record offline and queue it for sync",
		Long: `Save creates a record, or replaces an existing record's payload, in the
local store and queues the change for sync.

Without --id a new record is created. With --id the record is created if it
does not exist; otherwise --rev must match its current revision (-1 skips the
check).

Example:
  fieldsync save rfi --project tower-a --payload '{"title":"Slab edge detail"}'
  fieldsync save rfi --project tower-a --id 6f1c... --rev 2 --file rfi.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType := args[0]
			if err := checkEntityType(entityType); err != nil {
				return err
			}
			body, err := readPayload(cmd, payload, file)
			if err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rec := &types.Record{ID: id, ProjectID: project, EntityType: entityType, Payload: body}
			if id != "" && rev == types.AnyRevision {
				rec.LocalRevision, err = currentRevision(eng, entityType, id)
				if err != nil {
					return err
				}
			} else if id != "" {
				rec.LocalRevision = rev
			}
			stored, err := eng.SaveOffline(entityType, rec)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), stored)
			}
			fmt.Fprintf(a.out(cmd), "%s %s saved (revision %d, %s)\n",
				entityType, stored.ID, stored.LocalRevision, stored.SyncStatus)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&project, "project", "", "project the record belongs to (required)")
	f.StringVar(&id, "id", "", "record id (default: new)")
	f.Int64Var(&rev, "rev", types.AnyRevision, "expected current revision; -1 skips the check")
	f.StringVar(&payload, "payload", "", "record payload as a JSON object")
	f.StringVar(&file, "file", "", "read the payload from a file, or - for stdin")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// currentRevision returns the record's revision, or 0 when it does not exist
// so the save creates it.
func currentRevision(eng *fieldsync.Engine, entityType, id string) (int64, error) {
	rec, err := eng.Get(entityType, id)
	if errors.Is(err, types.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.LocalRevision, nil
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show a record and its sync status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rec, err := eng.Get(args[0], args[1])
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), rec)
			}
			return printRecord(a.out(cmd), rec)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		project, status string
		deleted, byID   bool
		asc             bool
		limit           int
	)
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List a project's records",
		Long: `List shows a project's records of one type, most recently updated first.

Example:
  fieldsync list rfi --project tower-a
  fieldsync list submittal --project tower-a --status conflict`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			filter := &types.ListFilter{IncludeDeleted: deleted, OrderByID: byID, Ascending: asc, Limit: limit}
			if status != "" {
				st, ok := types.ParseSyncStatus(status)
				if !ok {
					return usageError("unknown status %q", status)
				}
				filter.Status = st
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			recs, err := eng.ListOffline(args[0], project, filter)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				if recs == nil {
					recs = []*types.Record{}
				}
				return printJSON(a.out(cmd), recs)
			}
			return printRecords(a.out(cmd), recs)
		},
	}
	f := cmd.Flags()
	f.StringVar(&project, "project", "", "project to list (required)")
	f.StringVar(&status, "status", "", "only records in this sync status")
	f.BoolVar(&deleted, "deleted", false, "include deleted records")
	f.BoolVar(&byID, "by-id", false, "order by id instead of update time")
	f.BoolVar(&asc, "asc", false, "ascending order")
	f.IntVar(&limit, "limit", 0, "maximum number of records (0 = all)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a record offline and queue the delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rec, err := eng.DeleteOffline(args[0], args[1], rev)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), rec)
			}
			fmt.Fprintf(a.out(cmd), "%s %s deleted (%s)\n", args[0], rec.ID, rec.SyncStatus)
			return nil
		},
	}
	cmd.Flags().Int64Var(&rev, "rev", types.AnyRevision, "expected current revision; -1 skips the check")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <type> <id>",
		Short: "Remove a record and its queued changes without syncing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			if err := eng.Purge(args[0], args[1]); err != nil {
				return err
			}
			if !a.flags.jsonMode {
				fmt.Fprintf(a.out(cmd), "%s %s purged\n", args[0], args[1])
				return nil
			}
			return printJSON(a.out(cmd), map[string]string{"entity_type": args[0], "id": args[1], "result": "purged"})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <type> <id>",
		Short: "Print a record's sync status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkEntityType(args[0]); err != nil {
				return err
			}
			eng, done, err := a.openEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			st, err := eng.GetSyncStatus(args[0], args[1])
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), map[string]string{"id": args[1], "sync_status": string(st)})
			}
			fmt.Fprintln(a.out(cmd), st)
			return nil
		},
	}
}
