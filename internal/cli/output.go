package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printRecords(w io.Writer, recs []*types.Record) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTYPE\tPROJECT\tSTATUS\tREV\tUPDATED\tREMOTE")
	for _, r := range recs {
		id := r.ID
		if r.Deleted {
			id += " (deleted)"
		}
		updated := r.LocalUpdatedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			id, r.EntityType, r.ProjectID, r.SyncStatus, r.LocalRevision,
			formatTime(&updated), formatTime(r.RemoteUpdatedAt))
	}
	return tw.Flush()
}

func printRecord(w io.Writer, r *types.Record) error {
	tw := newTable(w)
	updated := r.LocalUpdatedAt
	fmt.Fprintf(tw, "id:\t%s\n", r.ID)
	fmt.Fprintf(tw, "type:\t%s\n", r.EntityType)
	fmt.Fprintf(tw, "project:\t%s\n", r.ProjectID)
	fmt.Fprintf(tw, "status:\t%s\n", r.SyncStatus)
	fmt.Fprintf(tw, "revision:\t%d\n", r.LocalRevision)
	fmt.Fprintf(tw, "updated:\t%s\n", formatTime(&updated))
	fmt.Fprintf(tw, "remote updated:\t%s\n", formatTime(r.RemoteUpdatedAt))
	if r.Deleted {
		fmt.Fprintf(tw, "deleted:\ttrue\n")
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(r.Payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "payload:\n%s\n", payload)
	return err
}

func printEntries(w io.Writer, entries []*types.QueueEntry) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "SEQ\tENTRY\tOP\tENTITY\tPROJECT\tATTEMPTS\tSTATE\tLAST ERROR")
	for _, e := range entries {
		lastErr := "-"
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%s\t%d\t%s\t%s\n",
			e.Seq, e.EntryID, e.Operation, e.EntityType, e.EntityID, e.ProjectID,
			e.Attempts, entryState(e), lastErr)
	}
	return tw.Flush()
}

func entryState(e *types.QueueEntry) string {
	switch {
	case e.InFlight:
		return "in-flight"
	case e.Held:
		return "held"
	case e.Exhausted:
		return "exhausted"
	case e.Override != types.OverrideNone:
		return "override:" + string(e.Override)
	}
	return "ready"
}

func printStats(w io.Writer, st types.QueueStats) error {
	_, err := fmt.Fprintf(w, "total %d, ready %d, in flight %d, held %d, exhausted %d\n",
		st.Total, st.Ready, st.InFlight, st.Held, st.Exhausted)
	return err
}
