package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// ResolveConflict applies a manual decision to an entity in conflict. It is
// the only way out of the conflict status.
//
// OverrideLocal forces the entity's queued entries through and returns the
// record to pending; a drain is triggered. OverrideRemote overwrites the
// local record with the remote copy (or purges it when the remote copy is
// gone) and discards the queued entries.
func (c *Coordinator) ResolveConflict(ctx context.Context, entityType, id string, choice types.Override) (*types.Record, error) {
	if choice != types.OverrideLocal && choice != types.OverrideRemote {
		return nil, types.ErrInvalidOverride
	}
	rec, err := c.store.Get(entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.SyncStatus != types.StatusConflict {
		return nil, fmt.Errorf("%w: %s/%s is %s", types.ErrNotInConflict, entityType, id, rec.SyncStatus)
	}
	entries, err := c.store.EntriesFor(entityType, id)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(zap.String("entity_type", entityType), zap.String("entity_id", id), zap.String("choice", string(choice)))
	if choice == types.OverrideLocal {
		return c.keepLocal(log, rec, entries)
	}
	return c.keepRemote(ctx, log, rec, entries)
}

func (c *Coordinator) keepLocal(log *zap.Logger, rec *types.Record, entries []*types.QueueEntry) (*types.Record, error) {
	if len(entries) == 0 {
		op := types.OpUpdate
		if rec.Deleted {
			op = types.OpDelete
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding payload: %v", types.ErrInvalidData, err)
		}
		e, err := c.store.Enqueue(&types.QueueEntry{
			Operation:  op,
			EntityType: rec.EntityType,
			EntityID:   rec.ID,
			ProjectID:  rec.ProjectID,
			Payload:    payload,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		if err := c.store.ForceLocal(e.EntryID); err != nil {
			return nil, err
		}
	}

	stored, err := c.setStatus(rec, types.AnyRevision, types.StatusPending, nil)
	if err != nil {
		return nil, err
	}
	log.Info("conflict resolved in favour of the local version")
	c.Trigger(rec.ProjectID)
	return stored, nil
}

func (c *Coordinator) keepRemote(ctx context.Context, log *zap.Logger, rec *types.Record, entries []*types.QueueEntry) (*types.Record, error) {
	remote, err := c.remote.Fetch(ctx, rec.EntityType, rec.ID)
	if errors.Is(err, types.ErrNotFound) {
		if err := c.store.Purge(rec.EntityType, rec.ID); err != nil {
			return nil, err
		}
		c.notify(rec, rec.SyncStatus, types.StatusSynced, true)
		log.Info("conflict resolved in favour of the remote delete")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := c.store.Discard(e.EntryID); err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}
	stored, err := c.store.ApplyRemote(rec.EntityType, types.AnyRevision, remote)
	if err != nil {
		return nil, err
	}
	c.notify(stored, rec.SyncStatus, stored.SyncStatus, false)
	log.Info("conflict resolved in favour of the remote version")
	return stored, nil
}

// Retry gives an entity's entries a fresh attempt budget and triggers a
// drain. A failed record returns to pending. It returns the number of
// entries reset. An entity in conflict fails with
// types.ErrConflictUnresolved; use ResolveConflict.
func (c *Coordinator) Retry(entityType, id string) (int, error) {
	rec, err := c.store.Get(entityType, id)
	if err != nil {
		return 0, err
	}
	if rec.SyncStatus == types.StatusConflict {
		return 0, fmt.Errorf("%w: %s/%s needs a manual decision first", types.ErrConflictUnresolved, entityType, id)
	}
	n, err := c.store.Retry(entityType, id)
	if err != nil {
		return 0, err
	}
	if rec.SyncStatus == types.StatusFailed {
		if _, err := c.setStatus(rec, types.AnyRevision, types.StatusPending, nil); err != nil {
			return n, err
		}
	}
	if n > 0 {
		c.Trigger(rec.ProjectID)
	}
	return n, nil
}
