// Package conflict decides which version of an entity wins a sync.
//
// The decision is a pure function of the local record, the remote copy and
// the queued operation. It performs no I/O; the coordinator applies the
// outcome.
package conflict

import (
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Outcome is the result of resolving one queue entry.
type Outcome string

const (
	// ApplyLocal pushes the local version (or delete) to the remote.
	ApplyLocal Outcome = "apply-local"

	// ApplyRemote overwrites the local record with the remote copy.
	ApplyRemote Outcome = "apply-remote"

	// Unresolved parks the entity in conflict until a manual override.
	Unresolved Outcome = "conflict-unresolved"
)

// Resolve applies the last-write-wins policy.
//
//   - No remote copy: ApplyLocal.
//   - Delete: ApplyLocal when the remote is unchanged since the last sync the
//     local record saw, otherwise Unresolved. A record that never synced
//     cannot prove the remote copy is one it has seen.
//   - Local record never synced, or a timestamp missing: first sync wins,
//     which is the copy already on the remote (ApplyRemote).
//   - Otherwise the strictly later of the local and remote timestamps wins;
//     ties go to the remote.
func Resolve(local *types.Record, remote *types.RemoteRecord, op types.Operation) Outcome {
	if remote == nil {
		return ApplyLocal
	}
	if local == nil {
		return ApplyRemote
	}

	if op == types.OpDelete {
		if unchangedSince(remote, local.RemoteUpdatedAt) {
			return ApplyLocal
		}
		return Unresolved
	}

	if local.RemoteUpdatedAt == nil || local.LocalUpdatedAt.IsZero() || remote.UpdatedAt.IsZero() {
		return ApplyRemote
	}
	if local.LocalUpdatedAt.After(remote.UpdatedAt) {
		return ApplyLocal
	}
	return ApplyRemote
}

func unchangedSince(remote *types.RemoteRecord, lastSync *time.Time) bool {
	return lastSync != nil && !remote.UpdatedAt.After(*lastSync)
}

// ResolveWithOverride applies a manual decision when one is recorded and
// falls back to Resolve otherwise.
func ResolveWithOverride(local *types.Record, remote *types.RemoteRecord, op types.Operation, override types.Override) Outcome {
	switch override {
	case types.OverrideLocal:
		return ApplyLocal
	case types.OverrideRemote:
		return ApplyRemote
	}
	return Resolve(local, remote, op)
}
