package reconcile

import (
	"context"
	"fmt"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

// PullAll pulls every entity type, parents first.
func (r *Reconciler) PullAll(ctx context.Context) error {
	for _, t := range model.EntityTypes {
		if err := r.PullOnce(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// PullOnce applies every remote record of type t past the stored cursor. The
// cursor stops before the first record that has to wait (a row still
// streaming locally) so it is seen again next cycle.
func (r *Reconciler) PullOnce(ctx context.Context, t model.EntityType) error {
	source := r.mirror.Name()
	since, err := r.sync.Cursor(ctx, t, source)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	cursor := remote.Cursor(since)
	for {
		callCtx, cancel := r.call(ctx)
		recs, next, err := r.mirror.Pull(callCtx, t, cursor, r.cfg.PullLimit)
		cancel()
		if err != nil {
			return fmt.Errorf("pull %s: %w", t, err)
		}

		applied := cursor
		for _, rec := range recs {
			wait, err := r.applyRecord(ctx, rec)
			if err != nil {
				if cerr := r.sync.SetCursor(ctx, t, source, int64(applied)); cerr != nil {
					r.log.Error().Err(cerr).Str("entity_type", string(t)).Msg("save pull cursor")
				}
				return fmt.Errorf("apply %s/%s: %w", rec.Type, rec.ID, err)
			}
			if wait {
				pullRecordsTotal.WithLabelValues(string(t), "deferred").Inc()
				return r.sync.SetCursor(ctx, t, source, int64(applied))
			}
			applied = remote.Cursor(rec.Seq)
		}
		if next > applied {
			applied = next
		}
		if err := r.sync.SetCursor(ctx, t, source, int64(applied)); err != nil {
			return err
		}
		if len(recs) < r.cfg.PullLimit || applied == cursor {
			return nil
		}
		cursor = applied
	}
}

// applyRecord merges one remote row into the local store. It reports wait when
// the entity is mid-generation locally.
func (r *Reconciler) applyRecord(ctx context.Context, rec remote.Record) (wait bool, err error) {
	t, id := rec.Type, rec.ID
	unlock := r.lockEntity(t, id)
	defer unlock()

	tomb, err := r.sync.Tombstoned(ctx, t, id)
	if err != nil {
		return false, err
	}
	if tomb {
		if rec.Deleted {
			pullRecordsTotal.WithLabelValues(string(t), "unchanged").Inc()
			return false, r.sync.SetRemoteVersion(ctx, t, id, rec.Version)
		}
		// local delete is terminal; push it again over the resurrected row
		pullRecordsTotal.WithLabelValues(string(t), "ignored").Inc()
		if err := r.sync.SetRemoteVersion(ctx, t, id, rec.Version); err != nil {
			return false, err
		}
		return false, r.sync.Enqueue(ctx, t, id, model.OpDelete)
	}

	snap, err := r.sync.Snapshot(ctx, t, id)
	if model.IsNotFound(err) {
		if rec.Deleted {
			pullRecordsTotal.WithLabelValues(string(t), "deleted").Inc()
			if err := r.sync.ApplyRemoteDelete(ctx, t, id); err != nil {
				return false, err
			}
			return false, r.sync.SetRemoteVersion(ctx, t, id, rec.Version)
		}
		pullRecordsTotal.WithLabelValues(string(t), "inserted").Inc()
		return false, r.applyRemote(ctx, rec)
	}
	if err != nil {
		return false, err
	}
	if snap.Streaming {
		return true, nil
	}

	if rec.Deleted {
		pullRecordsTotal.WithLabelValues(string(t), "deleted").Inc()
		if err := r.sync.ApplyRemoteDelete(ctx, t, id); err != nil {
			return false, err
		}
		return false, r.sync.SetRemoteVersion(ctx, t, id, rec.Version)
	}

	pending, err := r.sync.HasPending(ctx, t, id)
	if err != nil {
		return false, err
	}
	if pending {
		// the push loop resolves it through compare-and-swap
		pullRecordsTotal.WithLabelValues(string(t), "pending").Inc()
		return false, nil
	}

	// a re-delivered row keeps its version and writer even when the local
	// timestamps have moved past it
	if snap.Version == rec.Version && (rec.Origin == r.localOrigin(snap) || sameContent(snap.Data, rec.Data)) {
		pullRecordsTotal.WithLabelValues(string(t), "unchanged").Inc()
		return false, r.sync.SetRemoteVersion(ctx, t, id, rec.Version)
	}

	if r.decide(snap, rec) == Remote {
		pullRecordsTotal.WithLabelValues(string(t), "applied").Inc()
		if snap.Version >= rec.Version {
			r.recordConflict(ctx, t, id, snap.Version, rec.Version, Remote)
		}
		return false, r.applyRemote(ctx, rec)
	}

	// local state wins; write it back to the mirror
	pullRecordsTotal.WithLabelValues(string(t), "local_newer").Inc()
	if snap.Version <= rec.Version {
		r.recordConflict(ctx, t, id, snap.Version, rec.Version, Local)
	}
	if err := r.sync.SetRemoteVersion(ctx, t, id, rec.Version); err != nil {
		return false, err
	}
	return false, r.sync.Enqueue(ctx, t, id, model.OpUpsert)
}

// decide picks the winner between a local snapshot and a remote row. A
// finalized message authored on this device is never overwritten.
func (r *Reconciler) decide(snap *model.Snapshot, rec remote.Record) Side {
	if snap.Type == model.EntityMessage && !snap.Streaming && snap.DeviceID == r.cfg.DeviceID {
		return Local
	}
	local := Candidate{Version: snap.Version, Origin: r.localOrigin(snap), Data: snap.Data}
	other := Candidate{Version: rec.Version, Origin: rec.Origin, Data: rec.Data}
	return r.policy.Resolve(local, other)
}

// localOrigin is the device whose write produced the local state.
func (r *Reconciler) localOrigin(snap *model.Snapshot) string {
	if snap.Origin == "" {
		return r.cfg.DeviceID
	}
	return snap.Origin
}

// applyRemote stores rec locally at its remote version.
func (r *Reconciler) applyRemote(ctx context.Context, rec remote.Record) error {
	data, err := withVersion(rec.Data, rec.Version)
	if err != nil {
		return fmt.Errorf("decode remote %s/%s: %w", rec.Type, rec.ID, err)
	}
	if err := r.sync.ApplyRemote(ctx, rec.Type, data, rec.Origin); err != nil {
		return err
	}
	return r.sync.SetRemoteVersion(ctx, rec.Type, rec.ID, rec.Version)
}

func (r *Reconciler) recordConflict(ctx context.Context, t model.EntityType, id string, localV, remoteV int64, winner Side) {
	conflictsTotal.WithLabelValues(string(winner)).Inc()
	c := &model.SyncConflict{
		EntityType:    t,
		EntityID:      id,
		LocalVersion:  localV,
		RemoteVersion: remoteV,
		Winner:        string(winner),
		Policy:        r.policy.Name(),
	}
	if err := r.sync.RecordConflict(ctx, c); err != nil {
		r.log.Error().Err(err).Str("entity_id", id).Msg("record conflict")
		return
	}
	r.log.Info().
		Str("entity_type", string(t)).
		Str("entity_id", id).
		Int64("local_version", localV).
		Int64("remote_version", remoteV).
		Str("winner", string(winner)).
		Msg("sync conflict resolved")
}
