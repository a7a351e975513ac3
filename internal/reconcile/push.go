package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

// maxDeleteRounds bounds how often a tombstone is re-pushed over concurrent
// remote writes within one attempt.
const maxDeleteRounds = 3

// PushOnce leases due PendingOps and pushes each one.
func (r *Reconciler) PushOnce(ctx context.Context) error {
	ops, err := r.sync.Lease(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("lease pending ops: %w", err)
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.pushOp(ctx, op); err != nil {
			r.log.Error().Err(err).Int64("op_id", op.ID).Str("entity_id", op.EntityID).Msg("push op")
		}
	}
	return nil
}

// pushOp returns only local store errors; remote failures are recorded on the op.
func (r *Reconciler) pushOp(ctx context.Context, op *model.PendingOp) error {
	unlock := r.lockEntity(op.EntityType, op.EntityID)
	defer unlock()

	var err error
	if op.Op == model.OpDelete {
		err = r.pushDelete(ctx, op)
	} else {
		err = r.pushUpsert(ctx, op)
	}
	if err == nil {
		return nil
	}
	var local *localError
	if errors.As(err, &local) {
		return local.err
	}
	return r.giveUp(ctx, op, err)
}

// localError marks a failure of the local store rather than the mirror.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func localErr(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

func (r *Reconciler) pushUpsert(ctx context.Context, op *model.PendingOp) error {
	snap, err := r.sync.Snapshot(ctx, op.EntityType, op.EntityID)
	if model.IsNotFound(err) {
		// deleted since enqueue; the delete op carries the change
		_, err := r.sync.Ack(ctx, op)
		pushTotal.WithLabelValues("dropped").Inc()
		return localErr(err)
	}
	if err != nil {
		return localErr(err)
	}
	if snap.Streaming {
		pushTotal.WithLabelValues("deferred").Inc()
		return localErr(r.sync.Defer(ctx, op, r.now().Add(r.cfg.PushInterval)))
	}

	base, err := r.sync.RemoteVersion(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return localErr(err)
	}
	version := snap.Version
	if version <= base {
		version = base + 1
	}
	stored, err := r.pushRecord(ctx, op.EntityType, op.EntityID, snap.Data, version, base)
	if ce, ok := remote.AsConflict(err); ok {
		pushTotal.WithLabelValues("conflict").Inc()
		return r.resolvePushConflict(ctx, op, snap, ce.Current)
	}
	if err != nil {
		return err
	}
	if version != snap.Version {
		if err := r.sync.SetVersion(ctx, op.EntityType, op.EntityID, version); err != nil {
			return localErr(err)
		}
	}
	if err := r.sync.SetRemoteVersion(ctx, op.EntityType, op.EntityID, stored.Version); err != nil {
		return localErr(err)
	}
	return r.ack(ctx, op)
}

func (r *Reconciler) resolvePushConflict(ctx context.Context, op *model.PendingOp, snap *model.Snapshot, cur remote.Record) error {
	t, id := op.EntityType, op.EntityID
	if cur.Deleted {
		if err := r.sync.ApplyRemoteDelete(ctx, t, id); err != nil {
			return localErr(err)
		}
		if err := r.sync.SetRemoteVersion(ctx, t, id, cur.Version); err != nil {
			return localErr(err)
		}
		r.recordConflict(ctx, t, id, snap.Version, cur.Version, Remote)
		return r.ack(ctx, op)
	}

	winner := r.decide(snap, cur)
	if winner == Remote {
		if err := r.applyRemote(ctx, cur); err != nil {
			return localErr(err)
		}
		r.recordConflict(ctx, t, id, snap.Version, cur.Version, Remote)
		return r.ack(ctx, op)
	}

	version := max(snap.Version, cur.Version) + 1
	stored, err := r.pushRecord(ctx, t, id, snap.Data, version, cur.Version)
	if err != nil {
		// a second concurrent writer; the next attempt resolves against it
		return err
	}
	if err := r.sync.SetVersion(ctx, t, id, version); err != nil {
		return localErr(err)
	}
	if err := r.sync.SetRemoteVersion(ctx, t, id, stored.Version); err != nil {
		return localErr(err)
	}
	r.recordConflict(ctx, t, id, snap.Version, cur.Version, Local)
	return r.ack(ctx, op)
}

func (r *Reconciler) pushDelete(ctx context.Context, op *model.PendingOp) error {
	t, id := op.EntityType, op.EntityID
	base, err := r.sync.RemoteVersion(ctx, t, id)
	if err != nil {
		return localErr(err)
	}
	for round := 0; round < maxDeleteRounds; round++ {
		rec := remote.Record{Type: t, ID: id, Version: base + 1, Deleted: true, Origin: r.cfg.DeviceID}
		stored, err := r.retry(ctx, func(ctx context.Context) (remote.Record, error) {
			return r.mirror.Push(ctx, rec, base)
		})
		if ce, ok := remote.AsConflict(err); ok {
			if ce.Current.Deleted {
				if err := r.sync.SetRemoteVersion(ctx, t, id, ce.Current.Version); err != nil {
					return localErr(err)
				}
				return r.ack(ctx, op)
			}
			// tombstones are terminal; overwrite whatever is there
			base = ce.Current.Version
			continue
		}
		if err != nil {
			return err
		}
		if err := r.sync.SetRemoteVersion(ctx, t, id, stored.Version); err != nil {
			return localErr(err)
		}
		return r.ack(ctx, op)
	}
	return remote.NewNetworkError("push delete", fmt.Errorf("%s/%s kept changing remotely", t, id))
}

// pushRecord stamps data with version and CAS-writes it over expected.
func (r *Reconciler) pushRecord(ctx context.Context, t model.EntityType, id string, data []byte, version, expected int64) (remote.Record, error) {
	payload, err := withVersion(data, version)
	if err != nil {
		return remote.Record{}, remote.NewInvalidError("encode", err)
	}
	rec := remote.Record{Type: t, ID: id, Version: version, Origin: r.cfg.DeviceID, Data: payload}
	return r.retry(ctx, func(ctx context.Context) (remote.Record, error) {
		return r.mirror.Push(ctx, rec, expected)
	})
}

// retry runs fn with exponential backoff while it fails recoverably, up to
// CycleRetries extra attempts. Conflicts and irrecoverable errors return at once.
func (r *Reconciler) retry(ctx context.Context, fn func(context.Context) (remote.Record, error)) (remote.Record, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.RetryInitial
	exp.Multiplier = 2
	exp.MaxInterval = r.cfg.RetryMax
	exp.Reset()

	attempts := 0
	for {
		callCtx, cancel := r.call(ctx)
		rec, err := fn(callCtx)
		cancel()
		if err == nil {
			return rec, nil
		}
		if remote.IsIrrecoverable(err) || errors.Is(err, model.ErrConflict) {
			return rec, err
		}
		if attempts >= r.cfg.CycleRetries {
			return rec, err
		}
		attempts++
		select {
		case <-time.After(exp.NextBackOff()):
		case <-ctx.Done():
			return rec, err
		}
	}
}

func (r *Reconciler) ack(ctx context.Context, op *model.PendingOp) error {
	acked, err := r.sync.Ack(ctx, op)
	if err != nil {
		return localErr(err)
	}
	if acked {
		pushTotal.WithLabelValues("acked").Inc()
	} else {
		// a newer local write coalesced into the op; it stays queued
		pushTotal.WithLabelValues("superseded").Inc()
	}
	return nil
}

// giveUp records a failed remote attempt: irrecoverable errors and exhausted
// budgets mark the op failed, anything else is rescheduled.
func (r *Reconciler) giveUp(ctx context.Context, op *model.PendingOp, cause error) error {
	attempt := op.Attempts + 1
	if remote.IsIrrecoverable(cause) || attempt >= r.cfg.MaxAttempts {
		pushTotal.WithLabelValues("failed").Inc()
		r.log.Warn().Err(cause).
			Str("entity_type", string(op.EntityType)).
			Str("entity_id", op.EntityID).
			Int("attempts", attempt).
			Msg("sync op failed")
		return r.sync.Fail(ctx, op, cause)
	}
	pushTotal.WithLabelValues("retried").Inc()
	next := r.now().Add(retryDelay(attempt))
	r.log.Debug().Err(cause).Str("entity_id", op.EntityID).Time("next_attempt_at", next).Msg("sync op rescheduled")
	return r.sync.Retry(ctx, op, cause, next)
}

// retryDelay is 2^attempt seconds capped at five minutes.
func retryDelay(attempt int) time.Duration {
	secs := math.Min(math.Pow(2, float64(attempt)), 300)
	return time.Duration(secs) * time.Second
}
