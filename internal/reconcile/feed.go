package reconcile

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

// listen keeps a realtime subscription for t open and turns each change into
// a pull nudge. Dropped feeds are reopened with backoff; the periodic pull
// covers anything missed in between.
func (r *Reconciler) listen(ctx context.Context, t model.EntityType) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	exp.Reset()

	log := r.log.With().Str("entity_type", string(t)).Logger()
	for {
		ch, err := r.mirror.Subscribe(ctx, t)
		if errors.Is(err, remote.ErrFeedUnavailable) {
			log.Info().Msg("realtime feed unavailable; relying on periodic pull")
			return
		}
		if err == nil {
			exp.Reset()
			// catch up on whatever changed while disconnected
			r.nudgePull(t)
			r.consume(ctx, t, ch)
			if ctx.Err() != nil {
				return
			}
			log.Warn().Msg("realtime feed dropped")
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Msg("realtime subscribe")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(exp.NextBackOff()):
			feedReconnectsTotal.Inc()
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, t model.EntityType, ch <-chan remote.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			ev := events.Event{Kind: events.EventRemoteChange, EntityType: t, EntityID: c.ID}
			if !r.bus.Publish(ev) {
				r.nudgePull(t)
			}
		}
	}
}
