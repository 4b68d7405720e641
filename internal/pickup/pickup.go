package pickup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const defaultMaxAttempts = 3

// Recorder confirms pickups against committed dispatch records.
type Recorder struct {
	Store       storage.Store
	MaxAttempts int // serialization conflicts are retried this many times in total
	Log         zerolog.Logger
}

func NewRecorder(store storage.Store, log zerolog.Logger) *Recorder {
	return &Recorder{Store: store, Log: log.With().Str("component", "pickup").Logger()}
}

// RecordPickup appends a pickup for the request driverID was dispatched to for
// clientID. It reports false when the pickup was already recorded at the same
// instant or no matching dispatch exists; calling it twice is safe.
func (r *Recorder) RecordPickup(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error) {
	_, ok, err := r.Record(ctx, driverID, clientID, at)
	return ok, err
}

// Record is RecordPickup that also returns the appended record.
func (r *Recorder) Record(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (models.PickupRecord, bool, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var (
		rec models.PickupRecord
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err = r.recordOnce(ctx, driverID, clientID, at)
		if !errors.Is(err, storage.ErrConflict) || ctx.Err() != nil {
			break
		}
		r.Log.Warn().Err(err).Int("attempt", attempt).Msg("pickup conflict, retrying")
	}
	switch {
	case err == nil:
		observability.Pickups.WithLabelValues("recorded").Inc()
		r.Log.Info().Str("request_id", string(rec.RequestID)).Str("driver_id", string(driverID)).Msg("pickup recorded")
		return rec, true, nil
	case errors.Is(err, storage.ErrDuplicate):
		observability.Pickups.WithLabelValues("duplicate").Inc()
		return models.PickupRecord{}, false, nil
	case errors.Is(err, ledger.ErrNotFound):
		observability.Pickups.WithLabelValues("not_dispatched").Inc()
		return models.PickupRecord{}, false, nil
	default:
		observability.Pickups.WithLabelValues("error").Inc()
		return models.PickupRecord{}, false, fmt.Errorf("record pickup: %w", err)
	}
}

func (r *Recorder) recordOnce(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (models.PickupRecord, error) {
	var rec models.PickupRecord
	err := r.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book := ledger.NewRequestBook(tx)
		done, err := book.HasPickup(ctx, driverID, clientID, at)
		if err != nil {
			return err
		}
		if done {
			return storage.ErrDuplicate
		}
		id, err := book.FindDispatchedRequest(ctx, driverID, clientID, at)
		if err != nil {
			return err
		}
		rec = models.PickupRecord{RequestID: id, PickedUpAt: at}
		return tx.AppendPickup(ctx, rec)
	})
	return rec, err
}
