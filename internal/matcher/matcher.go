package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ranking"
	"github.com/example/ride-dispatch/internal/storage"
)

const defaultMaxAttempts = 3

// BillingSource supplies per-client billing totals. storage.Tx satisfies it.
type BillingSource interface {
	BillingTotals(ctx context.Context, clients []models.ClientID) (map[models.ClientID]float64, error)
}

// Match is a committed dispatch together with the client it serves.
type Match struct {
	models.DispatchRecord
	ClientID models.ClientID `json:"client_id"`
}

// Service assigns available drivers to open requests inside an area. Clients
// are served in descending billing order, each by the nearest remaining
// driver; this is greedy and does not minimise total distance.
type Service struct {
	Store       storage.Store
	Billing     BillingSource     // optional, defaults to the store's billed aggregate
	Locker      lock.DriverLocker // optional
	MaxAttempts int
	Log         zerolog.Logger
}

// Dispatch runs one dispatch at time at over box. All records are committed
// together or not at all; conflicts with concurrent calls are retried from a
// fresh snapshot.
func (s *Service) Dispatch(ctx context.Context, box models.Box, at time.Time) ([]Match, error) {
	start := time.Now()
	observability.DispatchCalls.Inc()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var (
		matches []Match
		err     error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		matches, err = s.dispatchOnce(ctx, box, at)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
		observability.DispatchConflicts.Inc()
		s.Log.Warn().Err(err).Int("attempt", attempt).Msg("dispatch conflict, retrying")
	}
	if err != nil {
		observability.DispatchFailures.Inc()
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	observability.AssignmentsTotal.Add(float64(len(matches)))
	s.Log.Info().Int("assignments", len(matches)).Time("at", at).Dur("took", time.Since(start)).Msg("dispatch committed")
	return matches, nil
}

func (s *Service) dispatchOnce(ctx context.Context, box models.Box, at time.Time) ([]Match, error) {
	var (
		matches  []Match
		releases []func(context.Context) error
	)
	defer func() {
		rctx := context.WithoutCancel(ctx)
		for _, release := range releases {
			if err := release(rctx); err != nil {
				s.Log.Warn().Err(err).Msg("release driver claim")
			}
		}
	}()

	err := s.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		open, err := ledger.NewRequestBook(tx).OpenRequestsIn(ctx, box, at)
		if err != nil {
			return err
		}
		drivers, err := ledger.NewAvailabilityLedger(tx).CurrentlyAvailable(ctx, box, at)
		if err != nil {
			return err
		}
		if len(open) == 0 || len(drivers) == 0 {
			return nil
		}

		clients, requests := oldestPerClient(open)
		var billing BillingSource = tx
		if s.Billing != nil {
			billing = s.Billing
		}
		totals, err := billing.BillingTotals(ctx, clients)
		if err != nil {
			return fmt.Errorf("billing totals: %w", err)
		}

		pool := append([]models.AvailableDriver(nil), drivers...)
		for _, c := range ranking.Rank(clients, totals) {
			if len(pool) == 0 {
				break
			}
			req := requests[c]
			i := geo.Nearest(req.Location, pool)
			d := pool[i]

			release, err := s.locker().Claim(ctx, d.DriverID)
			if err != nil {
				if errors.Is(err, lock.ErrHeld) {
					return fmt.Errorf("%w: %v", storage.ErrConflict, err)
				}
				return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
			releases = append(releases, release)

			rec := models.DispatchRecord{RequestID: req.RequestID, DriverID: d.DriverID, Location: d.Location, DispatchedAt: at}
			if err := tx.AppendDispatch(ctx, rec); err != nil {
				return err
			}
			matches = append(matches, Match{DispatchRecord: rec, ClientID: c})
			pool = append(pool[:i], pool[i+1:]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (s *Service) locker() lock.DriverLocker {
	if s.Locker == nil {
		return lock.Nop{}
	}
	return s.Locker
}

// oldestPerClient keeps each client's first request from an ordered list and
// returns the clients in first-seen order.
func oldestPerClient(open []models.OpenRequest) ([]models.ClientID, map[models.ClientID]models.OpenRequest) {
	clients := make([]models.ClientID, 0, len(open))
	byClient := make(map[models.ClientID]models.OpenRequest, len(open))
	for _, r := range open {
		if _, seen := byClient[r.ClientID]; seen {
			continue
		}
		byClient[r.ClientID] = r
		clients = append(clients, r.ClientID)
	}
	return clients, byClient
}

func retryable(err error) bool {
	return errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrDuplicate)
}
