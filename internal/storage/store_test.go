package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	t0   = time.Date(2016, 3, 15, 11, 0, 0, 0, time.UTC)
	area = models.Box{NW: models.Point{X: 0, Y: 12}, SE: models.Point{X: 12, Y: 0}}
)

func seed(t *testing.T, s Store) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.AppendRequest(ctx, models.Request{ID: "r1", ClientID: "c1", Location: models.Point{X: 1, Y: 1}, CreatedAt: t0}); err != nil {
			return err
		}
		return tx.AppendDeclaration(ctx, models.AvailabilityDeclaration{DriverID: "d1", DeclaredAt: t0, Location: models.Point{X: 2, Y: 2}})
	})
	require.NoError(t, err)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", DispatchedAt: t0.Add(time.Minute)}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Snapshot().Dispatches)
}

func TestMemoryStore_ReadYourWrites(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	at := t0.Add(time.Minute)
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", DispatchedAt: at}))
		drivers, err := tx.AvailableDrivers(ctx, area, at)
		require.NoError(t, err)
		assert.Empty(t, drivers)
		open, err := tx.OpenRequests(ctx, area, at)
		require.NoError(t, err)
		assert.Empty(t, open)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, s.Snapshot().Dispatches, 1)
}

func TestMemoryStore_DispatchGuards(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	at := t0.Add(time.Minute)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "missing", DriverID: "d1", DispatchedAt: at})
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "ghost", DispatchedAt: at})
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", DispatchedAt: at})
	}))
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", DispatchedAt: at})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_PickupGuards(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	at := t0.Add(time.Minute)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendPickup(ctx, models.PickupRecord{RequestID: "r1", PickedUpAt: at})
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", DispatchedAt: at})
	}))
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendPickup(ctx, models.PickupRecord{RequestID: "r1", PickedUpAt: t0})
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound, "pickup before dispatch")

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendPickup(ctx, models.PickupRecord{RequestID: "r1", PickedUpAt: at.Add(time.Minute)})
	}))
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendPickup(ctx, models.PickupRecord{RequestID: "r1", PickedUpAt: at.Add(2 * time.Minute)})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_DuplicateRequest(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.AppendRequest(ctx, models.Request{ID: "r1", ClientID: "c2", CreatedAt: t0})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.InTx(ctx, func(context.Context, Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryStore_BillingTotals(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	s.AddBilled(models.BilledItem{RequestID: "r1", Amount: 12.5})
	var totals map[models.ClientID]float64
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		totals, err = tx.BillingTotals(ctx, []models.ClientID{"c1", "c2"})
		return err
	}))
	assert.Equal(t, map[models.ClientID]float64{"c1": 12.5}, totals)
}

// checkRequestStatus walks r1 through its lifecycle on any Store.
func checkRequestStatus(t *testing.T, s Store) {
	t.Helper()
	seed(t, s)
	ctx := context.Background()
	at := t0.Add(time.Minute)
	status := func() (models.RequestStatus, bool) {
		var (
			st models.RequestStatus
			ok bool
		)
		require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			st, ok, err = tx.RequestStatus(ctx, "r1")
			return err
		}))
		return st, ok
	}

	st, ok := status()
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, st)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendDispatch(ctx, models.DispatchRecord{RequestID: "r1", DriverID: "d1", Location: models.Point{X: 2, Y: 2}, DispatchedAt: at})
	}))
	st, _ = status()
	assert.Equal(t, models.StatusDispatched, st)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendPickup(ctx, models.PickupRecord{RequestID: "r1", PickedUpAt: at})
	}))
	st, _ = status()
	assert.Equal(t, models.StatusPickedUp, st)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, ok, err := tx.RequestStatus(ctx, "missing")
		assert.False(t, ok)
		return err
	}))
}

func TestMemoryStore_RequestStatus(t *testing.T) {
	checkRequestStatus(t, NewMemoryStore())
}
