package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrUnavailable means the backing store could not be reached. Nothing
	// from the failed call was committed.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict means a concurrent transaction invalidated this one. The
	// whole call may be retried from its first read.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate means a write would break an at-most-once rule.
	ErrDuplicate = errors.New("duplicate record")
)

// Tx is a serializable unit of work over the dispatch logs.
type Tx interface {
	ledger.AvailabilityLog
	ledger.RequestLog
	AppendDispatch(ctx context.Context, rec models.DispatchRecord) error
	AppendPickup(ctx context.Context, rec models.PickupRecord) error
	BillingTotals(ctx context.Context, clients []models.ClientID) (map[models.ClientID]float64, error)
}

// Store runs transactions. fn's writes are committed only if it returns nil;
// uncommitted writes are never visible to other transactions.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the logs in process. Transactions run one at a time and
// see a private fork of the logs until they commit.
type MemoryStore struct {
	mu   sync.Mutex
	logs ledger.Logs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{logs: m.logs.Fork()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logs = tx.logs
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// AddBilled records an externally computed charge against a request.
func (m *MemoryStore) AddBilled(item models.BilledItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logs.Fork()
	l.Billed = append(l.Billed, item)
	m.logs = l
}

// Snapshot returns the committed logs.
func (m *MemoryStore) Snapshot() ledger.Logs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs.Fork()
}

type memTx struct {
	logs ledger.Logs
}

func (t *memTx) AppendDeclaration(_ context.Context, d models.AvailabilityDeclaration) error {
	t.logs.Declarations = append(t.logs.Declarations, d)
	return nil
}

func (t *memTx) AvailableDrivers(_ context.Context, box models.Box, asOf time.Time) ([]models.AvailableDriver, error) {
	return t.logs.CurrentlyAvailable(box, asOf), nil
}

func (t *memTx) AppendRequest(_ context.Context, r models.Request) error {
	if _, ok := t.logs.Request(r.ID); ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrDuplicate)
	}
	t.logs.Requests = append(t.logs.Requests, r)
	return nil
}

func (t *memTx) OpenRequests(_ context.Context, box models.Box, asOf time.Time) ([]models.OpenRequest, error) {
	return t.logs.OpenRequestsIn(box, asOf), nil
}

func (t *memTx) DispatchedRequest(_ context.Context, driverID models.DriverID, clientID models.ClientID, notAfter time.Time) (models.RequestID, bool, error) {
	id, ok := t.logs.FindDispatchedRequest(driverID, clientID, notAfter)
	return id, ok, nil
}

func (t *memTx) PickupExists(_ context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error) {
	return t.logs.HasPickup(driverID, clientID, at), nil
}

func (t *memTx) RequestStatus(_ context.Context, id models.RequestID) (models.RequestStatus, bool, error) {
	if _, ok := t.logs.Request(id); !ok {
		return "", false, nil
	}
	return t.logs.Status(id), true, nil
}

func (t *memTx) AppendDispatch(_ context.Context, rec models.DispatchRecord) error {
	if _, ok := t.logs.Request(rec.RequestID); !ok {
		return fmt.Errorf("dispatch of request %s: %w", rec.RequestID, ledger.ErrNotFound)
	}
	if _, ok := t.logs.Dispatch(rec.RequestID); ok {
		return fmt.Errorf("dispatch of request %s: %w", rec.RequestID, ErrDuplicate)
	}
	if !t.logs.DriverAvailable(rec.DriverID, rec.DispatchedAt) {
		return fmt.Errorf("driver %s no longer available: %w", rec.DriverID, ErrConflict)
	}
	t.logs.Dispatches = append(t.logs.Dispatches, rec)
	return nil
}

func (t *memTx) AppendPickup(_ context.Context, rec models.PickupRecord) error {
	d, ok := t.logs.Dispatch(rec.RequestID)
	if !ok || d.DispatchedAt.After(rec.PickedUpAt) {
		return fmt.Errorf("pickup of request %s: %w", rec.RequestID, ledger.ErrNotFound)
	}
	if _, ok := t.logs.Pickup(rec.RequestID); ok {
		return fmt.Errorf("pickup of request %s: %w", rec.RequestID, ErrDuplicate)
	}
	t.logs.Pickups = append(t.logs.Pickups, rec)
	return nil
}

func (t *memTx) BillingTotals(_ context.Context, clients []models.ClientID) (map[models.ClientID]float64, error) {
	return t.logs.BillingTotals(clients), nil
}
