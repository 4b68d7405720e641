package ledger

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RequestLog is the slice of a store transaction the request book uses.
type RequestLog interface {
	AppendRequest(ctx context.Context, r models.Request) error
	OpenRequests(ctx context.Context, box models.Box, asOf time.Time) ([]models.OpenRequest, error)
	DispatchedRequest(ctx context.Context, driverID models.DriverID, clientID models.ClientID, notAfter time.Time) (models.RequestID, bool, error)
	PickupExists(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error)
	RequestStatus(ctx context.Context, id models.RequestID) (models.RequestStatus, bool, error)
}

type RequestBook struct {
	log RequestLog
}

func NewRequestBook(log RequestLog) *RequestBook {
	return &RequestBook{log: log}
}

func (b *RequestBook) Create(ctx context.Context, r models.Request) error {
	return b.log.AppendRequest(ctx, r)
}

// OpenRequestsIn lists requests in box that are still waiting for a driver.
func (b *RequestBook) OpenRequestsIn(ctx context.Context, box models.Box, asOf time.Time) ([]models.OpenRequest, error) {
	return b.log.OpenRequests(ctx, box, asOf)
}

// FindDispatchedRequest returns ErrNotFound when driverID was never
// dispatched to clientID at or before notAfter.
func (b *RequestBook) FindDispatchedRequest(ctx context.Context, driverID models.DriverID, clientID models.ClientID, notAfter time.Time) (models.RequestID, error) {
	id, ok, err := b.log.DispatchedRequest(ctx, driverID, clientID, notAfter)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (b *RequestBook) HasPickup(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error) {
	return b.log.PickupExists(ctx, driverID, clientID, at)
}

// Status returns ErrNotFound for an unknown request.
func (b *RequestBook) Status(ctx context.Context, id models.RequestID) (models.RequestStatus, error) {
	st, ok, err := b.log.RequestStatus(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return st, nil
}
