package ledger

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// AvailabilityLog is the slice of a store transaction the availability
// ledger reads and appends to.
type AvailabilityLog interface {
	AppendDeclaration(ctx context.Context, d models.AvailabilityDeclaration) error
	AvailableDrivers(ctx context.Context, box models.Box, asOf time.Time) ([]models.AvailableDriver, error)
}

// AvailabilityLedger tracks which drivers are free. A driver is busy from a
// dispatch until its next declaration.
type AvailabilityLedger struct {
	log AvailabilityLog
}

func NewAvailabilityLedger(log AvailabilityLog) *AvailabilityLedger {
	return &AvailabilityLedger{log: log}
}

// Declare appends a declaration. Prior state is not consulted.
func (l *AvailabilityLedger) Declare(ctx context.Context, driverID models.DriverID, at time.Time, loc models.Point) error {
	return l.log.AppendDeclaration(ctx, models.AvailabilityDeclaration{DriverID: driverID, DeclaredAt: at, Location: loc})
}

func (l *AvailabilityLedger) CurrentlyAvailable(ctx context.Context, box models.Box, asOf time.Time) ([]models.AvailableDriver, error) {
	return l.log.AvailableDrivers(ctx, box, asOf)
}
