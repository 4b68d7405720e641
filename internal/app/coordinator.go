package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pickup"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrInvalid marks caller input that can never succeed as given.
var ErrInvalid = errors.New("invalid input")

// Options wires a Coordinator. Only Store is required.
type Options struct {
	Store       storage.Store
	Places      geo.Places
	Billing     matcher.BillingSource
	Locker      lock.DriverLocker
	MaxAttempts int
	Notifier    dispatch.Notifier
	Events      ingest.Publisher
	Log         zerolog.Logger
}

// Coordinator is the boundary of the dispatch core. Every operation runs in
// its own store transaction; notifications and events go out only after a
// commit and never undo it.
type Coordinator struct {
	store    storage.Store
	places   geo.Places
	engine   *matcher.Service
	pickups  *pickup.Recorder
	notifier dispatch.Notifier
	events   ingest.Publisher
	log      zerolog.Logger
	newID    func() models.RequestID
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:    opts.Store,
		places:   opts.Places,
		notifier: opts.Notifier,
		events:   opts.Events,
		log:      opts.Log.With().Str("component", "coordinator").Logger(),
		newID:    func() models.RequestID { return models.RequestID(uuid.NewString()) },
	}
	if c.places == nil {
		c.places = geo.NewIndex()
	}
	if c.notifier == nil {
		c.notifier = dispatch.Nop{}
	}
	if c.events == nil {
		c.events = ingest.Nop{}
	}
	c.engine = &matcher.Service{
		Store:       opts.Store,
		Billing:     opts.Billing,
		Locker:      opts.Locker,
		MaxAttempts: opts.MaxAttempts,
		Log:         opts.Log.With().Str("component", "matcher").Logger(),
	}
	c.pickups = pickup.NewRecorder(opts.Store, opts.Log)
	c.pickups.MaxAttempts = opts.MaxAttempts
	return c
}

func (c *Coordinator) Places() geo.Places { return c.places }

// Ready reports whether the store can be reached.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// DeclareAvailable records that driverID is free at location from at onward.
func (c *Coordinator) DeclareAvailable(ctx context.Context, driverID models.DriverID, at time.Time, location models.Point) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalid)
	}
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return ledger.NewAvailabilityLedger(tx).Declare(ctx, driverID, at, location)
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", driverID, err)
	}
	observability.Declarations.Inc()
	c.log.Debug().Str("driver_id", string(driverID)).Time("at", at).Msg("availability declared")
	return nil
}

// RideRequest is a new request from a client. Source names a registered place
// and takes precedence over Location.
type RideRequest struct {
	ClientID models.ClientID
	Source   string
	Location *models.Point
	At       time.Time
}

func (c *Coordinator) RequestRide(ctx context.Context, rr RideRequest) (models.RequestID, error) {
	if rr.ClientID == "" {
		return "", fmt.Errorf("%w: client id is required", ErrInvalid)
	}
	var loc models.Point
	switch {
	case rr.Source != "":
		p, err := c.places.Lookup(ctx, rr.Source)
		if err != nil {
			return "", err
		}
		loc = p
	case rr.Location != nil:
		loc = *rr.Location
	default:
		return "", fmt.Errorf("%w: source or location is required", ErrInvalid)
	}

	req := models.Request{ID: c.newID(), ClientID: rr.ClientID, Source: rr.Source, Location: loc, CreatedAt: rr.At}
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return ledger.NewRequestBook(tx).Create(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	observability.RequestsCreated.Inc()
	c.log.Info().Str("request_id", string(req.ID)).Str("client_id", string(req.ClientID)).Msg("ride requested")
	return req.ID, nil
}

// Dispatch assigns drivers inside box at the instant at and returns one
// assignment per dispatched request, in dispatch order.
func (c *Coordinator) Dispatch(ctx context.Context, box models.Box, at time.Time) ([]models.Assignment, error) {
	matches, err := c.engine.Dispatch(ctx, box, at)
	if err != nil {
		return nil, err
	}
	out := make([]models.Assignment, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.Assignment{RequestID: m.RequestID, ClientID: m.ClientID, DriverID: m.DriverID, Location: m.Location})
	}
	c.announce(context.WithoutCancel(ctx), out, at)
	return out, nil
}

func (c *Coordinator) announce(ctx context.Context, assignments []models.Assignment, at time.Time) {
	for _, a := range assignments {
		if err := c.notifier.Notify(ctx, a); err != nil {
			observability.NotifyErrors.WithLabelValues("driver").Inc()
			c.log.Warn().Err(err).Str("driver_id", string(a.DriverID)).Str("request_id", string(a.RequestID)).Msg("notify driver")
		}
		if err := c.events.PublishDispatch(ctx, a, at); err != nil {
			observability.NotifyErrors.WithLabelValues("kafka").Inc()
			c.log.Warn().Err(err).Str("request_id", string(a.RequestID)).Msg("publish dispatch event")
		}
	}
}

// RecordPickup reports whether a new pickup was recorded.
func (c *Coordinator) RecordPickup(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error) {
	rec, ok, err := c.pickups.Record(ctx, driverID, clientID, at)
	if err != nil || !ok {
		return ok, err
	}
	if err := c.events.PublishPickup(context.WithoutCancel(ctx), rec, driverID, clientID); err != nil {
		observability.NotifyErrors.WithLabelValues("kafka").Inc()
		c.log.Warn().Err(err).Str("request_id", string(rec.RequestID)).Msg("publish pickup event")
	}
	return true, nil
}

// WasDispatched finds the request driverID was dispatched to for clientID at
// or before before.
func (c *Coordinator) WasDispatched(ctx context.Context, driverID models.DriverID, clientID models.ClientID, before time.Time) (models.RequestID, bool, error) {
	id, _, ok, err := c.LookupDispatch(ctx, driverID, clientID, before)
	return id, ok, err
}

// LookupDispatch is WasDispatched plus the request's current state, read in
// the same transaction.
func (c *Coordinator) LookupDispatch(ctx context.Context, driverID models.DriverID, clientID models.ClientID, before time.Time) (models.RequestID, models.RequestStatus, bool, error) {
	var (
		id models.RequestID
		st models.RequestStatus
	)
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book := ledger.NewRequestBook(tx)
		var err error
		if id, err = book.FindDispatchedRequest(ctx, driverID, clientID, before); err != nil {
			return err
		}
		st, err = book.Status(ctx, id)
		return err
	})
	switch {
	case err == nil:
		return id, st, true, nil
	case errors.Is(err, ledger.ErrNotFound):
		return "", "", false, nil
	default:
		return "", "", false, fmt.Errorf("find dispatch: %w", err)
	}
}

// RequestStatus reports where id is in its lifecycle. Unknown ids yield
// ledger.ErrNotFound.
func (c *Coordinator) RequestStatus(ctx context.Context, id models.RequestID) (models.RequestStatus, error) {
	var st models.RequestStatus
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		st, err = ledger.NewRequestBook(tx).Status(ctx, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("request %s: %w", id, err)
	}
	return st, nil
}
