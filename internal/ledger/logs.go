// Package ledger holds the bookkeeping rules that derive driver availability
// and request state from the append-only dispatch logs.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("no matching dispatch")

// Logs is a snapshot of the append-only logs. Stores that keep the logs in
// memory evaluate queries through it; SQL stores express the same rules in
// their queries.
type Logs struct {
	Requests     []models.Request
	Declarations []models.AvailabilityDeclaration
	Dispatches   []models.DispatchRecord
	Pickups      []models.PickupRecord
	Billed       []models.BilledItem
}

// Fork returns a view that shares the committed entries but never writes into
// their backing arrays, so appends to the fork stay private to it.
func (l Logs) Fork() Logs {
	return Logs{
		Requests:     l.Requests[:len(l.Requests):len(l.Requests)],
		Declarations: l.Declarations[:len(l.Declarations):len(l.Declarations)],
		Dispatches:   l.Dispatches[:len(l.Dispatches):len(l.Dispatches)],
		Pickups:      l.Pickups[:len(l.Pickups):len(l.Pickups)],
		Billed:       l.Billed[:len(l.Billed):len(l.Billed)],
	}
}

// CurrentlyAvailable returns drivers whose latest declaration at or before
// asOf lies in box and has not been superseded by a dispatch of that driver
// in [declaredAt, asOf]. The result is ordered by driver id.
func (l Logs) CurrentlyAvailable(box models.Box, asOf time.Time) []models.AvailableDriver {
	latest := make(map[models.DriverID]models.AvailabilityDeclaration)
	for _, d := range l.Declarations {
		if d.DeclaredAt.After(asOf) {
			continue
		}
		if prev, ok := latest[d.DriverID]; !ok || !d.DeclaredAt.Before(prev.DeclaredAt) {
			latest[d.DriverID] = d
		}
	}
	for _, rec := range l.Dispatches {
		d, ok := latest[rec.DriverID]
		if !ok {
			continue
		}
		if !rec.DispatchedAt.Before(d.DeclaredAt) && !rec.DispatchedAt.After(asOf) {
			delete(latest, rec.DriverID)
		}
	}
	out := make([]models.AvailableDriver, 0, len(latest))
	for id, d := range latest {
		if geo.Contains(box, d.Location) {
			out = append(out, models.AvailableDriver{DriverID: id, Location: d.Location})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// DriverAvailable reports whether driverID has a declaration at or before
// asOf that no dispatch in [declaredAt, asOf] has superseded. Location is
// not considered.
func (l Logs) DriverAvailable(driverID models.DriverID, asOf time.Time) bool {
	var latest *models.AvailabilityDeclaration
	for i := range l.Declarations {
		d := &l.Declarations[i]
		if d.DriverID != driverID || d.DeclaredAt.After(asOf) {
			continue
		}
		if latest == nil || !d.DeclaredAt.Before(latest.DeclaredAt) {
			latest = d
		}
	}
	if latest == nil {
		return false
	}
	for _, rec := range l.Dispatches {
		if rec.DriverID == driverID && !rec.DispatchedAt.Before(latest.DeclaredAt) && !rec.DispatchedAt.After(asOf) {
			return false
		}
	}
	return true
}

// OpenRequestsIn returns requests created at or before asOf whose source lies
// in box and that have neither been dispatched nor picked up. Ordered by
// creation time, then request id.
func (l Logs) OpenRequestsIn(box models.Box, asOf time.Time) []models.OpenRequest {
	closed := make(map[models.RequestID]bool, len(l.Dispatches)+len(l.Pickups))
	for _, d := range l.Dispatches {
		closed[d.RequestID] = true
	}
	for _, p := range l.Pickups {
		closed[p.RequestID] = true
	}
	var out []models.OpenRequest
	for _, r := range l.Requests {
		if closed[r.ID] || r.CreatedAt.After(asOf) || !geo.Contains(box, r.Location) {
			continue
		}
		out = append(out, models.OpenRequest{RequestID: r.ID, ClientID: r.ClientID, Location: r.Location, CreatedAt: r.CreatedAt})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// FindDispatchedRequest finds a dispatch of driverID to a request of clientID
// made no later than notAfter. Requests still awaiting pickup win over
// picked-up ones; within each group the earliest dispatch wins.
func (l Logs) FindDispatchedRequest(driverID models.DriverID, clientID models.ClientID, notAfter time.Time) (models.RequestID, bool) {
	owner := l.owners()
	picked := l.pickedUp()
	var best *models.DispatchRecord
	bestPicked := true
	for i := range l.Dispatches {
		d := &l.Dispatches[i]
		if d.DriverID != driverID || owner[d.RequestID] != clientID || d.DispatchedAt.After(notAfter) {
			continue
		}
		p := picked[d.RequestID]
		switch {
		case best == nil,
			bestPicked && !p,
			bestPicked == p && d.DispatchedAt.Before(best.DispatchedAt):
			best, bestPicked = d, p
		}
	}
	if best == nil {
		return "", false
	}
	return best.RequestID, true
}

// HasPickup reports whether a pickup at exactly at exists for a request of
// clientID that was dispatched to driverID.
func (l Logs) HasPickup(driverID models.DriverID, clientID models.ClientID, at time.Time) bool {
	owner := l.owners()
	driver := make(map[models.RequestID]models.DriverID, len(l.Dispatches))
	for _, d := range l.Dispatches {
		driver[d.RequestID] = d.DriverID
	}
	for _, p := range l.Pickups {
		if p.PickedUpAt.Equal(at) && driver[p.RequestID] == driverID && owner[p.RequestID] == clientID {
			return true
		}
	}
	return false
}

// BillingTotals sums billed amounts per client for the given clients. Clients
// without billed rows are absent from the result.
func (l Logs) BillingTotals(clients []models.ClientID) map[models.ClientID]float64 {
	want := make(map[models.ClientID]bool, len(clients))
	for _, c := range clients {
		want[c] = true
	}
	owner := l.owners()
	out := make(map[models.ClientID]float64)
	for _, b := range l.Billed {
		if c, ok := owner[b.RequestID]; ok && want[c] {
			out[c] += b.Amount
		}
	}
	return out
}

func (l Logs) Request(id models.RequestID) (models.Request, bool) {
	for _, r := range l.Requests {
		if r.ID == id {
			return r, true
		}
	}
	return models.Request{}, false
}

func (l Logs) Dispatch(id models.RequestID) (models.DispatchRecord, bool) {
	for _, d := range l.Dispatches {
		if d.RequestID == id {
			return d, true
		}
	}
	return models.DispatchRecord{}, false
}

func (l Logs) Pickup(id models.RequestID) (models.PickupRecord, bool) {
	for _, p := range l.Pickups {
		if p.RequestID == id {
			return p, true
		}
	}
	return models.PickupRecord{}, false
}

// Status derives the request state from the logs.
func (l Logs) Status(id models.RequestID) models.RequestStatus {
	if _, ok := l.Pickup(id); ok {
		return models.StatusPickedUp
	}
	if _, ok := l.Dispatch(id); ok {
		return models.StatusDispatched
	}
	return models.StatusOpen
}

func (l Logs) owners() map[models.RequestID]models.ClientID {
	m := make(map[models.RequestID]models.ClientID, len(l.Requests))
	for _, r := range l.Requests {
		m[r.ID] = r.ClientID
	}
	return m
}

func (l Logs) pickedUp() map[models.RequestID]bool {
	m := make(map[models.RequestID]bool, len(l.Pickups))
	for _, p := range l.Pickups {
		m[p.RequestID] = true
	}
	return m
}
