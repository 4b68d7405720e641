package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	t0   = time.Date(2016, 3, 15, 11, 0, 0, 0, time.UTC)
	area = models.Box{NW: models.Point{X: 0, Y: 12}, SE: models.Point{X: 12, Y: 0}}
)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func TestCurrentlyAvailable_LatestDeclarationWins(t *testing.T) {
	l := Logs{Declarations: []models.AvailabilityDeclaration{
		{DriverID: "d1", DeclaredAt: at(0), Location: models.Point{X: 1, Y: 1}},
		{DriverID: "d1", DeclaredAt: at(5), Location: models.Point{X: 30, Y: 30}},
		{DriverID: "d2", DeclaredAt: at(5), Location: models.Point{X: 30, Y: 30}},
		{DriverID: "d2", DeclaredAt: at(6), Location: models.Point{X: 2, Y: 2}},
	}}

	got := l.CurrentlyAvailable(area, at(10))
	require.Len(t, got, 1)
	assert.Equal(t, models.DriverID("d2"), got[0].DriverID)

	// before d1 moved out of the area
	got = l.CurrentlyAvailable(area, at(1))
	require.Len(t, got, 1)
	assert.Equal(t, models.DriverID("d1"), got[0].DriverID)
}

func TestCurrentlyAvailable_DispatchSupersedesUntilRedeclared(t *testing.T) {
	l := Logs{
		Declarations: []models.AvailabilityDeclaration{
			{DriverID: "d1", DeclaredAt: at(0), Location: models.Point{X: 1, Y: 1}},
		},
		Dispatches: []models.DispatchRecord{
			{RequestID: "r1", DriverID: "d1", DispatchedAt: at(3)},
		},
	}
	assert.Len(t, l.CurrentlyAvailable(area, at(2)), 1, "dispatch after as_of is ignored")
	assert.Empty(t, l.CurrentlyAvailable(area, at(3)))
	assert.Empty(t, l.CurrentlyAvailable(area, at(9)))

	l.Declarations = append(l.Declarations, models.AvailabilityDeclaration{DriverID: "d1", DeclaredAt: at(10), Location: models.Point{X: 4, Y: 4}})
	got := l.CurrentlyAvailable(area, at(11))
	require.Len(t, got, 1)
	assert.Equal(t, models.Point{X: 4, Y: 4}, got[0].Location)
}

func TestCurrentlyAvailable_SortedByDriver(t *testing.T) {
	l := Logs{Declarations: []models.AvailabilityDeclaration{
		{DriverID: "d3", DeclaredAt: at(0), Location: models.Point{X: 1, Y: 1}},
		{DriverID: "d1", DeclaredAt: at(0), Location: models.Point{X: 1, Y: 1}},
		{DriverID: "d2", DeclaredAt: at(0), Location: models.Point{X: 1, Y: 1}},
	}}
	got := l.CurrentlyAvailable(area, at(1))
	require.Len(t, got, 3)
	assert.Equal(t, []models.DriverID{"d1", "d2", "d3"}, []models.DriverID{got[0].DriverID, got[1].DriverID, got[2].DriverID})
}

func TestOpenRequestsIn(t *testing.T) {
	l := Logs{
		Requests: []models.Request{
			{ID: "r3", ClientID: "c3", Location: models.Point{X: 5, Y: 5}, CreatedAt: at(2)},
			{ID: "r1", ClientID: "c1", Location: models.Point{X: 1, Y: 1}, CreatedAt: at(0)},
			{ID: "r2", ClientID: "c2", Location: models.Point{X: 50, Y: 1}, CreatedAt: at(0)},
			{ID: "r4", ClientID: "c4", Location: models.Point{X: 12, Y: 12}, CreatedAt: at(1)},
			{ID: "r5", ClientID: "c5", Location: models.Point{X: 3, Y: 3}, CreatedAt: at(20)},
			{ID: "r6", ClientID: "c6", Location: models.Point{X: 3, Y: 3}, CreatedAt: at(0)},
		},
		Dispatches: []models.DispatchRecord{{RequestID: "r6", DriverID: "d1", DispatchedAt: at(1)}},
	}
	got := l.OpenRequestsIn(area, at(10))
	ids := make([]models.RequestID, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.RequestID)
	}
	assert.Equal(t, []models.RequestID{"r1", "r4", "r3"}, ids)
}

func TestFindDispatchedRequest(t *testing.T) {
	l := Logs{
		Requests: []models.Request{
			{ID: "r1", ClientID: "c1", CreatedAt: at(0)},
			{ID: "r2", ClientID: "c1", CreatedAt: at(1)},
			{ID: "r3", ClientID: "c2", CreatedAt: at(1)},
		},
		Dispatches: []models.DispatchRecord{
			{RequestID: "r1", DriverID: "d1", DispatchedAt: at(2)},
			{RequestID: "r2", DriverID: "d1", DispatchedAt: at(8)},
			{RequestID: "r3", DriverID: "d1", DispatchedAt: at(3)},
		},
		Pickups: []models.PickupRecord{{RequestID: "r1", PickedUpAt: at(5)}},
	}

	_, ok := l.FindDispatchedRequest("d1", "c1", at(1))
	assert.False(t, ok)

	id, ok := l.FindDispatchedRequest("d1", "c1", at(6))
	require.True(t, ok)
	assert.Equal(t, models.RequestID("r1"), id, "only r1 qualifies before r2 was dispatched")

	id, ok = l.FindDispatchedRequest("d1", "c1", at(9))
	require.True(t, ok)
	assert.Equal(t, models.RequestID("r2"), id, "unpicked dispatch preferred")

	_, ok = l.FindDispatchedRequest("d2", "c1", at(9))
	assert.False(t, ok)
}

func TestHasPickup(t *testing.T) {
	l := Logs{
		Requests:   []models.Request{{ID: "r1", ClientID: "c1"}},
		Dispatches: []models.DispatchRecord{{RequestID: "r1", DriverID: "d1", DispatchedAt: at(1)}},
		Pickups:    []models.PickupRecord{{RequestID: "r1", PickedUpAt: at(4)}},
	}
	assert.True(t, l.HasPickup("d1", "c1", at(4)))
	assert.False(t, l.HasPickup("d1", "c1", at(5)))
	assert.False(t, l.HasPickup("d2", "c1", at(4)))
	assert.False(t, l.HasPickup("d1", "c2", at(4)))
}

func TestBillingTotals(t *testing.T) {
	l := Logs{
		Requests: []models.Request{{ID: "r1", ClientID: "c1"}, {ID: "r2", ClientID: "c1"}, {ID: "r3", ClientID: "c2"}},
		Billed:   []models.BilledItem{{RequestID: "r1", Amount: 20}, {RequestID: "r2", Amount: 30}, {RequestID: "r3", Amount: 100}},
	}
	got := l.BillingTotals([]models.ClientID{"c1", "c9"})
	assert.Equal(t, map[models.ClientID]float64{"c1": 50}, got)
}

func TestForkDoesNotLeakAppends(t *testing.T) {
	base := Logs{Dispatches: make([]models.DispatchRecord, 1, 8)}
	f := base.Fork()
	f.Dispatches = append(f.Dispatches, models.DispatchRecord{RequestID: "x"})
	g := base.Fork()
	g.Dispatches = append(g.Dispatches, models.DispatchRecord{RequestID: "y"})
	assert.Equal(t, models.RequestID("x"), f.Dispatches[1].RequestID)
	assert.Len(t, base.Dispatches, 1)
}

func TestStatus(t *testing.T) {
	l := Logs{
		Requests:   []models.Request{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
		Dispatches: []models.DispatchRecord{{RequestID: "r2"}, {RequestID: "r3"}},
		Pickups:    []models.PickupRecord{{RequestID: "r3"}},
	}
	assert.Equal(t, models.StatusOpen, l.Status("r1"))
	assert.Equal(t, models.StatusDispatched, l.Status("r2"))
	assert.Equal(t, models.StatusPickedUp, l.Status("r3"))
}

func TestDriverAvailable(t *testing.T) {
	l := Logs{
		Declarations: []models.AvailabilityDeclaration{{DriverID: "d1", DeclaredAt: at(0)}},
		Dispatches:   []models.DispatchRecord{{RequestID: "r1", DriverID: "d1", DispatchedAt: at(5)}},
	}
	assert.False(t, l.DriverAvailable("d2", at(1)))
	assert.True(t, l.DriverAvailable("d1", at(1)))
	assert.False(t, l.DriverAvailable("d1", at(5)))
}
