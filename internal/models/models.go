package models

import "time"

type DriverID string

type ClientID string

type RequestID string

// Point is a location on the flat dispatch plane.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned area given by two opposite corners. Callers are not
// required to order the corners.
type Box struct {
	NW Point `json:"northwest"`
	SE Point `json:"southeast"`
}

type RequestStatus string

const (
	StatusOpen       RequestStatus = "open"
	StatusDispatched RequestStatus = "dispatched"
	StatusPickedUp   RequestStatus = "picked_up"
)

// Request is a client's ride request. Source is the registered place name it
// was resolved from, empty when the caller supplied coordinates directly.
type Request struct {
	ID        RequestID `json:"request_id"`
	ClientID  ClientID  `json:"client_id"`
	Source    string    `json:"source,omitempty"`
	Location  Point     `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

type AvailabilityDeclaration struct {
	DriverID   DriverID  `json:"driver_id"`
	DeclaredAt time.Time `json:"declared_at"`
	Location   Point     `json:"location"`
}

type DispatchRecord struct {
	RequestID    RequestID `json:"request_id"`
	DriverID     DriverID  `json:"driver_id"`
	Location     Point     `json:"location"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type PickupRecord struct {
	RequestID  RequestID `json:"request_id"`
	PickedUpAt time.Time `json:"picked_up_at"`
}

// BilledItem is one row of the external billing aggregate.
type BilledItem struct {
	RequestID RequestID `json:"request_id"`
	Amount    float64   `json:"amount"`
}

type AvailableDriver struct {
	DriverID DriverID `json:"driver_id"`
	Location Point    `json:"location"`
}

type OpenRequest struct {
	RequestID RequestID `json:"request_id"`
	ClientID  ClientID  `json:"client_id"`
	Location  Point     `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment is the caller-facing view of a dispatch record.
type Assignment struct {
	RequestID RequestID `json:"request_id"`
	ClientID  ClientID  `json:"client_id"`
	DriverID  DriverID  `json:"driver_id"`
	Location  Point     `json:"location"`
}
