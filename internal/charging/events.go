package charging

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoCapacity is matched by *NoCapacityError. It is a normal outcome:
	// callers retry later or give up.
	ErrNoCapacity = errors.New("no charging capacity")
	// ErrAlreadyAssigned indicates the vehicle already holds a reservation,
	// session or queue slot.
	ErrAlreadyAssigned = errors.New("vehicle already has a charging assignment")
	// ErrInvalidRequest indicates a malformed charging request.
	ErrInvalidRequest = errors.New("invalid charging request")
)

// NoCapacityError lists why each candidate station was passed over, so a
// retrying caller can exclude Full stations while still considering
// Offline ones that may come back.
type NoCapacityError struct {
	Full     []string
	Offline  []string
	Excluded []string
}

func (e *NoCapacityError) Error() string {
	var b strings.Builder
	b.WriteString(ErrNoCapacity.Error())
	if len(e.Full) > 0 {
		fmt.Fprintf(&b, "; full: %s", strings.Join(e.Full, ","))
	}
	if len(e.Offline) > 0 {
		fmt.Fprintf(&b, "; offline: %s", strings.Join(e.Offline, ","))
	}
	return b.String()
}

func (e *NoCapacityError) Is(target error) bool { return target == ErrNoCapacity }

// EventKind classifies what happened to a vehicle's charging request.
type EventKind int

const (
	// EventAssigned: a port was reserved for the vehicle.
	EventAssigned EventKind = iota
	// EventQueued: the vehicle is waiting in a station queue.
	EventQueued
	// EventStarted: a session began on a port.
	EventStarted
	// EventPromoted: a queued vehicle was moved onto a freed port.
	EventPromoted
	// EventCompleted: the vehicle finished charging normally.
	EventCompleted
	// EventAborted: a reservation or session was cut off by a power loss.
	EventAborted
	// EventRejected: a queued request was discarded by a power loss.
	EventRejected
	// EventCancelled: the vehicle withdrew before charging started.
	EventCancelled
)

var eventNames = [...]string{"assigned", "queued", "started", "promoted", "completed", "aborted", "rejected", "cancelled"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event is one outcome reported to the vehicle model.
type Event struct {
	Kind          EventKind
	VehicleID     string
	StationID     string
	SessionID     string
	Port          int
	At            time.Time
	EstimatedWait time.Duration
	Reason        string
}

// Session describes a port occupancy, reserved or charging.
type Session struct {
	SessionID      string
	VehicleID      string
	StationID      string
	Port           int
	PowerKW        float64
	Charging       bool
	ReservedAt     time.Time
	StartedAt      time.Time
	ExpectedFinish time.Time
}
