package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/model"
)

var (
	// ErrIntakeFull indicates the intake queue is saturated; retry later.
	ErrIntakeFull = errors.New("intent intake is full")
	// ErrInvalidIntent indicates a malformed intent.
	ErrInvalidIntent = errors.New("invalid intent")
)

// IntentKind selects the operation an intent performs.
type IntentKind int

const (
	KindFailSubstation IntentKind = iota + 1
	KindRestoreSubstation
	KindFailTransformer
	KindRestoreTransformer
	KindSetSubstationLoad
	KindPreemptSignal
	KindOptimizeZone
	KindRequestCharging
	KindStartCharging
	KindFinishCharging
	KindCancelCharging
	KindVehicleUpdate
)

var kindNames = map[IntentKind]string{
	KindFailSubstation:     "fail_substation",
	KindRestoreSubstation:  "restore_substation",
	KindFailTransformer:    "fail_transformer",
	KindRestoreTransformer: "restore_transformer",
	KindSetSubstationLoad:  "set_substation_load",
	KindPreemptSignal:      "preempt_signal",
	KindOptimizeZone:       "optimize_zone",
	KindRequestCharging:    "request_charging",
	KindStartCharging:      "start_charging",
	KindFinishCharging:     "finish_charging",
	KindCancelCharging:     "cancel_charging",
	KindVehicleUpdate:      "vehicle_update",
}

func (k IntentKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("IntentKind(%d)", int(k))
}

// stage orders intents within a tick: grid faults first, then signal
// control, then admission.
func (k IntentKind) stage() int {
	switch {
	case k <= KindSetSubstationLoad:
		return 0
	case k <= KindOptimizeZone:
		return 1
	default:
		return 2
	}
}

// Intent is a queued request to mutate simulation state. Target names the
// substation, transformer, signal, zone or station the kind refers to.
type Intent struct {
	ID        string
	Kind      IntentKind
	Target    string
	VehicleID string
	LoadMW    float64
	Direction signal.Direction
	Charging  charging.Request
	Vehicles  []model.VehicleSnapshot
}

func FailSubstation(id string) Intent     { return Intent{Kind: KindFailSubstation, Target: id} }
func RestoreSubstation(id string) Intent  { return Intent{Kind: KindRestoreSubstation, Target: id} }
func FailTransformer(id string) Intent    { return Intent{Kind: KindFailTransformer, Target: id} }
func RestoreTransformer(id string) Intent { return Intent{Kind: KindRestoreTransformer, Target: id} }

func SetSubstationLoad(id string, loadMW float64) Intent {
	return Intent{Kind: KindSetSubstationLoad, Target: id, LoadMW: loadMW}
}

func PreemptSignal(id string, d signal.Direction) Intent {
	return Intent{Kind: KindPreemptSignal, Target: id, Direction: d}
}

func OptimizeZone(zone string) Intent { return Intent{Kind: KindOptimizeZone, Target: zone} }

func RequestCharging(req charging.Request) Intent {
	return Intent{Kind: KindRequestCharging, VehicleID: req.VehicleID, Charging: req}
}

func StartCharging(vehicleID, stationID string) Intent {
	return Intent{Kind: KindStartCharging, VehicleID: vehicleID, Target: stationID}
}

func FinishCharging(vehicleID string) Intent {
	return Intent{Kind: KindFinishCharging, VehicleID: vehicleID}
}

func CancelCharging(vehicleID string) Intent {
	return Intent{Kind: KindCancelCharging, VehicleID: vehicleID}
}

func VehicleUpdate(vehicles []model.VehicleSnapshot) Intent {
	return Intent{Kind: KindVehicleUpdate, Vehicles: vehicles}
}

func (in Intent) validate() error {
	switch in.Kind {
	case KindFailSubstation, KindRestoreSubstation, KindFailTransformer, KindRestoreTransformer,
		KindSetSubstationLoad, KindPreemptSignal, KindOptimizeZone:
		if in.Target == "" {
			return fmt.Errorf("%w: %s needs a target", ErrInvalidIntent, in.Kind)
		}
	case KindRequestCharging:
		if in.Charging.VehicleID == "" {
			return fmt.Errorf("%w: %s needs a vehicle id", ErrInvalidIntent, in.Kind)
		}
	case KindStartCharging:
		if in.VehicleID == "" || in.Target == "" {
			return fmt.Errorf("%w: %s needs a vehicle and a station", ErrInvalidIntent, in.Kind)
		}
	case KindFinishCharging, KindCancelCharging:
		if in.VehicleID == "" {
			return fmt.Errorf("%w: %s needs a vehicle id", ErrInvalidIntent, in.Kind)
		}
	case KindVehicleUpdate:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidIntent, int(in.Kind))
	}
	return nil
}

// Result is the outcome of one intent, produced by the tick that applied
// it.
type Result struct {
	IntentID   string
	Kind       IntentKind
	Tick       uint64
	Impact     *fault.Impact
	Assignment *charging.Assignment
	// Changed reports whether a start, finish, cancel or preempt did
	// anything.
	Changed bool
	// Count is the number of signals retimed by OptimizeZone or charging
	// requests raised by a vehicle update.
	Count int
	Err   error
}

// Ticket tracks a submitted intent.
type Ticket struct {
	ID   string
	done chan Result
}

func newTicket(id string) *Ticket { return &Ticket{ID: id, done: make(chan Result, 1)} }

// Done yields exactly one Result and is then closed.
func (t *Ticket) Done() <-chan Result { return t.done }

// Wait blocks until the intent has been applied or ctx ends. The returned
// error is the intent's own error when it was applied.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, r.Err
	case <-ctx.Done():
		return Result{IntentID: t.ID}, ctx.Err()
	}
}

func (t *Ticket) resolve(r Result) {
	t.done <- r
	close(t.done)
}
