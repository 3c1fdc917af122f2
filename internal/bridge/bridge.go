// Package bridge carries commands to and observations from the external
// traffic and power-flow simulators. Publishing never blocks the caller on
// a reply; results come back later through the subscription side.
package bridge

import (
	"context"
	"time"

	"github.com/signalsfoundry/gridtwin/model"
)

// SignalCommand sets one intersection's heads in the traffic simulator.
type SignalCommand struct {
	SignalID string `json:"signal_id"`
	Phase    string `json:"phase"`
	// State is the right-of-way string, one character per lane group.
	State string `json:"state"`
	Color string `json:"color"`
}

// SignalFrame is the per-tick batch of signal commands.
type SignalFrame struct {
	Tick     uint64          `json:"tick"`
	At       time.Time       `json:"at"`
	Commands []SignalCommand `json:"commands"`
}

// AssignmentCommand routes a vehicle to a charging station.
type AssignmentCommand struct {
	VehicleID            string  `json:"vehicle_id"`
	StationID            string  `json:"station_id"`
	TargetEdge           string  `json:"target_edge"`
	Immediate            bool    `json:"immediate"`
	Port                 int     `json:"port"`
	QueuePosition        int     `json:"queue_position,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_s"`
}

// ChargingNotice reports the end of a vehicle's charging attempt. Kind is
// "completed", "aborted", "rejected" or "cancelled".
type ChargingNotice struct {
	VehicleID string    `json:"vehicle_id"`
	StationID string    `json:"station_id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// SubstationStatus is one solver result from the power-flow simulator.
type SubstationStatus struct {
	ID          string   `json:"id"`
	Operational bool     `json:"operational"`
	LoadMW      *float64 `json:"load_mw,omitempty"`
}

// VehicleBatch is one traffic-simulator frame of vehicle state.
type VehicleBatch struct {
	At       time.Time               `json:"at"`
	Vehicles []model.VehicleSnapshot `json:"vehicles"`
}

// TrafficSink receives commands for the traffic simulator.
type TrafficSink interface {
	PublishSignals(ctx context.Context, frame SignalFrame) error
	PublishAssignment(ctx context.Context, cmd AssignmentCommand) error
	PublishNotice(ctx context.Context, n ChargingNotice) error
}

// PowerFlowSource delivers substation status from the power-flow solver.
// The callback runs on the source's goroutine; the subscription ends when
// ctx is done.
type PowerFlowSource interface {
	SubscribePowerFlow(ctx context.Context, fn func(SubstationStatus)) error
}

// VehicleSource delivers vehicle frames from the traffic simulator.
type VehicleSource interface {
	SubscribeVehicles(ctx context.Context, fn func(VehicleBatch)) error
}

// NoopTraffic discards every command and never reports vehicles.
type NoopTraffic struct{}

func (NoopTraffic) PublishSignals(context.Context, SignalFrame) error           { return nil }
func (NoopTraffic) PublishAssignment(context.Context, AssignmentCommand) error  { return nil }
func (NoopTraffic) PublishNotice(context.Context, ChargingNotice) error         { return nil }
func (NoopTraffic) SubscribeVehicles(context.Context, func(VehicleBatch)) error { return nil }

// NoopPowerFlow never reports.
type NoopPowerFlow struct{}

func (NoopPowerFlow) SubscribePowerFlow(context.Context, func(SubstationStatus)) error { return nil }
