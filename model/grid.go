package model

import "time"

// Position is a WGS84 coordinate in decimal degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Substation is the root of the electrical hierarchy. Each substation
// feeds one or more transformers.
type Substation struct {
	ID           string
	Name         string
	CapacityMVA  float64
	LoadMW       float64
	CoverageArea string
	Position     Position
}

// Transformer steps voltage down for the loads on one distribution
// feeder. It is owned by exactly one substation.
type Transformer struct {
	ID           string
	SubstationID string
	CapacityKVA  float64
	LoadKW       float64
	Position     Position
}

// LoadKind discriminates the dependent loads attached to a transformer.
type LoadKind int

const (
	LoadSignal LoadKind = iota
	LoadStation
)

func (k LoadKind) String() string {
	switch k {
	case LoadSignal:
		return "signal"
	case LoadStation:
		return "station"
	default:
		return "unknown"
	}
}

// LoadRef identifies a dependent load without carrying its details.
type LoadRef struct {
	ID   string
	Kind LoadKind
}

// SignalTiming holds the phase durations of one intersection controller.
// NS and EW yellow are kept separate even though most plans use the same
// value for both.
type SignalTiming struct {
	GreenNS  time.Duration
	YellowNS time.Duration
	GreenEW  time.Duration
	YellowEW time.Duration
	AllRed   time.Duration
}

// CycleLength is the time needed to serve both directions once, including
// both clearance intervals.
func (t SignalTiming) CycleLength() time.Duration {
	return t.GreenNS + t.YellowNS + t.AllRed + t.GreenEW + t.YellowEW + t.AllRed
}

// SignalDefinition is the static description of a signalised intersection.
type SignalDefinition struct {
	ID            string
	Intersection  string
	Avenue        string
	Street        int // 0 when the cross street is not numbered
	TransformerID string
	Zone          string
	Offset        time.Duration
	Timing        SignalTiming
	BatteryBackup bool
	PowerKW       float64
	// InitialPhase is the canonical start phase name, e.g. "NS_GREEN". Empty
	// means the controller derives it.
	InitialPhase string
	Position     Position
}

// PortSpec describes one charging connector.
type PortSpec struct {
	PowerKW float64
}

// StationDefinition is the static description of an EV charging station.
type StationDefinition struct {
	ID            string
	Name          string
	TransformerID string
	Ports         []PortSpec
	QueueCapacity int
	Position      Position
	// Edge is the road edge vehicles are routed to; empty means the station
	// ID doubles as the edge.
	Edge string
}

// TargetEdge is the road edge a vehicle is routed to for this station.
func (s StationDefinition) TargetEdge() string {
	if s.Edge != "" {
		return s.Edge
	}
	return s.ID
}

// MaxLoadKW is the load drawn when every port is charging.
func (s StationDefinition) MaxLoadKW() float64 {
	total := 0.0
	for _, p := range s.Ports {
		total += p.PowerKW
	}
	return total
}

// VehicleSnapshot is the subset of vehicle state reported by the traffic
// simulator that the coordinator consumes.
type VehicleSnapshot struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Edge     string   `json:"edge,omitempty"`
	Soc      float64  `json:"soc"`
	IsEV     bool     `json:"is_ev"`
}
