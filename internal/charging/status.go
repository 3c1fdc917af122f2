package charging

import (
	"fmt"

	"github.com/signalsfoundry/gridtwin/kb"
)

// PortView is a read-only copy of one port.
type PortView struct {
	Index   int
	PowerKW float64
	State   PortState
	Session *Session
}

// StationStatus reports a station's occupancy and load.
type StationStatus struct {
	ID            string
	Name          string
	TransformerID string
	State         StationState
	Operational   bool
	TotalPorts    int
	FreePorts     int
	ReservedPorts int
	ChargingPorts int
	QueueLength   int
	QueueCapacity int
	// LoadKW sums the ratings of ports that are actively charging.
	LoadKW    float64
	MaxLoadKW float64
	Ports     []PortView
	Queue     []QueuedRequest
}

// Status reports a single station.
func (c *Controller) Status(stationID string) (StationStatus, error) {
	st, ok := c.stations[stationID]
	if !ok {
		return StationStatus{}, fmt.Errorf("%w: %q", kb.ErrStationNotFound, stationID)
	}
	return st.status(), nil
}

// Statuses reports every station, sorted by ID.
func (c *Controller) Statuses() []StationStatus {
	out := make([]StationStatus, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.stations[id].status())
	}
	return out
}

func (s *station) status() StationStatus {
	out := StationStatus{
		ID:            s.def.ID,
		Name:          s.def.Name,
		TransformerID: s.def.TransformerID,
		State:         s.state(),
		Operational:   s.operational,
		TotalPorts:    len(s.ports),
		QueueLength:   s.queue.Len(),
		QueueCapacity: s.def.QueueCapacity,
		MaxLoadKW:     s.def.MaxLoadKW(),
		Ports:         make([]PortView, 0, len(s.ports)),
	}
	for i, p := range s.ports {
		v := PortView{Index: i, PowerKW: p.spec.PowerKW, State: p.state}
		switch p.state {
		case PortFree:
			out.FreePorts++
		case PortReserved:
			out.ReservedPorts++
		case PortCharging:
			out.ChargingPorts++
			out.LoadKW += p.spec.PowerKW
		}
		if p.state != PortFree {
			sess := p.session
			v.Session = &sess
		}
		out.Ports = append(out.Ports, v)
	}
	for _, r := range s.queue.ordered() {
		out.Queue = append(out.Queue, *r)
	}
	return out
}

// Occupied is the number of ports that are reserved or charging.
func (s StationStatus) Occupied() int { return s.ReservedPorts + s.ChargingPorts }
