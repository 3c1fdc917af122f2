package state

import (
	"time"

	"github.com/samber/lo"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/signal"
)

// Snapshot is an immutable copy of simulation state taken at the end of a
// tick. Readers must not modify it.
type Snapshot struct {
	Tick         uint64                   `json:"tick"`
	Time         time.Time                `json:"time"`
	Period       string                   `json:"period"`
	LoadFactor   float64                  `json:"load_factor"`
	Substations  []SubstationView         `json:"substations"`
	Transformers []fault.TransformerState `json:"transformers"`
	Cables       []fault.Cable            `json:"cables"`
	Signals      []signal.View            `json:"signals"`
	SignalStats  signal.Stats             `json:"signal_stats"`
	Stations     []charging.StationStatus `json:"stations"`
	Pending      int                      `json:"pending_intents"`
}

// SubstationView adds the time-of-day projection to a substation's state.
type SubstationView struct {
	fault.SubstationState
	ProjectedLoadMW float64 `json:"projected_load_mw"`
}

// Substation finds a substation by ID.
func (s *Snapshot) Substation(id string) (SubstationView, bool) {
	return lo.Find(s.Substations, func(v SubstationView) bool { return v.ID == id })
}

// Signal finds a signal by ID.
func (s *Snapshot) Signal(id string) (signal.View, bool) {
	return lo.Find(s.Signals, func(v signal.View) bool { return v.ID == id })
}

// Station finds a station by ID.
func (s *Snapshot) Station(id string) (charging.StationStatus, bool) {
	return lo.Find(s.Stations, func(v charging.StationStatus) bool { return v.ID == id })
}

// ChargingLoadKW sums the live load of every station.
func (s *Snapshot) ChargingLoadKW() float64 {
	return lo.SumBy(s.Stations, func(v charging.StationStatus) float64 { return v.LoadKW })
}

func (e *Engine) buildSnapshot(now time.Time) *Snapshot {
	factor := core.LoadFactor(now)
	subs := lo.Map(e.faults.Substations(), func(st fault.SubstationState, _ int) SubstationView {
		v := SubstationView{SubstationState: st}
		if st.Operational {
			v.ProjectedLoadMW = st.LoadMW * factor
		}
		return v
	})
	return &Snapshot{
		Tick:         e.tick,
		Time:         now,
		Period:       core.PeriodAt(now).String(),
		LoadFactor:   factor,
		Substations:  subs,
		Transformers: e.faults.Transformers(),
		Cables:       e.faults.Cables(),
		Signals:      e.signals.Views(),
		SignalStats:  e.signals.Stats(),
		Stations:     e.charging.Statuses(),
		Pending:      len(e.intake),
	}
}
