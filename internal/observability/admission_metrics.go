package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/gridtwin/internal/charging"
)

// AdmissionCollector exposes charging-admission Prometheus metrics.
type AdmissionCollector struct {
	gatherer prometheus.Gatherer

	Events        *prometheus.CounterVec
	OccupiedPorts *prometheus.GaugeVec
	QueueLength   *prometheus.GaugeVec
	StationLoad   *prometheus.GaugeVec
	StationUp     *prometheus.GaugeVec
	SnapshotDrops prometheus.Counter
}

// NewAdmissionCollector registers admission metrics against the provided registerer.
func NewAdmissionCollector(reg prometheus.Registerer) (*AdmissionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charging_events_total",
		Help: "Charging admission events by kind (assigned, queued, promoted, aborted, ...).",
	}, []string{"kind"}), "charging_events_total")
	if err != nil {
		return nil, err
	}

	occupied, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charging_station_occupied_ports",
		Help: "Ports reserved or charging at each station.",
	}, []string{"station"}), "charging_station_occupied_ports")
	if err != nil {
		return nil, err
	}

	queue, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charging_station_queue_length",
		Help: "Requests waiting in each station's priority queue.",
	}, []string{"station"}), "charging_station_queue_length")
	if err != nil {
		return nil, err
	}

	load, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charging_station_load_kw",
		Help: "Power drawn by ports that are actively charging.",
	}, []string{"station"}), "charging_station_load_kw")
	if err != nil {
		return nil, err
	}

	up, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charging_station_up",
		Help: "1 when the station is powered and accepting vehicles.",
	}, []string{"station"}), "charging_station_up")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_writes_dropped_total",
		Help: "Snapshots superseded before the store could persist them.",
	}), "snapshot_writes_dropped_total")
	if err != nil {
		return nil, err
	}

	return &AdmissionCollector{
		gatherer:      gatherer,
		Events:        events,
		OccupiedPorts: occupied,
		QueueLength:   queue,
		StationLoad:   load,
		StationUp:     up,
		SnapshotDrops: drops,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *AdmissionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncEvent counts one admission event.
func (c *AdmissionCollector) IncEvent(kind string) {
	if c == nil || c.Events == nil {
		return
	}
	c.Events.WithLabelValues(kind).Inc()
}

// SetStations refreshes the per-station gauges.
func (c *AdmissionCollector) SetStations(stations []charging.StationStatus) {
	if c == nil {
		return
	}
	for _, st := range stations {
		c.OccupiedPorts.WithLabelValues(st.ID).Set(float64(st.Occupied()))
		c.QueueLength.WithLabelValues(st.ID).Set(float64(st.QueueLength))
		c.StationLoad.WithLabelValues(st.ID).Set(st.LoadKW)
		c.StationUp.WithLabelValues(st.ID).Set(boolGauge(st.Operational))
	}
}

// AddSnapshotDrops adds n superseded snapshots; the writer reports a running
// total, so callers pass the delta since their last report.
func (c *AdmissionCollector) AddSnapshotDrops(n uint64) {
	if c == nil || c.SnapshotDrops == nil || n == 0 {
		return
	}
	c.SnapshotDrops.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
