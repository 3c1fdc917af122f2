// Package charging implements admission control over EV charging ports.
//
// Each station has a fixed set of ports and a bounded priority queue. A
// request is admitted to the station with the lowest expected time to
// plug in; it either reserves a free port immediately or joins a queue.
// Queues are drained only when a port is released.
package charging

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

// TravelEstimator predicts drive time to a station.
type TravelEstimator interface {
	TravelTime(from, to model.Position) time.Duration
}

// Config tunes admission scoring.
type Config struct {
	// ExpectedServiceTime is the wait charged per request ahead in a queue.
	ExpectedServiceTime time.Duration
	// NominalChargeDuration is the fixed penalty for joining any queue.
	NominalChargeDuration time.Duration
	// SessionLength sets a session's expected finish after it starts.
	SessionLength time.Duration
	// LowBatteryThreshold is the state of charge below which requests are
	// promoted to low-battery priority.
	LowBatteryThreshold float64
}

// DefaultConfig returns the scoring used by the daemon.
func DefaultConfig() Config {
	return Config{
		ExpectedServiceTime:   30 * time.Second,
		NominalChargeDuration: 5 * time.Minute,
		SessionLength:         20 * time.Minute,
		LowBatteryThreshold:   0.2,
	}
}

// PortState is the occupancy of a single port.
type PortState int

const (
	PortFree PortState = iota
	PortReserved
	PortCharging
)

func (s PortState) String() string {
	switch s {
	case PortReserved:
		return "reserved"
	case PortCharging:
		return "charging"
	default:
		return "free"
	}
}

// StationState is the admission view of a station.
type StationState int

const (
	StationAvailable StationState = iota
	StationQueueing
	StationFull
	StationOffline
)

func (s StationState) String() string {
	switch s {
	case StationQueueing:
		return "queueing"
	case StationFull:
		return "full"
	case StationOffline:
		return "offline"
	default:
		return "available"
	}
}

type port struct {
	spec    model.PortSpec
	state   PortState
	session Session
}

type station struct {
	def         model.StationDefinition
	ports       []port
	queue       requestQueue
	queued      map[string]*QueuedRequest
	operational bool
}

func (s *station) freePort() int {
	for i := range s.ports {
		if s.ports[i].state == PortFree {
			return i
		}
	}
	return -1
}

func (s *station) state() StationState {
	switch {
	case !s.operational:
		return StationOffline
	case s.freePort() >= 0:
		return StationAvailable
	case s.queue.Len() < s.def.QueueCapacity:
		return StationQueueing
	default:
		return StationFull
	}
}

type holdKind int

const (
	holdReserved holdKind = iota
	holdCharging
	holdQueued
)

type holding struct {
	station string
	kind    holdKind
	port    int
}

// Request asks for a charging slot.
type Request struct {
	VehicleID string
	Soc       float64
	Position  model.Position
	Emergency bool
	// Exclude lists stations the vehicle has already tried.
	Exclude []string
}

// Assignment is the outcome of a successful RequestCharging.
type Assignment struct {
	StationID string
	Immediate bool
	Port      int // -1 when queued
	SessionID string
	Priority  Priority
	// Position is the 1-based queue position for queued assignments.
	Position      int
	EstimatedWait time.Duration
	TravelTime    time.Duration
	Score         time.Duration
}

// Controller owns port occupancy and queues for every station. It is not
// safe for concurrent use; the simulation loop is its only caller.
type Controller struct {
	cfg      Config
	travel   TravelEstimator
	clock    timectrl.SimClock
	log      logging.Logger
	stations map[string]*station
	order    []string
	holdings map[string]holding
	seq      uint64
	events   []Event
}

// NewController creates an empty-port, empty-queue controller for every
// station in topo.
func NewController(topo *kb.Topology, cfg Config, travel TravelEstimator, clock timectrl.SimClock, log logging.Logger) *Controller {
	def := DefaultConfig()
	if cfg.ExpectedServiceTime <= 0 {
		cfg.ExpectedServiceTime = def.ExpectedServiceTime
	}
	if cfg.NominalChargeDuration <= 0 {
		cfg.NominalChargeDuration = def.NominalChargeDuration
	}
	if cfg.SessionLength <= 0 {
		cfg.SessionLength = def.SessionLength
	}
	if cfg.LowBatteryThreshold <= 0 {
		cfg.LowBatteryThreshold = def.LowBatteryThreshold
	}
	c := &Controller{
		cfg:      cfg,
		travel:   travel,
		clock:    clock,
		log:      logging.OrNoop(log).With(logging.String("component", "charging")),
		stations: make(map[string]*station),
		holdings: make(map[string]holding),
	}
	for _, d := range topo.Stations() {
		st := &station{
			def:         d,
			ports:       make([]port, len(d.Ports)),
			queued:      make(map[string]*QueuedRequest),
			operational: true,
		}
		for i, spec := range d.Ports {
			st.ports[i].spec = spec
		}
		c.stations[d.ID] = st
		c.order = append(c.order, d.ID)
	}
	return c
}

// Config returns the effective scoring configuration.
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock.Now()
}

func (c *Controller) emit(e Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.events = append(c.events, e)
}

// DrainEvents returns and clears the events produced since the last call.
func (c *Controller) DrainEvents() []Event {
	out := c.events
	c.events = nil
	return out
}

// RequestCharging admits a vehicle to the station with the lowest score.
// A station with a free port scores its travel time; a station with queue
// room scores travel time plus queue wait plus the nominal charge
// duration; offline, full and excluded stations are skipped. Ties go to
// the lexically smallest station ID.
func (c *Controller) RequestCharging(req Request) (Assignment, error) {
	if req.VehicleID == "" {
		return Assignment{}, fmt.Errorf("%w: empty vehicle id", ErrInvalidRequest)
	}
	if math.IsNaN(req.Soc) || req.Soc < 0 || req.Soc > 1 {
		return Assignment{}, fmt.Errorf("%w: soc %.3f outside [0,1]", ErrInvalidRequest, req.Soc)
	}
	if h, ok := c.holdings[req.VehicleID]; ok {
		return Assignment{}, fmt.Errorf("%w: %q at %q", ErrAlreadyAssigned, req.VehicleID, h.station)
	}

	prio := PriorityFor(req.Soc, req.Emergency, c.cfg.LowBatteryThreshold)
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var (
		best    *station
		bestA   Assignment
		noCap   NoCapacityError
		hasBest bool
	)
	for _, id := range c.order {
		st := c.stations[id]
		if excluded[id] {
			noCap.Excluded = append(noCap.Excluded, id)
			continue
		}
		var a Assignment
		switch st.state() {
		case StationOffline:
			noCap.Offline = append(noCap.Offline, id)
			continue
		case StationFull:
			noCap.Full = append(noCap.Full, id)
			continue
		case StationAvailable:
			a = Assignment{StationID: id, Immediate: true, Port: st.freePort()}
			a.TravelTime = c.travelTime(req.Position, st.def.Position)
			a.Score = a.TravelTime
		case StationQueueing:
			a = Assignment{StationID: id, Port: -1}
			a.Position = st.queue.aheadOf(prio) + 1
			a.EstimatedWait = time.Duration(a.Position) * c.cfg.ExpectedServiceTime
			a.TravelTime = c.travelTime(req.Position, st.def.Position)
			a.Score = a.TravelTime + a.EstimatedWait + c.cfg.NominalChargeDuration
		}
		if !hasBest || a.Score < bestA.Score {
			best, bestA, hasBest = st, a, true
		}
	}
	if !hasBest {
		return Assignment{}, &noCap
	}

	bestA.Priority = prio
	now := c.now()
	if bestA.Immediate {
		bestA.SessionID = c.reserve(best, bestA.Port, req.VehicleID, now)
		c.emit(Event{Kind: EventAssigned, VehicleID: req.VehicleID, StationID: best.def.ID, SessionID: bestA.SessionID, Port: bestA.Port, At: now})
	} else {
		c.seq++
		qr := &QueuedRequest{
			VehicleID:     req.VehicleID,
			Soc:           req.Soc,
			Priority:      prio,
			ArrivalTime:   now,
			StationsTried: append(slices.Clone(req.Exclude), best.def.ID),
			seq:           c.seq,
		}
		best.queue.push(qr)
		best.queued[req.VehicleID] = qr
		c.holdings[req.VehicleID] = holding{station: best.def.ID, kind: holdQueued, port: -1}
		c.emit(Event{Kind: EventQueued, VehicleID: req.VehicleID, StationID: best.def.ID, Port: -1, At: now, EstimatedWait: bestA.EstimatedWait})
	}
	c.log.Debug(context.Background(), "charging request admitted",
		logging.String("vehicle_id", req.VehicleID),
		logging.String("station_id", best.def.ID),
		logging.Bool("immediate", bestA.Immediate),
		logging.String("priority", prio.String()),
		logging.Duration("score", bestA.Score),
	)
	return bestA, nil
}

func (c *Controller) travelTime(from, to model.Position) time.Duration {
	if c.travel == nil {
		return 0
	}
	return c.travel.TravelTime(from, to)
}

func (c *Controller) reserve(st *station, idx int, vehicleID string, now time.Time) string {
	p := &st.ports[idx]
	p.state = PortReserved
	p.session = Session{
		SessionID:  uuid.NewString(),
		VehicleID:  vehicleID,
		StationID:  st.def.ID,
		Port:       idx,
		PowerKW:    p.spec.PowerKW,
		ReservedAt: now,
	}
	c.holdings[vehicleID] = holding{station: st.def.ID, kind: holdReserved, port: idx}
	return p.session.SessionID
}

func (c *Controller) begin(st *station, idx int, vehicleID string, now time.Time) {
	p := &st.ports[idx]
	if p.state != PortReserved || p.session.VehicleID != vehicleID {
		p.session = Session{
			SessionID:  uuid.NewString(),
			VehicleID:  vehicleID,
			StationID:  st.def.ID,
			Port:       idx,
			PowerKW:    p.spec.PowerKW,
			ReservedAt: now,
		}
	}
	p.state = PortCharging
	p.session.Charging = true
	p.session.StartedAt = now
	p.session.ExpectedFinish = now.Add(c.cfg.SessionLength)
	c.holdings[vehicleID] = holding{station: st.def.ID, kind: holdCharging, port: idx}
}

// StartCharging begins a session for a vehicle at a station. A vehicle
// holding a reservation there uses its reserved port; otherwise the first
// free port is taken. It returns false when the station is unknown,
// offline or has no free port, or the vehicle is committed elsewhere.
func (c *Controller) StartCharging(vehicleID, stationID string) bool {
	st, ok := c.stations[stationID]
	if !ok || !st.operational || vehicleID == "" {
		return false
	}
	now := c.now()
	if h, ok := c.holdings[vehicleID]; ok {
		if h.station != stationID {
			return false
		}
		switch h.kind {
		case holdCharging:
			return true
		case holdReserved:
			c.begin(st, h.port, vehicleID, now)
			c.emit(Event{Kind: EventStarted, VehicleID: vehicleID, StationID: stationID, SessionID: st.ports[h.port].session.SessionID, Port: h.port, At: now})
			return true
		case holdQueued:
			idx := st.freePort()
			if idx < 0 {
				return false
			}
			st.queue.remove(st.queued[vehicleID])
			delete(st.queued, vehicleID)
			c.begin(st, idx, vehicleID, now)
			c.emit(Event{Kind: EventStarted, VehicleID: vehicleID, StationID: stationID, SessionID: st.ports[idx].session.SessionID, Port: idx, At: now})
			return true
		}
	}
	idx := st.freePort()
	if idx < 0 {
		return false
	}
	c.begin(st, idx, vehicleID, now)
	c.emit(Event{Kind: EventStarted, VehicleID: vehicleID, StationID: stationID, SessionID: st.ports[idx].session.SessionID, Port: idx, At: now})
	return true
}

// FinishCharging frees the vehicle's port and hands it straight to the
// head of the station's queue. It returns false if the vehicle held no
// port. A reservation that never started is reported as cancelled, not
// completed.
func (c *Controller) FinishCharging(vehicleID string) bool {
	h, ok := c.holdings[vehicleID]
	if !ok || h.kind == holdQueued {
		return false
	}
	st := c.stations[h.station]
	sess := st.ports[h.port].session
	kind := EventCompleted
	if h.kind == holdReserved {
		kind = EventCancelled
	}
	c.release(st, h.port)
	c.emit(Event{Kind: kind, VehicleID: vehicleID, StationID: st.def.ID, SessionID: sess.SessionID, Port: h.port})
	c.promote(st, h.port)
	return true
}

// Cancel withdraws a request that has not started charging. A queued
// request leaves its queue; a reservation frees its port for the queue
// head. It reports whether anything was cancelled.
func (c *Controller) Cancel(vehicleID string) bool {
	h, ok := c.holdings[vehicleID]
	if !ok {
		return false
	}
	st := c.stations[h.station]
	switch h.kind {
	case holdQueued:
		st.queue.remove(st.queued[vehicleID])
		delete(st.queued, vehicleID)
		delete(c.holdings, vehicleID)
		c.emit(Event{Kind: EventCancelled, VehicleID: vehicleID, StationID: st.def.ID, Port: -1})
		return true
	case holdReserved:
		sess := st.ports[h.port].session
		c.release(st, h.port)
		c.emit(Event{Kind: EventCancelled, VehicleID: vehicleID, StationID: st.def.ID, SessionID: sess.SessionID, Port: h.port})
		c.promote(st, h.port)
		return true
	default:
		return false
	}
}

func (c *Controller) release(st *station, idx int) {
	vehicleID := st.ports[idx].session.VehicleID
	st.ports[idx] = port{spec: st.ports[idx].spec}
	delete(c.holdings, vehicleID)
}

func (c *Controller) promote(st *station, idx int) {
	if !st.operational {
		return
	}
	next := st.queue.pop()
	if next == nil {
		return
	}
	delete(st.queued, next.VehicleID)
	now := c.now()
	c.begin(st, idx, next.VehicleID, now)
	c.emit(Event{
		Kind:          EventPromoted,
		VehicleID:     next.VehicleID,
		StationID:     st.def.ID,
		SessionID:     st.ports[idx].session.SessionID,
		Port:          idx,
		At:            now,
		EstimatedWait: now.Sub(next.ArrivalTime),
	})
}

// SetOffline takes a station out of service. Every occupied port is
// force-released and reported aborted, and every queued request is
// discarded and reported rejected. Calling it on an offline station
// returns nothing.
func (c *Controller) SetOffline(stationID string) (aborted []Session, rejected []QueuedRequest, err error) {
	st, ok := c.stations[stationID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", kb.ErrStationNotFound, stationID)
	}
	if !st.operational {
		return nil, nil, nil
	}
	st.operational = false
	now := c.now()
	for i := range st.ports {
		if st.ports[i].state == PortFree {
			continue
		}
		sess := st.ports[i].session
		aborted = append(aborted, sess)
		c.release(st, i)
		c.emit(Event{Kind: EventAborted, VehicleID: sess.VehicleID, StationID: stationID, SessionID: sess.SessionID, Port: i, At: now, Reason: "power lost"})
	}
	for _, r := range st.queue.drain() {
		rejected = append(rejected, *r)
		delete(c.holdings, r.VehicleID)
		c.emit(Event{Kind: EventRejected, VehicleID: r.VehicleID, StationID: stationID, Port: -1, At: now, Reason: "power lost"})
	}
	clear(st.queued)
	return aborted, rejected, nil
}

// SetOnline returns a station to service with every port free and an
// empty queue. It reports whether the station was offline.
func (c *Controller) SetOnline(stationID string) (bool, error) {
	st, ok := c.stations[stationID]
	if !ok {
		return false, fmt.Errorf("%w: %q", kb.ErrStationNotFound, stationID)
	}
	if st.operational {
		return false, nil
	}
	st.operational = true
	return true, nil
}

// Operational reports whether a station is in service.
func (c *Controller) Operational(stationID string) (bool, error) {
	st, ok := c.stations[stationID]
	if !ok {
		return false, fmt.Errorf("%w: %q", kb.ErrStationNotFound, stationID)
	}
	return st.operational, nil
}

// Holding describes what a vehicle currently holds.
type Holding struct {
	StationID string
	Port      int
	Queued    bool
	Charging  bool
}

// HoldingOf reports the vehicle's current reservation, session or queue
// slot, if any.
func (c *Controller) HoldingOf(vehicleID string) (Holding, bool) {
	h, ok := c.holdings[vehicleID]
	if !ok {
		return Holding{}, false
	}
	return Holding{StationID: h.station, Port: h.port, Queued: h.kind == holdQueued, Charging: h.kind == holdCharging}, true
}

// Due lists vehicles whose sessions were expected to finish by now, in
// station and port order.
func (c *Controller) Due(now time.Time) []string {
	var out []string
	for _, id := range c.order {
		for _, p := range c.stations[id].ports {
			if p.state == PortCharging && !p.session.ExpectedFinish.After(now) {
				out = append(out, p.session.VehicleID)
			}
		}
	}
	return out
}
