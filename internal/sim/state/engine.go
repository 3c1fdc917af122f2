// Package state owns every piece of mutable simulation state and applies
// changes to it from a single tick loop.
//
// External callers never touch the controllers directly. They Submit
// intents onto one bounded intake queue; each tick advances the signals,
// drains the intake, applies grid faults before signal control and signal
// control before charging admission, then publishes commands and stores an
// immutable Snapshot for readers.
package state

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

const tracerName = "github.com/signalsfoundry/gridtwin/internal/sim/state"

// DefaultIntakeCapacity bounds the intake queue when Config leaves it zero.
const DefaultIntakeCapacity = 1024

// MetricsRecorder receives per-tick measurements.
type MetricsRecorder interface {
	ObserveTick(d time.Duration, intents int)
	IntentHandled(kind, outcome string)
	ChargingEvent(kind string)
	RecordSnapshot(s *Snapshot)
}

// SnapshotSink receives every snapshot. It is called on the tick
// goroutine and must not block.
type SnapshotSink interface {
	Offer(s *Snapshot)
}

// Config tunes the engine.
type Config struct {
	IntakeCapacity int
	Charging       charging.Config
	Travel         charging.TravelEstimator
	MinGreen       time.Duration
	// LaneGroups is the width of right-of-way strings sent to the traffic
	// simulator.
	LaneGroups int
	// FollowTimeOfDay swaps signal timing plans when the period changes.
	FollowTimeOfDay bool
	// AutoCharge raises a charging request for any EV in a vehicle update
	// whose state of charge is under the charging threshold.
	AutoCharge bool
	// AutoFinish completes sessions once their expected finish has passed.
	AutoFinish bool
}

type pending struct {
	intent    Intent
	ticket    *Ticket
	requestID string
}

// Engine is the single writer for faults, signals and charging.
type Engine struct {
	cfg   Config
	topo  *kb.Topology
	clock timectrl.SimClock

	faults   *fault.Engine
	signals  *signal.Controller
	charging *charging.Controller

	traffic bridge.TrafficSink
	sinks   []SnapshotSink
	metrics MetricsRecorder
	log     logging.Logger
	tracer  trace.Tracer

	intake   chan pending
	snapshot atomic.Pointer[Snapshot]

	tick     uint64
	last     time.Time
	period   core.Period
	vehicles map[string]model.VehicleSnapshot
}

// Option customises an Engine.
type Option func(*Engine)

// WithTraffic sets the traffic simulator command sink.
func WithTraffic(t bridge.TrafficSink) Option {
	return func(e *Engine) {
		if t != nil {
			e.traffic = t
		}
	}
}

// WithSnapshotSink adds a consumer of per-tick snapshots.
func WithSnapshotSink(s SnapshotSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds the controllers for topo and stores the initial
// snapshot.
func NewEngine(topo *kb.Topology, clock timectrl.SimClock, cfg Config, opts ...Option) (*Engine, error) {
	if topo == nil {
		return nil, errors.New("topology is nil")
	}
	if clock == nil {
		return nil, errors.New("clock is nil")
	}
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = DefaultIntakeCapacity
	}
	if cfg.LaneGroups <= 0 {
		cfg.LaneGroups = 4
	}
	if cfg.Travel == nil {
		cfg.Travel = core.DefaultTravelEstimator()
	}

	e := &Engine{
		cfg:      cfg,
		topo:     topo,
		clock:    clock,
		traffic:  bridge.NoopTraffic{},
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
		intake:   make(chan pending, cfg.IntakeCapacity),
		vehicles: make(map[string]model.VehicleSnapshot),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	e.log = logging.OrNoop(e.log).With(logging.String("component", "engine"))

	sigOpts := []signal.Option{signal.WithLogger(e.log)}
	if cfg.MinGreen > 0 {
		sigOpts = append(sigOpts, signal.WithMinGreen(cfg.MinGreen))
	}
	sig, err := signal.NewController(topo, sigOpts...)
	if err != nil {
		return nil, err
	}
	e.signals = sig
	e.charging = charging.NewController(topo, cfg.Charging, cfg.Travel, clock, e.log)
	e.faults = fault.NewEngine(topo, e.signals, e.charging, e.log)

	e.last = clock.Now()
	e.period = core.PeriodAt(e.last)
	if cfg.FollowTimeOfDay {
		e.signals.ApplyPeriod(e.period)
	}
	e.snapshot.Store(e.buildSnapshot(e.last))
	return e, nil
}

// Topology returns the shared read-only topology.
func (e *Engine) Topology() *kb.Topology { return e.topo }

// Snapshot returns the state captured at the end of the last tick. The
// value is never mutated after publication.
func (e *Engine) Snapshot() *Snapshot { return e.snapshot.Load() }

// Pending reports how many intents are waiting for the next tick.
func (e *Engine) Pending() int { return len(e.intake) }

// Submit queues an intent for the next tick. It never blocks: a saturated
// intake returns ErrIntakeFull.
func (e *Engine) Submit(ctx context.Context, in Intent) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	t := newTicket(in.ID)
	select {
	case e.intake <- pending{intent: in, ticket: t, requestID: logging.RequestIDFromContext(ctx)}:
		return t, nil
	default:
		if e.metrics != nil {
			e.metrics.IntentHandled(in.Kind.String(), "rejected")
		}
		return nil, ErrIntakeFull
	}
}

// Do submits an intent and waits for its result.
func (e *Engine) Do(ctx context.Context, in Intent) (Result, error) {
	t, err := e.Submit(ctx, in)
	if err != nil {
		return Result{IntentID: in.ID, Kind: in.Kind, Err: err}, err
	}
	return t.Wait(ctx)
}

// Attach registers the engine as a listener on tc so every clock step runs
// one tick.
func (e *Engine) Attach(ctx context.Context, tc *timectrl.TimeController) {
	tc.AddListener(func(now time.Time) { e.Tick(ctx, now) })
}

// Tick runs one simulation step ending at now and returns the resulting
// snapshot.
func (e *Engine) Tick(ctx context.Context, now time.Time) *Snapshot {
	started := time.Now()
	e.tick++
	ctx = logging.ContextWithSimTime(ctx, now)
	ctx, span := e.tracer.Start(ctx, "grid.tick", trace.WithAttributes(
		attribute.Int64("grid.tick", int64(e.tick)),
	))
	defer span.End()

	dt := now.Sub(e.last)
	if dt < 0 {
		dt = 0
	}
	e.last = now

	if e.cfg.FollowTimeOfDay {
		if p := core.PeriodAt(now); p != e.period {
			e.signals.ApplyPeriod(p)
			e.log.Info(ctx, "timing period changed",
				logging.String("from", e.period.String()),
				logging.String("to", p.String()),
			)
			e.period = p
		}
	}
	e.signals.Tick(dt)

	batch := e.drain()
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].intent.Kind.stage() < batch[j].intent.Kind.stage()
	})
	for _, p := range batch {
		e.handle(ctx, p)
	}
	if e.cfg.AutoFinish {
		for _, v := range e.charging.Due(now) {
			e.charging.FinishCharging(v)
		}
	}

	e.publishCharging(ctx, e.charging.DrainEvents())
	e.publishSignals(ctx, now)

	snap := e.buildSnapshot(now)
	e.snapshot.Store(snap)
	for _, s := range e.sinks {
		s.Offer(snap)
	}
	span.SetAttributes(attribute.Int("grid.intents", len(batch)))
	if e.metrics != nil {
		e.metrics.RecordSnapshot(snap)
		e.metrics.ObserveTick(time.Since(started), len(batch))
	}
	return snap
}

// drain takes the intents present at the start of the tick; anything
// submitted meanwhile waits for the next one.
func (e *Engine) drain() []pending {
	n := len(e.intake)
	out := make([]pending, 0, n)
	for range n {
		select {
		case p := <-e.intake:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

func (e *Engine) handle(ctx context.Context, p pending) {
	if p.requestID != "" {
		ctx = logging.ContextWithRequestID(ctx, p.requestID)
	}
	ctx, span := e.tracer.Start(ctx, "grid.intent", trace.WithAttributes(
		attribute.String("grid.intent.id", p.intent.ID),
		attribute.String("grid.intent.kind", p.intent.Kind.String()),
	))
	res := e.apply(ctx, p.intent)
	res.IntentID = p.intent.ID
	res.Kind = p.intent.Kind
	res.Tick = e.tick

	outcome := "ok"
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, charging.ErrNoCapacity):
		outcome = "no_capacity"
	default:
		outcome = "error"
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		e.log.Warn(ctx, "intent failed",
			logging.String("intent_id", p.intent.ID),
			logging.String("kind", p.intent.Kind.String()),
			logging.Err(res.Err),
		)
	}
	span.End()
	if e.metrics != nil {
		e.metrics.IntentHandled(p.intent.Kind.String(), outcome)
	}
	p.ticket.resolve(res)
}

func (e *Engine) apply(ctx context.Context, in Intent) Result {
	var r Result
	impact := func(imp fault.Impact, err error) {
		if err == nil || imp.Changed {
			r.Impact = &imp
		}
		r.Err = err
	}
	switch in.Kind {
	case KindFailSubstation:
		impact(e.faults.FailSubstation(ctx, in.Target))
	case KindRestoreSubstation:
		impact(e.faults.RestoreSubstation(ctx, in.Target))
	case KindFailTransformer:
		impact(e.faults.FailTransformer(ctx, in.Target))
	case KindRestoreTransformer:
		impact(e.faults.RestoreTransformer(ctx, in.Target))
	case KindSetSubstationLoad:
		r.Err = e.faults.SetSubstationLoad(in.Target, in.LoadMW)
	case KindPreemptSignal:
		r.Err = e.signals.Preempt(in.Target, in.Direction)
		r.Changed = r.Err == nil
	case KindOptimizeZone:
		r.Count, r.Err = e.signals.OptimizeZone(in.Target, e.period)
	case KindRequestCharging:
		req := in.Charging
		if v, ok := e.vehicles[req.VehicleID]; ok && req.Position == (model.Position{}) {
			req.Position = v.Position
		}
		a, err := e.charging.RequestCharging(req)
		if err == nil {
			r.Assignment = &a
		}
		r.Err = err
	case KindStartCharging:
		r.Changed = e.charging.StartCharging(in.VehicleID, in.Target)
	case KindFinishCharging:
		r.Changed = e.charging.FinishCharging(in.VehicleID)
	case KindCancelCharging:
		r.Changed = e.charging.Cancel(in.VehicleID)
	case KindVehicleUpdate:
		r.Count = e.updateVehicles(ctx, in.Vehicles)
	}
	return r
}

// updateVehicles records positions and, with AutoCharge, requests a slot
// for every low EV that holds nothing yet. It returns the number of
// requests admitted.
func (e *Engine) updateVehicles(ctx context.Context, vs []model.VehicleSnapshot) int {
	admitted := 0
	threshold := e.charging.Config().LowBatteryThreshold
	for _, v := range vs {
		if v.ID == "" {
			continue
		}
		e.vehicles[v.ID] = v
		if !e.cfg.AutoCharge || !v.IsEV || v.Soc >= threshold {
			continue
		}
		if _, held := e.charging.HoldingOf(v.ID); held {
			continue
		}
		if _, err := e.charging.RequestCharging(charging.Request{VehicleID: v.ID, Soc: v.Soc, Position: v.Position}); err != nil {
			e.log.Debug(ctx, "auto charge request not admitted", logging.String("vehicle_id", v.ID), logging.Err(err))
			continue
		}
		admitted++
	}
	return admitted
}

func (e *Engine) publishCharging(ctx context.Context, events []charging.Event) {
	for _, ev := range events {
		if e.metrics != nil {
			e.metrics.ChargingEvent(ev.Kind.String())
		}
		var err error
		switch ev.Kind {
		case charging.EventAssigned, charging.EventQueued, charging.EventPromoted:
			def, derr := e.topo.Station(ev.StationID)
			if derr != nil {
				err = derr
				break
			}
			cmd := bridge.AssignmentCommand{
				VehicleID:            ev.VehicleID,
				StationID:            ev.StationID,
				TargetEdge:           def.TargetEdge(),
				Immediate:            ev.Kind != charging.EventQueued,
				Port:                 ev.Port,
				EstimatedWaitSeconds: ev.EstimatedWait.Seconds(),
			}
			if ev.Kind == charging.EventPromoted {
				cmd.EstimatedWaitSeconds = 0
			}
			err = e.traffic.PublishAssignment(ctx, cmd)
		case charging.EventCompleted, charging.EventAborted, charging.EventRejected, charging.EventCancelled:
			err = e.traffic.PublishNotice(ctx, bridge.ChargingNotice{
				VehicleID: ev.VehicleID,
				StationID: ev.StationID,
				SessionID: ev.SessionID,
				Kind:      ev.Kind.String(),
				Reason:    ev.Reason,
				At:        ev.At,
			})
		}
		if err != nil {
			e.log.Warn(ctx, "publish charging event failed",
				logging.String("vehicle_id", ev.VehicleID),
				logging.String("event", ev.Kind.String()),
				logging.Err(err),
			)
		}
	}
}

func (e *Engine) publishSignals(ctx context.Context, now time.Time) {
	views := e.signals.Views()
	frame := bridge.SignalFrame{Tick: e.tick, At: now, Commands: make([]bridge.SignalCommand, 0, len(views))}
	for _, v := range views {
		frame.Commands = append(frame.Commands, bridge.SignalCommand{
			SignalID: v.ID,
			Phase:    v.Phase.String(),
			State:    signal.RightOfWay(v.Phase, e.cfg.LaneGroups),
			Color:    signal.Color(v.Phase),
		})
	}
	if err := e.traffic.PublishSignals(ctx, frame); err != nil {
		e.log.Warn(ctx, "publish signal frame failed", logging.Err(err))
	}
}
