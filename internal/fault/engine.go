// Package fault propagates substation and transformer outages to the
// traffic signals and charging stations they feed.
//
// Only substations and transformers carry an operational flag. Whether a
// load is powered is never stored; it is derived from its feed chain on
// every query.
package fault

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
)

// ErrNegativeLoad rejects a substation load below zero.
var ErrNegativeLoad = errors.New("negative substation load")

// SignalSink receives power changes for traffic signals.
type SignalSink interface {
	PowerLost(signalID string) (bool, error)
	PowerRestored(signalID string) (bool, error)
}

// StationSink receives power changes for charging stations.
type StationSink interface {
	SetOffline(stationID string) ([]charging.Session, []charging.QueuedRequest, error)
	SetOnline(stationID string) (bool, error)
}

// Impact summarises one Fail or Restore call. A call that changed nothing
// returns an Impact with Changed false and every count zero.
type Impact struct {
	SubstationID  string
	TransformerID string // set for transformer-scoped calls
	Failure       bool
	Changed       bool

	TransformersAffected    int
	SignalsAffected         int
	StationsAffected        int
	PrimaryCablesAffected   int
	SecondaryCablesAffected int

	// LoadShedMW is informational; the power-flow collaborator owns the
	// authoritative figure.
	LoadShedMW         float64
	CapacityLostMVA    float64
	EstimatedCustomers int
	AffectedArea       string

	Aborted  []charging.Session
	Rejected []charging.QueuedRequest
}

// SubstationState is a read-only view of one substation.
type SubstationState struct {
	ID           string
	Name         string
	Operational  bool
	CapacityMVA  float64
	LoadMW       float64
	CoverageArea string
	Transformers int
}

// TransformerState is a read-only view of one transformer.
type TransformerState struct {
	ID           string
	SubstationID string
	Operational  bool
	Powered      bool
	CapacityKVA  float64
	LoadKW       float64
}

// Engine owns the operational flags of the distribution network. It is
// not safe for concurrent use.
type Engine struct {
	topo     *kb.Topology
	signals  SignalSink
	stations StationSink
	log      logging.Logger

	substationUp  map[string]bool
	transformerUp map[string]bool
	loadMW        map[string]float64
}

// NewEngine starts with every substation and transformer operational. Nil
// sinks discard notifications.
func NewEngine(topo *kb.Topology, signals SignalSink, stations StationSink, log logging.Logger) *Engine {
	if signals == nil {
		signals = discardSignals{}
	}
	if stations == nil {
		stations = discardStations{}
	}
	e := &Engine{
		topo:          topo,
		signals:       signals,
		stations:      stations,
		log:           logging.OrNoop(log).With(logging.String("component", "fault")),
		substationUp:  make(map[string]bool),
		transformerUp: make(map[string]bool),
		loadMW:        make(map[string]float64),
	}
	for _, s := range topo.Substations() {
		e.substationUp[s.ID] = true
		e.loadMW[s.ID] = s.LoadMW
	}
	for _, t := range topo.Transformers() {
		e.transformerUp[t.ID] = true
	}
	return e
}

// FailSubstation takes a substation out of service and cuts power to every
// load behind its operational transformers. Failing a failed substation is
// a zero-impact success.
func (e *Engine) FailSubstation(ctx context.Context, id string) (Impact, error) {
	sub, err := e.topo.Substation(id)
	if err != nil {
		return Impact{}, err
	}
	txs, err := e.topo.TransformersOf(id)
	if err != nil {
		return Impact{}, err
	}
	imp := Impact{SubstationID: id, Failure: true}
	if !e.substationUp[id] {
		e.log.Info(ctx, "substation already failed", logging.String("substation_id", id))
		return imp, nil
	}

	e.substationUp[id] = false
	imp.Changed = true
	imp.LoadShedMW = e.loadMW[id]
	imp.CapacityLostMVA = sub.CapacityMVA
	imp.EstimatedCustomers = customers(e.loadMW[id])
	imp.AffectedArea = sub.CoverageArea

	var errs []error
	for _, tx := range txs {
		if !e.transformerUp[tx] {
			continue
		}
		imp.TransformersAffected++
		imp.PrimaryCablesAffected++
		errs = append(errs, e.cut(tx, &imp)...)
	}
	e.log.Warn(ctx, "substation failed",
		logging.String("substation_id", id),
		logging.Int("transformers", imp.TransformersAffected),
		logging.Int("signals", imp.SignalsAffected),
		logging.Int("stations", imp.StationsAffected),
		logging.Int("aborted_sessions", len(imp.Aborted)),
		logging.Int("rejected_requests", len(imp.Rejected)),
		logging.Float("load_shed_mw", imp.LoadShedMW),
	)
	return imp, e.sinkError(ctx, errs)
}

// RestoreSubstation returns a substation to service and re-powers every
// load behind its operational transformers. Restoring an operational
// substation is a zero-impact success.
func (e *Engine) RestoreSubstation(ctx context.Context, id string) (Impact, error) {
	sub, err := e.topo.Substation(id)
	if err != nil {
		return Impact{}, err
	}
	txs, err := e.topo.TransformersOf(id)
	if err != nil {
		return Impact{}, err
	}
	imp := Impact{SubstationID: id}
	if e.substationUp[id] {
		e.log.Info(ctx, "substation already operational", logging.String("substation_id", id))
		return imp, nil
	}

	e.substationUp[id] = true
	imp.Changed = true
	imp.AffectedArea = sub.CoverageArea

	var errs []error
	for _, tx := range txs {
		if !e.transformerUp[tx] {
			continue
		}
		imp.TransformersAffected++
		imp.PrimaryCablesAffected++
		errs = append(errs, e.reconnect(tx, &imp)...)
	}
	e.log.Info(ctx, "substation restored",
		logging.String("substation_id", id),
		logging.Int("transformers", imp.TransformersAffected),
		logging.Int("signals", imp.SignalsAffected),
		logging.Int("stations", imp.StationsAffected),
	)
	return imp, e.sinkError(ctx, errs)
}

// FailTransformer takes one transformer out of service. Loads lose power
// only if the owning substation was still feeding them.
func (e *Engine) FailTransformer(ctx context.Context, id string) (Impact, error) {
	tx, err := e.topo.Transformer(id)
	if err != nil {
		return Impact{}, err
	}
	sub, err := e.topo.Substation(tx.SubstationID)
	if err != nil {
		return Impact{}, err
	}
	imp := Impact{SubstationID: tx.SubstationID, TransformerID: id, Failure: true}
	if !e.transformerUp[id] {
		e.log.Info(ctx, "transformer already failed", logging.String("transformer_id", id))
		return imp, nil
	}

	e.transformerUp[id] = false
	imp.Changed = true
	var errs []error
	if e.substationUp[tx.SubstationID] {
		imp.TransformersAffected = 1
		imp.PrimaryCablesAffected = 1
		imp.LoadShedMW = tx.LoadKW / 1000
		imp.CapacityLostMVA = tx.CapacityKVA / 1000
		imp.EstimatedCustomers = customers(imp.LoadShedMW)
		imp.AffectedArea = sub.CoverageArea
		errs = e.cut(id, &imp)
	}
	e.log.Warn(ctx, "transformer failed",
		logging.String("transformer_id", id),
		logging.String("substation_id", tx.SubstationID),
		logging.Int("signals", imp.SignalsAffected),
		logging.Int("stations", imp.StationsAffected),
	)
	return imp, e.sinkError(ctx, errs)
}

// RestoreTransformer returns one transformer to service. Its loads stay
// dark while the owning substation is failed.
func (e *Engine) RestoreTransformer(ctx context.Context, id string) (Impact, error) {
	tx, err := e.topo.Transformer(id)
	if err != nil {
		return Impact{}, err
	}
	imp := Impact{SubstationID: tx.SubstationID, TransformerID: id}
	if e.transformerUp[id] {
		e.log.Info(ctx, "transformer already operational", logging.String("transformer_id", id))
		return imp, nil
	}

	e.transformerUp[id] = true
	imp.Changed = true
	var errs []error
	if e.substationUp[tx.SubstationID] {
		imp.TransformersAffected = 1
		imp.PrimaryCablesAffected = 1
		errs = e.reconnect(id, &imp)
	}
	e.log.Info(ctx, "transformer restored",
		logging.String("transformer_id", id),
		logging.Bool("powered", e.substationUp[tx.SubstationID]),
	)
	return imp, e.sinkError(ctx, errs)
}

func (e *Engine) cut(tx string, imp *Impact) []error {
	var errs []error
	for _, load := range e.topo.LoadsOf(tx) {
		imp.SecondaryCablesAffected++
		switch load.Kind {
		case model.LoadSignal:
			imp.SignalsAffected++
			if _, err := e.signals.PowerLost(load.ID); err != nil {
				errs = append(errs, err)
			}
		case model.LoadStation:
			imp.StationsAffected++
			aborted, rejected, err := e.stations.SetOffline(load.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			imp.Aborted = append(imp.Aborted, aborted...)
			imp.Rejected = append(imp.Rejected, rejected...)
		}
	}
	return errs
}

func (e *Engine) reconnect(tx string, imp *Impact) []error {
	var errs []error
	for _, load := range e.topo.LoadsOf(tx) {
		imp.SecondaryCablesAffected++
		var err error
		switch load.Kind {
		case model.LoadSignal:
			imp.SignalsAffected++
			_, err = e.signals.PowerRestored(load.ID)
		case model.LoadStation:
			imp.StationsAffected++
			_, err = e.stations.SetOnline(load.ID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Sinks are built from the same topology, so a sink error means the two
// disagree. The cascade has already been applied; report rather than undo.
func (e *Engine) sinkError(ctx context.Context, errs []error) error {
	err := errors.Join(errs...)
	if err != nil {
		e.log.Error(ctx, "load notification failed", logging.Err(err))
		return fmt.Errorf("notify loads: %w", err)
	}
	return nil
}

func customers(loadMW float64) int { return int(loadMW * 1000) }

// SetSubstationLoad records the load reported by the power-flow
// collaborator.
func (e *Engine) SetSubstationLoad(id string, loadMW float64) error {
	if _, err := e.topo.Substation(id); err != nil {
		return err
	}
	if loadMW < 0 {
		return fmt.Errorf("%w: substation %q reported %.3f MW", ErrNegativeLoad, id, loadMW)
	}
	e.loadMW[id] = loadMW
	return nil
}

// SubstationOperational reports the substation's own flag.
func (e *Engine) SubstationOperational(id string) (bool, error) {
	if _, err := e.topo.Substation(id); err != nil {
		return false, err
	}
	return e.substationUp[id], nil
}

// TransformerPowered reports whether the transformer and its substation
// are both operational.
func (e *Engine) TransformerPowered(id string) (bool, error) {
	tx, err := e.topo.Transformer(id)
	if err != nil {
		return false, err
	}
	return e.transformerUp[id] && e.substationUp[tx.SubstationID], nil
}

// Powered reports whether a signal or station is fed by an operational
// transformer under an operational substation.
func (e *Engine) Powered(loadID string) (bool, error) {
	tx, sub, err := e.topo.FeedOf(loadID)
	if err != nil {
		return false, err
	}
	return e.substationUp[sub] && e.transformerUp[tx], nil
}

// Substations reports every substation, sorted by ID.
func (e *Engine) Substations() []SubstationState {
	return lo.Map(e.topo.Substations(), func(s model.Substation, _ int) SubstationState {
		txs, _ := e.topo.TransformersOf(s.ID)
		return SubstationState{
			ID:           s.ID,
			Name:         s.Name,
			Operational:  e.substationUp[s.ID],
			CapacityMVA:  s.CapacityMVA,
			LoadMW:       e.loadMW[s.ID],
			CoverageArea: s.CoverageArea,
			Transformers: len(txs),
		}
	})
}

// Transformers reports every transformer, sorted by ID.
func (e *Engine) Transformers() []TransformerState {
	return lo.Map(e.topo.Transformers(), func(t model.Transformer, _ int) TransformerState {
		return TransformerState{
			ID:           t.ID,
			SubstationID: t.SubstationID,
			Operational:  e.transformerUp[t.ID],
			Powered:      e.transformerUp[t.ID] && e.substationUp[t.SubstationID],
			CapacityKVA:  t.CapacityKVA,
			LoadKW:       t.LoadKW,
		}
	})
}

type discardSignals struct{}

func (discardSignals) PowerLost(string) (bool, error)     { return false, nil }
func (discardSignals) PowerRestored(string) (bool, error) { return false, nil }

type discardStations struct{}

func (discardStations) SetOffline(string) ([]charging.Session, []charging.QueuedRequest, error) {
	return nil, nil, nil
}
func (discardStations) SetOnline(string) (bool, error) { return false, nil }
