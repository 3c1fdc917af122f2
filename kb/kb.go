package kb

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/signalsfoundry/gridtwin/model"
)

var (
	// ErrSubstationNotFound indicates a requested substation does not exist.
	ErrSubstationNotFound = errors.New("substation not found")
	// ErrTransformerNotFound indicates a requested transformer does not exist.
	ErrTransformerNotFound = errors.New("transformer not found")
	// ErrSignalNotFound indicates a requested traffic signal does not exist.
	ErrSignalNotFound = errors.New("signal not found")
	// ErrStationNotFound indicates a requested charging station does not exist.
	ErrStationNotFound = errors.New("station not found")
	// ErrDuplicateID indicates two entities were registered under one ID.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrInvalidEntity indicates an entity failed validation.
	ErrInvalidEntity = errors.New("invalid entity")
)

// Topology is the immutable electrical hierarchy plus the dependent loads
// attached to it. It has no mutation API, so any number of goroutines may
// read it without locking.
type Topology struct {
	substations  map[string]model.Substation
	transformers map[string]model.Transformer
	signals      map[string]model.SignalDefinition
	stations     map[string]model.StationDefinition

	transformersBySub map[string][]string
	signalsByXfmr     map[string][]string
	stationsByXfmr    map[string][]string
	signalsByZone     map[string][]string
}

// Builder accumulates entities and validates references on Build.
type Builder struct {
	substations  []model.Substation
	transformers []model.Transformer
	signals      []model.SignalDefinition
	stations     []model.StationDefinition
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) AddSubstation(s model.Substation) *Builder {
	b.substations = append(b.substations, s)
	return b
}

func (b *Builder) AddTransformer(t model.Transformer) *Builder {
	b.transformers = append(b.transformers, t)
	return b
}

func (b *Builder) AddSignal(s model.SignalDefinition) *Builder {
	b.signals = append(b.signals, s)
	return b
}

func (b *Builder) AddStation(s model.StationDefinition) *Builder {
	b.stations = append(b.stations, s)
	return b
}

// Build validates the accumulated entities and returns the topology. IDs
// must be unique across all entity kinds, since the fault engine addresses
// loads by bare ID.
func (b *Builder) Build() (*Topology, error) {
	t := &Topology{
		substations:       make(map[string]model.Substation, len(b.substations)),
		transformers:      make(map[string]model.Transformer, len(b.transformers)),
		signals:           make(map[string]model.SignalDefinition, len(b.signals)),
		stations:          make(map[string]model.StationDefinition, len(b.stations)),
		transformersBySub: make(map[string][]string),
		signalsByXfmr:     make(map[string][]string),
		stationsByXfmr:    make(map[string][]string),
		signalsByZone:     make(map[string][]string),
	}
	seen := make(map[string]struct{})
	claim := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%w: %s with empty id", ErrInvalidEntity, kind)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s %q", ErrDuplicateID, kind, id)
		}
		seen[id] = struct{}{}
		return nil
	}

	for _, s := range b.substations {
		if err := claim("substation", s.ID); err != nil {
			return nil, err
		}
		t.substations[s.ID] = s
	}
	for _, x := range b.transformers {
		if err := claim("transformer", x.ID); err != nil {
			return nil, err
		}
		if _, ok := t.substations[x.SubstationID]; !ok {
			return nil, fmt.Errorf("transformer %q: %w: %q", x.ID, ErrSubstationNotFound, x.SubstationID)
		}
		t.transformers[x.ID] = x
		t.transformersBySub[x.SubstationID] = append(t.transformersBySub[x.SubstationID], x.ID)
	}
	for _, s := range b.signals {
		if err := claim("signal", s.ID); err != nil {
			return nil, err
		}
		if _, ok := t.transformers[s.TransformerID]; !ok {
			return nil, fmt.Errorf("signal %q: %w: %q", s.ID, ErrTransformerNotFound, s.TransformerID)
		}
		t.signals[s.ID] = s
		t.signalsByXfmr[s.TransformerID] = append(t.signalsByXfmr[s.TransformerID], s.ID)
		t.signalsByZone[s.Zone] = append(t.signalsByZone[s.Zone], s.ID)
	}
	for _, s := range b.stations {
		if err := claim("station", s.ID); err != nil {
			return nil, err
		}
		if _, ok := t.transformers[s.TransformerID]; !ok {
			return nil, fmt.Errorf("station %q: %w: %q", s.ID, ErrTransformerNotFound, s.TransformerID)
		}
		if len(s.Ports) == 0 {
			return nil, fmt.Errorf("%w: station %q has no ports", ErrInvalidEntity, s.ID)
		}
		if s.QueueCapacity < 0 {
			return nil, fmt.Errorf("%w: station %q has negative queue capacity", ErrInvalidEntity, s.ID)
		}
		s.Ports = slices.Clone(s.Ports)
		t.stations[s.ID] = s
		t.stationsByXfmr[s.TransformerID] = append(t.stationsByXfmr[s.TransformerID], s.ID)
	}

	for _, idx := range []map[string][]string{t.transformersBySub, t.signalsByXfmr, t.stationsByXfmr, t.signalsByZone} {
		for _, ids := range idx {
			slices.Sort(ids)
		}
	}
	return t, nil
}

// Substation returns the substation with the given ID.
func (t *Topology) Substation(id string) (model.Substation, error) {
	s, ok := t.substations[id]
	if !ok {
		return model.Substation{}, fmt.Errorf("%w: %q", ErrSubstationNotFound, id)
	}
	return s, nil
}

// Transformer returns the transformer with the given ID.
func (t *Topology) Transformer(id string) (model.Transformer, error) {
	x, ok := t.transformers[id]
	if !ok {
		return model.Transformer{}, fmt.Errorf("%w: %q", ErrTransformerNotFound, id)
	}
	return x, nil
}

// Signal returns the signal definition with the given ID.
func (t *Topology) Signal(id string) (model.SignalDefinition, error) {
	s, ok := t.signals[id]
	if !ok {
		return model.SignalDefinition{}, fmt.Errorf("%w: %q", ErrSignalNotFound, id)
	}
	return s, nil
}

// Station returns the station definition with the given ID. The returned
// Ports slice is shared and must not be modified.
func (t *Topology) Station(id string) (model.StationDefinition, error) {
	s, ok := t.stations[id]
	if !ok {
		return model.StationDefinition{}, fmt.Errorf("%w: %q", ErrStationNotFound, id)
	}
	return s, nil
}

// TransformersOf lists the transformer IDs fed by a substation, sorted.
func (t *Topology) TransformersOf(substationID string) ([]string, error) {
	if _, ok := t.substations[substationID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrSubstationNotFound, substationID)
	}
	return slices.Clone(t.transformersBySub[substationID]), nil
}

// SignalsOf lists the signal IDs fed by a transformer, sorted.
func (t *Topology) SignalsOf(transformerID string) []string {
	return slices.Clone(t.signalsByXfmr[transformerID])
}

// StationsOf lists the station IDs fed by a transformer, sorted.
func (t *Topology) StationsOf(transformerID string) []string {
	return slices.Clone(t.stationsByXfmr[transformerID])
}

// LoadsOf lists every dependent load of a transformer, signals first.
func (t *Topology) LoadsOf(transformerID string) []model.LoadRef {
	sigs := lo.Map(t.signalsByXfmr[transformerID], func(id string, _ int) model.LoadRef {
		return model.LoadRef{ID: id, Kind: model.LoadSignal}
	})
	stations := lo.Map(t.stationsByXfmr[transformerID], func(id string, _ int) model.LoadRef {
		return model.LoadRef{ID: id, Kind: model.LoadStation}
	})
	return append(sigs, stations...)
}

// FeedOf resolves the transformer and substation that power a load.
func (t *Topology) FeedOf(loadID string) (transformerID, substationID string, err error) {
	if s, ok := t.signals[loadID]; ok {
		transformerID = s.TransformerID
	} else if s, ok := t.stations[loadID]; ok {
		transformerID = s.TransformerID
	} else {
		return "", "", fmt.Errorf("%w: load %q", ErrInvalidEntity, loadID)
	}
	return transformerID, t.transformers[transformerID].SubstationID, nil
}

// Substations returns all substations sorted by ID.
func (t *Topology) Substations() []model.Substation { return sortedValues(t.substations) }

// Transformers returns all transformers sorted by ID.
func (t *Topology) Transformers() []model.Transformer { return sortedValues(t.transformers) }

// Signals returns all signal definitions sorted by ID.
func (t *Topology) Signals() []model.SignalDefinition { return sortedValues(t.signals) }

// Stations returns all station definitions sorted by ID.
func (t *Topology) Stations() []model.StationDefinition { return sortedValues(t.stations) }

// Zones returns the distinct coordination zones, sorted.
func (t *Topology) Zones() []string {
	zones := lo.Keys(t.signalsByZone)
	slices.Sort(zones)
	return zones
}

// SignalsInZone lists the signal IDs in a coordination zone, sorted.
func (t *Topology) SignalsInZone(zone string) []string {
	return slices.Clone(t.signalsByZone[zone])
}

func sortedValues[V any](m map[string]V) []V {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return lo.Map(keys, func(k string, _ int) V { return m[k] })
}
