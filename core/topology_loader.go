package core

import (
	"fmt"
	"io"
	"math"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
)

// Attachment radii, in degrees of Manhattan distance, used when a
// document leaves the parent of an entity implicit.
const (
	TransformerAttachRadius = 0.02
	LoadAttachRadius        = 0.01
)

const (
	fastPortKW    = 150.0
	levelTwoKW    = 22.0
	signalDrawKW  = 0.3
	defaultQueue  = 5
	batteryStride = 5
)

// TopologySummary reports what LoadTopology built.
type TopologySummary struct {
	Substations  int
	Transformers int
	Signals      int
	Stations     int
	Ports        int
}

// LoadOptions tunes derived values in the topology document.
type LoadOptions struct {
	// Period selects the timing plan for signals that do not carry one.
	Period Period
}

// topology document shapes; kept unexported so the file format can evolve
// independently of the model types.
type topologyDoc struct {
	Defaults     defaultsDoc      `json:"defaults"`
	Substations  []substationDoc  `json:"substations"`
	Transformers []transformerDoc `json:"transformers"`
	Signals      []signalDoc      `json:"signals"`
	Stations     []stationDoc     `json:"stations"`
}

type defaultsDoc struct {
	QueueCapacity *int     `json:"queueCapacity"`
	SignalPowerKW *float64 `json:"signalPowerKW"`
}

type substationDoc struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	CapacityMVA  float64 `json:"capacityMVA"`
	LoadMW       float64 `json:"loadMW"`
	CoverageArea string  `json:"coverageArea"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
}

type transformerDoc struct {
	ID          string  `json:"id"`
	Substation  string  `json:"substation"` // optional; nearest substation when empty
	CapacityKVA float64 `json:"capacityKVA"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type timingDoc struct {
	GreenNS  float64 `json:"greenNS"`
	YellowNS float64 `json:"yellowNS"`
	GreenEW  float64 `json:"greenEW"`
	YellowEW float64 `json:"yellowEW"`
	AllRed   float64 `json:"allRed"`
}

type signalDoc struct {
	ID            string     `json:"id"`
	Intersection  string     `json:"intersection"`
	Transformer   string     `json:"transformer"` // optional; nearest transformer when empty
	Zone          string     `json:"zone"`
	OffsetSeconds *float64   `json:"offsetSeconds"`
	Timing        *timingDoc `json:"timing"`
	BatteryBackup *bool      `json:"batteryBackup"`
	PowerKW       float64    `json:"powerKW"`
	InitialPhase  string     `json:"initialPhase"`
	Lat           float64    `json:"lat"`
	Lon           float64    `json:"lon"`
}

type portDoc struct {
	PowerKW float64 `json:"powerKW"`
}

type stationDoc struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Transformer   string    `json:"transformer"`
	Chargers      int       `json:"chargers"`
	Ports         []portDoc `json:"ports"`
	QueueCapacity *int      `json:"queueCapacity"`
	Edge          string    `json:"edge"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
}

// LoadTopology reads a YAML or JSON topology document from r and builds
// the immutable topology. Implicit parents are resolved to the nearest
// candidate within the attachment radius; anything left unattached is an
// error because every dependent load must have a feed.
func LoadTopology(r io.Reader, opts LoadOptions) (*kb.Topology, *TopologySummary, error) {
	if r == nil {
		return nil, nil, fmt.Errorf("load topology: nil reader")
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read topology: %w", err)
	}
	var doc topologyDoc
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode topology: %w", err)
	}

	queueDefault := defaultQueue
	if doc.Defaults.QueueCapacity != nil {
		queueDefault = *doc.Defaults.QueueCapacity
	}
	signalKW := signalDrawKW
	if doc.Defaults.SignalPowerKW != nil {
		signalKW = *doc.Defaults.SignalPowerKW
	}

	b := kb.NewBuilder()
	summary := &TopologySummary{}

	subs := make([]model.Substation, 0, len(doc.Substations))
	for _, s := range doc.Substations {
		sub := model.Substation{
			ID:           s.ID,
			Name:         s.Name,
			CapacityMVA:  s.CapacityMVA,
			LoadMW:       s.LoadMW,
			CoverageArea: s.CoverageArea,
			Position:     model.Position{Lat: s.Lat, Lon: s.Lon},
		}
		subs = append(subs, sub)
	}

	xfmrs := make([]model.Transformer, 0, len(doc.Transformers))
	for _, t := range doc.Transformers {
		x := model.Transformer{
			ID:           t.ID,
			SubstationID: t.Substation,
			CapacityKVA:  t.CapacityKVA,
			Position:     model.Position{Lat: t.Lat, Lon: t.Lon},
		}
		if x.SubstationID == "" {
			id, ok := nearest(x.Position, subs, TransformerAttachRadius, func(s model.Substation) (string, model.Position) {
				return s.ID, s.Position
			})
			if !ok {
				return nil, nil, fmt.Errorf("%w: transformer %q has no substation within %.2f°", kb.ErrInvalidEntity, x.ID, TransformerAttachRadius)
			}
			x.SubstationID = id
		}
		xfmrs = append(xfmrs, x)
	}
	xfmrIndex := make(map[string]int, len(xfmrs))
	for i, x := range xfmrs {
		xfmrIndex[x.ID] = i
	}
	subIndex := make(map[string]int, len(subs))
	for i, s := range subs {
		subIndex[s.ID] = i
	}
	attach := func(kind, id, explicit string, pos model.Position) (string, error) {
		if explicit != "" {
			return explicit, nil
		}
		tx, ok := nearest(pos, xfmrs, LoadAttachRadius, func(x model.Transformer) (string, model.Position) {
			return x.ID, x.Position
		})
		if !ok {
			return "", fmt.Errorf("%w: %s %q has no transformer within %.2f°", kb.ErrInvalidEntity, kind, id, LoadAttachRadius)
		}
		return tx, nil
	}

	for _, s := range doc.Signals {
		pos := model.Position{Lat: s.Lat, Lon: s.Lon}
		tx, err := attach("signal", s.ID, s.Transformer, pos)
		if err != nil {
			return nil, nil, err
		}
		avenue, street := ParseIntersection(s.Intersection)
		def := model.SignalDefinition{
			ID:            s.ID,
			Intersection:  s.Intersection,
			Avenue:        avenue,
			Street:        street,
			TransformerID: tx,
			Zone:          s.Zone,
			Offset:        GreenWaveOffset(avenue, street),
			Timing:        TimingFor(avenue, street, opts.Period),
			BatteryBackup: street > 0 && street%batteryStride == 0,
			PowerKW:       s.PowerKW,
			InitialPhase:  s.InitialPhase,
			Position:      pos,
		}
		if def.Zone == "" {
			def.Zone = ZoneFor(avenue, street)
		}
		if s.OffsetSeconds != nil {
			def.Offset = seconds(*s.OffsetSeconds)
		}
		if s.Timing != nil {
			def.Timing = timingFromDoc(*s.Timing)
		}
		if s.BatteryBackup != nil {
			def.BatteryBackup = *s.BatteryBackup
		}
		if def.PowerKW == 0 {
			def.PowerKW = signalKW
		}
		if i, ok := xfmrIndex[tx]; ok {
			xfmrs[i].LoadKW += def.PowerKW
			if j, ok := subIndex[xfmrs[i].SubstationID]; ok {
				subs[j].LoadMW += def.PowerKW / 1000
			}
		}
		b.AddSignal(def)
		summary.Signals++
	}

	for _, s := range doc.Stations {
		pos := model.Position{Lat: s.Lat, Lon: s.Lon}
		tx, err := attach("station", s.ID, s.Transformer, pos)
		if err != nil {
			return nil, nil, err
		}
		def := model.StationDefinition{
			ID:            s.ID,
			Name:          s.Name,
			TransformerID: tx,
			QueueCapacity: queueDefault,
			Position:      pos,
			Edge:          s.Edge,
		}
		if s.QueueCapacity != nil {
			def.QueueCapacity = *s.QueueCapacity
		}
		if len(s.Ports) > 0 {
			for _, p := range s.Ports {
				def.Ports = append(def.Ports, model.PortSpec{PowerKW: p.PowerKW})
			}
		} else {
			def.Ports = PortMix(s.Chargers)
		}
		b.AddStation(def)
		summary.Stations++
		summary.Ports += len(def.Ports)
	}

	for _, s := range subs {
		b.AddSubstation(s)
	}
	for _, x := range xfmrs {
		b.AddTransformer(x)
	}
	summary.Substations = len(subs)
	summary.Transformers = len(xfmrs)

	topo, err := b.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build topology: %w", err)
	}
	return topo, summary, nil
}

// PortMix lays out n chargers: up to two DC fast ports (one per four
// chargers) and level-2 ports for the rest.
func PortMix(n int) []model.PortSpec {
	if n <= 0 {
		return nil
	}
	fast := min(2, n/4)
	ports := make([]model.PortSpec, n)
	for i := range ports {
		if i < fast {
			ports[i].PowerKW = fastPortKW
		} else {
			ports[i].PowerKW = levelTwoKW
		}
	}
	return ports
}

func nearest[T any](pos model.Position, items []T, radius float64, key func(T) (string, model.Position)) (string, bool) {
	best, bestDist := "", math.Inf(1)
	for _, it := range items {
		id, p := key(it)
		if d := ManhattanDegrees(pos, p); d < bestDist || (d == bestDist && id < best) {
			best, bestDist = id, d
		}
	}
	return best, best != "" && bestDist < radius
}

func timingFromDoc(t timingDoc) model.SignalTiming {
	def := DefaultTiming()
	pick := func(v float64, fallback time.Duration) time.Duration {
		if v <= 0 {
			return fallback
		}
		return seconds(v)
	}
	return model.SignalTiming{
		GreenNS:  pick(t.GreenNS, def.GreenNS),
		YellowNS: pick(t.YellowNS, def.YellowNS),
		GreenEW:  pick(t.GreenEW, def.GreenEW),
		YellowEW: pick(t.YellowEW, def.YellowEW),
		AllRed:   pick(t.AllRed, def.AllRed),
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
