package fault

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
)

type fixture struct {
	topo     *kb.Topology
	engine   *Engine
	signals  *signal.Controller
	stations *charging.Controller
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// newFixture builds substation A (T1, T2) and substation B (T3). T1 feeds
// the battery-backed S1 and the two-port station C1, T2 feeds S2 and T3
// feeds S3 and C2.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	timing := core.DefaultTiming()
	topo, err := kb.NewBuilder().
		AddSubstation(model.Substation{ID: "A", CapacityMVA: 50, LoadMW: 12.5, CoverageArea: "Midtown"}).
		AddSubstation(model.Substation{ID: "B", CapacityMVA: 40, LoadMW: 8, CoverageArea: "Chelsea"}).
		AddTransformer(model.Transformer{ID: "T1", SubstationID: "A", CapacityKVA: 1000, LoadKW: 400}).
		AddTransformer(model.Transformer{ID: "T2", SubstationID: "A", CapacityKVA: 750}).
		AddTransformer(model.Transformer{ID: "T3", SubstationID: "B", CapacityKVA: 500}).
		AddSignal(model.SignalDefinition{ID: "S1", TransformerID: "T1", Street: 42, Timing: timing, BatteryBackup: true}).
		AddSignal(model.SignalDefinition{ID: "S2", TransformerID: "T2", Street: 43, Timing: timing}).
		AddSignal(model.SignalDefinition{ID: "S3", TransformerID: "T3", Street: 44, Timing: timing}).
		AddStation(model.StationDefinition{ID: "C1", TransformerID: "T1", Ports: []model.PortSpec{{PowerKW: 150}, {PowerKW: 22}}, QueueCapacity: 2}).
		AddStation(model.StationDefinition{ID: "C2", TransformerID: "T3", Ports: []model.PortSpec{{PowerKW: 22}}, QueueCapacity: 1}).
		Build()
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	sig, err := signal.NewController(topo)
	if err != nil {
		t.Fatalf("signal controller: %v", err)
	}
	clock := fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := charging.NewController(topo, charging.DefaultConfig(), nil, clock, nil)
	return &fixture{
		topo:     topo,
		engine:   NewEngine(topo, sig, st, nil),
		signals:  sig,
		stations: st,
	}
}

// checkDerivation asserts every load's observable state follows its feed
// chain.
func (f *fixture) checkDerivation(t *testing.T) {
	t.Helper()
	for _, tx := range f.topo.Transformers() {
		for _, load := range f.topo.LoadsOf(tx.ID) {
			powered, err := f.engine.Powered(load.ID)
			if err != nil {
				t.Fatalf("Powered(%s): %v", load.ID, err)
			}
			subUp, _ := f.engine.SubstationOperational(tx.SubstationID)
			txUp, _ := f.engine.TransformerPowered(tx.ID)
			if powered != (subUp && txUp) {
				t.Fatalf("%s powered=%v, substation=%v transformer=%v", load.ID, powered, subUp, txUp)
			}
			switch load.Kind {
			case model.LoadSignal:
				p, _ := f.signals.Phase(load.ID)
				if p.Overridden() == powered {
					t.Fatalf("signal %s phase %s while powered=%v", load.ID, p, powered)
				}
			case model.LoadStation:
				op, _ := f.stations.Operational(load.ID)
				if op != powered {
					t.Fatalf("station %s operational=%v while powered=%v", load.ID, op, powered)
				}
			}
		}
	}
}

func TestFailSubstationCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []string{"V1", "V2", "V3"} {
		if _, err := f.stations.RequestCharging(charging.Request{VehicleID: v, Soc: 0.5, Exclude: []string{"C2"}}); err != nil {
			t.Fatalf("RequestCharging(%s): %v", v, err)
		}
	}

	imp, err := f.engine.FailSubstation(ctx, "A")
	if err != nil {
		t.Fatalf("FailSubstation: %v", err)
	}
	if !imp.Changed || !imp.Failure {
		t.Fatalf("impact flags = %+v", imp)
	}
	if imp.TransformersAffected != 2 || imp.SignalsAffected != 2 || imp.StationsAffected != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/2/1", imp.TransformersAffected, imp.SignalsAffected, imp.StationsAffected)
	}
	if imp.PrimaryCablesAffected != 2 || imp.SecondaryCablesAffected != 3 {
		t.Fatalf("cables = %d/%d, want 2/3", imp.PrimaryCablesAffected, imp.SecondaryCablesAffected)
	}
	if imp.LoadShedMW != 12.5 || imp.EstimatedCustomers != 12500 || imp.CapacityLostMVA != 50 || imp.AffectedArea != "Midtown" {
		t.Fatalf("load figures = %+v", imp)
	}
	if len(imp.Aborted) != 2 || len(imp.Rejected) != 1 || imp.Rejected[0].VehicleID != "V3" {
		t.Fatalf("aborted=%d rejected=%+v", len(imp.Aborted), imp.Rejected)
	}

	if p, _ := f.signals.Phase("S1"); p != signal.FlashingRed {
		t.Fatalf("S1 phase = %s, want FLASHING_RED", p)
	}
	if p, _ := f.signals.Phase("S2"); p != signal.Off {
		t.Fatalf("S2 phase = %s, want OFF", p)
	}
	if p, _ := f.signals.Phase("S3"); p.Overridden() {
		t.Fatalf("S3 on substation B should stay powered, got %s", p)
	}
	f.checkDerivation(t)

	again, err := f.engine.FailSubstation(ctx, "A")
	if err != nil {
		t.Fatalf("second FailSubstation: %v", err)
	}
	if again.Changed || again.SignalsAffected != 0 || again.LoadShedMW != 0 {
		t.Fatalf("second fail should be zero impact, got %+v", again)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.signals.Views()

	if _, err := f.engine.FailSubstation(ctx, "A"); err != nil {
		t.Fatalf("FailSubstation: %v", err)
	}
	f.signals.Tick(90 * time.Second)
	imp, err := f.engine.RestoreSubstation(ctx, "A")
	if err != nil {
		t.Fatalf("RestoreSubstation: %v", err)
	}
	if !imp.Changed || imp.SignalsAffected != 2 || imp.StationsAffected != 1 {
		t.Fatalf("restore impact = %+v", imp)
	}

	after := f.signals.Views()
	for i := range before {
		if before[i].ID == "S3" {
			continue // kept cycling while A was down
		}
		if after[i].Phase != before[i].Phase || after[i].Timer != 0 {
			t.Fatalf("%s restored to %s/%v, want %s/0", after[i].ID, after[i].Phase, after[i].Timer, before[i].Phase)
		}
	}
	st, _ := f.stations.Status("C1")
	if st.FreePorts != 2 || st.QueueLength != 0 || !st.Operational {
		t.Fatalf("C1 after restore = %+v", st)
	}
	for _, c := range f.engine.Cables() {
		if !c.Operational {
			t.Fatalf("cable %s still down after restore", c.ID)
		}
	}
	f.checkDerivation(t)

	noop, err := f.engine.RestoreSubstation(ctx, "A")
	if err != nil || noop.Changed {
		t.Fatalf("second restore = %+v, %v", noop, err)
	}
}

func TestTransformerUnderFailedSubstation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.FailTransformer(ctx, "T1"); err != nil {
		t.Fatalf("FailTransformer: %v", err)
	}
	imp, err := f.engine.FailSubstation(ctx, "A")
	if err != nil {
		t.Fatalf("FailSubstation: %v", err)
	}
	if imp.TransformersAffected != 1 || imp.SignalsAffected != 1 || imp.StationsAffected != 0 {
		t.Fatalf("only T2 should lose power, got %+v", imp)
	}

	imp, err = f.engine.RestoreTransformer(ctx, "T1")
	if err != nil {
		t.Fatalf("RestoreTransformer: %v", err)
	}
	if !imp.Changed || imp.SignalsAffected != 0 {
		t.Fatalf("restoring T1 under failed A should not re-power loads, got %+v", imp)
	}
	if powered, _ := f.engine.Powered("C1"); powered {
		t.Fatalf("C1 powered while A is down")
	}
	f.checkDerivation(t)

	imp, err = f.engine.RestoreSubstation(ctx, "A")
	if err != nil {
		t.Fatalf("RestoreSubstation: %v", err)
	}
	if imp.TransformersAffected != 2 {
		t.Fatalf("restore should re-power T1 and T2, got %d", imp.TransformersAffected)
	}
	f.checkDerivation(t)
}

func TestFailTransformerFigures(t *testing.T) {
	f := newFixture(t)
	imp, err := f.engine.FailTransformer(context.Background(), "T1")
	if err != nil {
		t.Fatalf("FailTransformer: %v", err)
	}
	if imp.LoadShedMW != 0.4 || imp.EstimatedCustomers != 400 || imp.CapacityLostMVA != 1 {
		t.Fatalf("figures = %+v", imp)
	}
	if imp.SubstationID != "A" || imp.TransformerID != "T1" {
		t.Fatalf("ids = %s/%s", imp.SubstationID, imp.TransformerID)
	}
	for _, c := range f.engine.Cables() {
		down := c.To == "T1" || c.From == "T1"
		if c.Operational == down {
			t.Fatalf("cable %s operational=%v", c.ID, c.Operational)
		}
	}
}

func TestUnknownIDsDoNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.FailSubstation(ctx, "Z"); !errors.Is(err, kb.ErrSubstationNotFound) {
		t.Fatalf("FailSubstation(Z) err = %v", err)
	}
	if _, err := f.engine.RestoreSubstation(ctx, "Z"); !errors.Is(err, kb.ErrSubstationNotFound) {
		t.Fatalf("RestoreSubstation(Z) err = %v", err)
	}
	if _, err := f.engine.FailTransformer(ctx, "TX"); !errors.Is(err, kb.ErrTransformerNotFound) {
		t.Fatalf("FailTransformer(TX) err = %v", err)
	}
	if _, err := f.engine.Powered("nope"); err == nil {
		t.Fatalf("Powered(nope) should fail")
	}
	if err := f.engine.SetSubstationLoad("Z", 1); !errors.Is(err, kb.ErrSubstationNotFound) {
		t.Fatalf("SetSubstationLoad(Z) err = %v", err)
	}
	for _, s := range f.engine.Substations() {
		if !s.Operational {
			t.Fatalf("substation %s mutated by failed calls", s.ID)
		}
	}
}

func TestSetSubstationLoad(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SetSubstationLoad("B", 15.25); err != nil {
		t.Fatalf("SetSubstationLoad: %v", err)
	}
	if err := f.engine.SetSubstationLoad("B", -1); err == nil {
		t.Fatalf("negative load should be rejected")
	}
	imp, _ := f.engine.FailSubstation(context.Background(), "B")
	if imp.LoadShedMW != 15.25 || imp.EstimatedCustomers != 15250 {
		t.Fatalf("impact = %+v", imp)
	}
}

func TestPoweredDerivationUnderRandomFaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	subs := []string{"A", "B"}
	txs := []string{"T1", "T2", "T3"}

	for i := 0; i < 200; i++ {
		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = f.engine.FailSubstation(ctx, subs[rng.Intn(len(subs))])
		case 1:
			_, err = f.engine.RestoreSubstation(ctx, subs[rng.Intn(len(subs))])
		case 2:
			_, err = f.engine.FailTransformer(ctx, txs[rng.Intn(len(txs))])
		case 3:
			_, err = f.engine.RestoreTransformer(ctx, txs[rng.Intn(len(txs))])
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		f.signals.Tick(time.Duration(rng.Intn(30)) * time.Second)
		f.checkDerivation(t)
	}
}

func TestNilSinks(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.topo, nil, nil, nil)
	imp, err := e.FailSubstation(context.Background(), "A")
	if err != nil || imp.SignalsAffected != 2 {
		t.Fatalf("FailSubstation with nil sinks = %+v, %v", imp, err)
	}
}
