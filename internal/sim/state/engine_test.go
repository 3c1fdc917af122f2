package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

type recordingTraffic struct {
	mu          sync.Mutex
	frames      []bridge.SignalFrame
	assignments []bridge.AssignmentCommand
	notices     []bridge.ChargingNotice
}

func (r *recordingTraffic) PublishSignals(_ context.Context, f bridge.SignalFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingTraffic) PublishAssignment(_ context.Context, c bridge.AssignmentCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, c)
	return nil
}

func (r *recordingTraffic) PublishNotice(_ context.Context, n bridge.ChargingNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

type countingMetrics struct {
	ticks    int
	outcomes map[string]int
	events   map[string]int
	last     *Snapshot
}

func (m *countingMetrics) ObserveTick(time.Duration, int) { m.ticks++ }
func (m *countingMetrics) IntentHandled(kind, outcome string) {
	m.outcomes[kind+"/"+outcome]++
}
func (m *countingMetrics) ChargingEvent(kind string)  { m.events[kind]++ }
func (m *countingMetrics) RecordSnapshot(s *Snapshot) { m.last = s }

type collectingSink struct{ snaps []*Snapshot }

func (c *collectingSink) Offer(s *Snapshot) { c.snaps = append(c.snaps, s) }

type harness struct {
	engine  *Engine
	clock   *timectrl.TimeController
	traffic *recordingTraffic
	metrics *countingMetrics
}

// newHarness builds substation A > transformer T1 > {signal S1, station
// C1 with two ports and a queue of two} plus substation B > T2 > C2.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	topo, err := kb.NewBuilder().
		AddSubstation(model.Substation{ID: "A", CapacityMVA: 20, LoadMW: 10, CoverageArea: "Midtown"}).
		AddSubstation(model.Substation{ID: "B", CapacityMVA: 20, LoadMW: 5}).
		AddTransformer(model.Transformer{ID: "T1", SubstationID: "A"}).
		AddTransformer(model.Transformer{ID: "T2", SubstationID: "B"}).
		AddSignal(model.SignalDefinition{ID: "S1", TransformerID: "T1", Street: 42, Timing: core.DefaultTiming(), BatteryBackup: true}).
		AddStation(model.StationDefinition{ID: "C1", TransformerID: "T1", Ports: []model.PortSpec{{PowerKW: 50}, {PowerKW: 50}}, QueueCapacity: 2, Edge: "edge-c1"}).
		AddStation(model.StationDefinition{ID: "C2", TransformerID: "T2", Ports: []model.PortSpec{{PowerKW: 22}}, QueueCapacity: 0, Position: model.Position{Lat: 1}}).
		Build()
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	start := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	traffic := &recordingTraffic{}
	metrics := &countingMetrics{outcomes: map[string]int{}, events: map[string]int{}}
	e, err := NewEngine(topo, tc, cfg, WithTraffic(traffic), WithMetricsRecorder(metrics))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Attach(context.Background(), tc)
	return &harness{engine: e, clock: tc, traffic: traffic, metrics: metrics}
}

func (h *harness) submit(t *testing.T, in Intent) *Ticket {
	t.Helper()
	tk, err := h.engine.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit(%s): %v", in.Kind, err)
	}
	return tk
}

func result(t *testing.T, tk *Ticket) Result {
	t.Helper()
	select {
	case r := <-tk.Done():
		return r
	default:
		t.Fatalf("intent %s not resolved", tk.ID)
		return Result{}
	}
}

func TestChargingFailRestoreScenario(t *testing.T) {
	h := newHarness(t, Config{})
	req := func(v string, soc float64) Intent {
		return RequestCharging(charging.Request{VehicleID: v, Soc: soc, Exclude: []string{"C2"}})
	}

	v1, v2, v3 := h.submit(t, req("V1", 0.1)), h.submit(t, req("V2", 0.5)), h.submit(t, req("V3", 0.9))
	h.clock.Step()
	for _, tk := range []*Ticket{v1, v2} {
		r := result(t, tk)
		if r.Err != nil || r.Assignment == nil || !r.Assignment.Immediate {
			t.Fatalf("%s: %+v", tk.ID, r)
		}
	}
	r3 := result(t, v3)
	if r3.Err != nil || r3.Assignment.Immediate || r3.Assignment.Priority != charging.PriorityNormal {
		t.Fatalf("V3 should be queued at normal priority, got %+v", r3)
	}

	fail := h.submit(t, FailSubstation("A"))
	h.clock.Step()
	imp := result(t, fail).Impact
	if imp == nil || len(imp.Aborted) != 2 || len(imp.Rejected) != 1 || imp.Rejected[0].VehicleID != "V3" {
		t.Fatalf("impact = %+v", imp)
	}
	snap := h.engine.Snapshot()
	c1, _ := snap.Station("C1")
	if c1.Operational || c1.Occupied() != 0 || c1.QueueLength != 0 {
		t.Fatalf("C1 after failure = %+v", c1)
	}
	s1, _ := snap.Signal("S1")
	if s1.Phase != signal.FlashingRed {
		t.Fatalf("S1 phase = %s, want FLASHING_RED", s1.Phase)
	}

	restore := h.submit(t, RestoreSubstation("A"))
	h.clock.Step()
	if r := result(t, restore); r.Err != nil || !r.Impact.Changed {
		t.Fatalf("restore = %+v", r)
	}
	c1, _ = h.engine.Snapshot().Station("C1")
	if c1.FreePorts != 2 || c1.QueueLength != 0 {
		t.Fatalf("C1 after restore = %+v", c1)
	}

	again := h.submit(t, req("V3", 0.9))
	h.clock.Step()
	if r := result(t, again); r.Err != nil || !r.Assignment.Immediate {
		t.Fatalf("V3 retry = %+v", r)
	}

	kinds := map[string]int{}
	for _, n := range h.traffic.notices {
		kinds[n.Kind]++
	}
	if kinds["aborted"] != 2 || kinds["rejected"] != 1 {
		t.Fatalf("notices = %v", kinds)
	}
	if h.metrics.events["aborted"] != 2 || h.metrics.outcomes["fail_substation/ok"] != 1 {
		t.Fatalf("metrics = %v %v", h.metrics.events, h.metrics.outcomes)
	}
}

func TestFaultsApplyBeforeAdmissionInSameTick(t *testing.T) {
	h := newHarness(t, Config{})
	// Submitted first, applied second.
	request := h.submit(t, RequestCharging(charging.Request{VehicleID: "V", Soc: 0.5, Exclude: []string{"C2"}}))
	fail := h.submit(t, FailSubstation("A"))
	h.clock.Step()

	if r := result(t, fail); r.Err != nil {
		t.Fatalf("fail: %v", r.Err)
	}
	r := result(t, request)
	var nc *charging.NoCapacityError
	if !errors.As(r.Err, &nc) || len(nc.Offline) != 1 || nc.Offline[0] != "C1" {
		t.Fatalf("request err = %v, want no capacity with C1 offline", r.Err)
	}
	if h.metrics.outcomes["request_charging/no_capacity"] != 1 {
		t.Fatalf("outcomes = %v", h.metrics.outcomes)
	}
}

func TestAssignmentCommandsCarryTargetEdge(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, RequestCharging(charging.Request{VehicleID: "V1", Soc: 0.5, Exclude: []string{"C2"}}))
	h.submit(t, RequestCharging(charging.Request{VehicleID: "V2", Soc: 0.5, Position: model.Position{Lat: 1}}))
	h.clock.Step()

	if len(h.traffic.assignments) != 2 {
		t.Fatalf("assignments = %+v", h.traffic.assignments)
	}
	got := map[string]bridge.AssignmentCommand{}
	for _, a := range h.traffic.assignments {
		got[a.VehicleID] = a
	}
	if got["V1"].TargetEdge != "edge-c1" || !got["V1"].Immediate {
		t.Fatalf("V1 command = %+v", got["V1"])
	}
	if got["V2"].StationID != "C2" || got["V2"].TargetEdge != "C2" {
		t.Fatalf("V2 command = %+v", got["V2"])
	}
}

func TestSignalFramesEveryTick(t *testing.T) {
	h := newHarness(t, Config{LaneGroups: 8})
	for range 3 {
		h.clock.Step()
	}
	if len(h.traffic.frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(h.traffic.frames))
	}
	f := h.traffic.frames[2]
	if f.Tick != 3 || len(f.Commands) != 1 {
		t.Fatalf("frame = %+v", f)
	}
	cmd := f.Commands[0]
	if cmd.SignalID != "S1" || cmd.Phase != "NS_GREEN" || cmd.State != "GGrrGGrr" || cmd.Color != "#00ff00" {
		t.Fatalf("command = %+v", cmd)
	}
}

func TestSafetyAcrossTicks(t *testing.T) {
	h := newHarness(t, Config{})
	var lastGreen signal.Phase = -1
	prev := h.engine.Snapshot().Signals[0].Phase
	for i := 0; i < 600; i++ {
		h.clock.Step()
		p := h.engine.Snapshot().Signals[0].Phase
		if (p == signal.NSGreen || p == signal.EWGreen) && p != prev {
			if prev != signal.AllRed {
				t.Fatalf("tick %d: %s entered from %s", i, p, prev)
			}
			if p == lastGreen {
				t.Fatalf("tick %d: %s served twice in a row", i, p)
			}
		}
		if p == signal.NSGreen || p == signal.EWGreen {
			lastGreen = p
		}
		prev = p
	}
}

func TestIntakeFullAndInvalid(t *testing.T) {
	h := newHarness(t, Config{IntakeCapacity: 2})
	ctx := context.Background()
	h.submit(t, FinishCharging("a"))
	h.submit(t, FinishCharging("b"))
	if _, err := h.engine.Submit(ctx, FinishCharging("c")); !errors.Is(err, ErrIntakeFull) {
		t.Fatalf("third submit err = %v, want ErrIntakeFull", err)
	}
	if h.engine.Pending() != 2 {
		t.Fatalf("pending = %d", h.engine.Pending())
	}
	h.clock.Step()
	if h.engine.Pending() != 0 {
		t.Fatalf("pending after tick = %d", h.engine.Pending())
	}

	if _, err := h.engine.Submit(ctx, Intent{Kind: KindFailSubstation}); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("empty target err = %v", err)
	}
	if _, err := h.engine.Submit(ctx, Intent{Kind: 99}); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("unknown kind err = %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := h.engine.Submit(cancelled, FinishCharging("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx err = %v", err)
	}
}

func TestUnknownTargetsResolveWithError(t *testing.T) {
	h := newHarness(t, Config{})
	fail := h.submit(t, FailSubstation("nope"))
	preempt := h.submit(t, PreemptSignal("ghost", signal.EastWest))
	zone := h.submit(t, OptimizeZone("nowhere"))
	h.clock.Step()

	if r := result(t, fail); !errors.Is(r.Err, kb.ErrSubstationNotFound) || r.Impact != nil {
		t.Fatalf("fail = %+v", r)
	}
	if r := result(t, preempt); !errors.Is(r.Err, kb.ErrSignalNotFound) || r.Changed {
		t.Fatalf("preempt = %+v", r)
	}
	if r := result(t, zone); r.Err == nil {
		t.Fatalf("unknown zone should fail")
	}
	sub, _ := h.engine.Snapshot().Substation("A")
	if !sub.Operational {
		t.Fatalf("substation A mutated")
	}
}

func TestAutoChargeAndAutoFinish(t *testing.T) {
	h := newHarness(t, Config{AutoCharge: true, AutoFinish: true, Charging: charging.Config{SessionLength: 3 * time.Second}})
	update := h.submit(t, VehicleUpdate([]model.VehicleSnapshot{
		{ID: "ev-low", Soc: 0.1, IsEV: true},
		{ID: "ev-ok", Soc: 0.6, IsEV: true},
		{ID: "gas", Soc: 0.05},
	}))
	h.clock.Step()
	if r := result(t, update); r.Count != 1 {
		t.Fatalf("auto requests = %d, want 1", r.Count)
	}
	h.submit(t, VehicleUpdate([]model.VehicleSnapshot{{ID: "ev-low", Soc: 0.09, IsEV: true}}))
	start := h.submit(t, StartCharging("ev-low", "C1"))
	h.clock.Step()
	if r := result(t, start); !r.Changed {
		t.Fatalf("start = %+v", r)
	}

	for range 3 {
		h.clock.Step()
	}
	c1, _ := h.engine.Snapshot().Station("C1")
	if c1.Occupied() != 0 {
		t.Fatalf("session should have auto-finished, got %+v", c1)
	}
	if h.metrics.events["completed"] != 1 {
		t.Fatalf("events = %v", h.metrics.events)
	}
}

func TestSnapshotsAreNotMutated(t *testing.T) {
	h := newHarness(t, Config{})
	sink := &collectingSink{}
	h.engine.sinks = append(h.engine.sinks, sink)

	h.submit(t, RequestCharging(charging.Request{VehicleID: "V1", Soc: 0.5, Exclude: []string{"C2"}}))
	h.clock.Step()
	first := h.engine.Snapshot()
	c1, _ := first.Station("C1")
	if c1.ReservedPorts != 1 {
		t.Fatalf("reserved = %d", c1.ReservedPorts)
	}

	h.submit(t, FailSubstation("A"))
	h.clock.Step()
	c1, _ = first.Station("C1")
	if c1.ReservedPorts != 1 || !c1.Operational || first.Tick != 1 {
		t.Fatalf("earlier snapshot changed: %+v", c1)
	}
	if len(sink.snaps) != 2 || sink.snaps[1] != h.engine.Snapshot() {
		t.Fatalf("sink saw %d snapshots", len(sink.snaps))
	}
	sub, _ := h.engine.Snapshot().Substation("A")
	if sub.Operational || sub.ProjectedLoadMW != 0 {
		t.Fatalf("substation A = %+v", sub)
	}
	if h.metrics.last != h.engine.Snapshot() || h.metrics.ticks != 2 {
		t.Fatalf("metrics saw tick %d", h.metrics.ticks)
	}
}

func TestConcurrentSubmitAndRead(t *testing.T) {
	h := newHarness(t, Config{IntakeCapacity: 4096})
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := h.engine.Submit(ctx, OptimizeZone("midtown")); err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				_ = h.engine.Snapshot().SignalStats
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.clock.Step()
		}
	}()
	wg.Wait()
	<-done
	h.clock.Step()
	if h.engine.Pending() != 0 {
		t.Fatalf("pending = %d after final tick", h.engine.Pending())
	}
	total := 0
	for k, n := range h.metrics.outcomes {
		if k == "optimize_zone/error" {
			total += n
		}
	}
	if total != 400 {
		t.Fatalf("handled %d optimize intents, want 400", total)
	}
}

func TestDoWaitsForTick(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := h.clock.Run(ctx, 0)
	r, err := h.engine.Do(ctx, FailSubstation("B"))
	if err != nil || r.Impact == nil || r.Impact.StationsAffected != 1 {
		t.Fatalf("Do = %+v, %v", r, err)
	}
	cancel()
	<-done
}
