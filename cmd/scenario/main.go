// Command scenario replays a scripted outage against a topology in
// accelerated time and prints how signals and charging respond.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

// script is one scenario run.
type script struct {
	Start       time.Time
	Duration    time.Duration
	Tick        time.Duration
	Substation  string // empty means no outage
	FailAt      time.Duration
	RestoreAt   time.Duration // zero keeps the substation down
	EVs         int
	Seed        uint64
	ReportEvery time.Duration
}

// outcome counts what happened during a run.
type outcome struct {
	Ticks     int
	Assigned  int
	Queued    int
	Promoted  int // queued vehicles later moved onto a port
	Completed int
	Aborted   int
	Rejected  int
	Refused   int // requests answered with no capacity
	Final     *state.Snapshot
}

// count tallies how a charging request was answered. Each ticket is counted
// once; the run loop stops polling it after its result arrives.
func (o *outcome) count(r state.Result) {
	switch {
	case r.Err != nil:
		o.Refused++
	case r.Assignment == nil:
	case r.Assignment.Immediate:
		o.Assigned++
	default:
		o.Queued++
	}
}

func main() {
	topoPath := flag.String("topology", "configs/midtown.yaml", "path to the topology document")
	duration := flag.Duration("duration", 2*time.Hour, "total simulation duration")
	tick := flag.Duration("tick", time.Second, "tick interval")
	startAt := flag.String("start", "2025-06-01T07:00:00Z", "RFC3339 simulation start time")
	fail := flag.String("fail-substation", "sub-times-square", "substation to fail (empty disables the outage)")
	failAt := flag.Duration("fail-at", 15*time.Minute, "offset of the outage from start")
	restoreAt := flag.Duration("restore-at", 45*time.Minute, "offset of the restoration from start (0 keeps it down)")
	evs := flag.Int("evs", 24, "electric vehicles requesting a charge at start")
	seed := flag.Uint64("seed", 1, "random seed for vehicle placement")
	every := flag.Duration("report-every", 15*time.Minute, "simulation time between status lines")
	flag.Parse()

	start, err := time.Parse(time.RFC3339, *startAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		os.Exit(2)
	}

	f, err := os.Open(*topoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open topology: %v\n", err)
		os.Exit(1)
	}
	topo, summary, err := core.LoadTopology(f, core.LoadOptions{Period: core.PeriodAt(start)})
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load topology: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %s: %d substations, %d transformers, %d signals, %d stations (%d ports)\n",
		*topoPath, summary.Substations, summary.Transformers, summary.Signals, summary.Stations, summary.Ports)

	res, err := run(context.Background(), topo, script{
		Start:       start,
		Duration:    *duration,
		Tick:        *tick,
		Substation:  *fail,
		FailAt:      *failAt,
		RestoreAt:   *restoreAt,
		EVs:         *evs,
		Seed:        *seed,
		ReportEvery: *every,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Scenario complete after %d ticks: assigned=%d queued=%d promoted=%d completed=%d aborted=%d rejected=%d refused=%d\n",
		res.Ticks, res.Assigned, res.Queued, res.Promoted, res.Completed, res.Aborted, res.Rejected, res.Refused)
}

// plugger collects assignments and notices so the run loop can plug in
// vehicles routed to a free port, standing in for the traffic simulator.
type plugger struct {
	mu      sync.Mutex
	arrived []bridge.AssignmentCommand
	notices []bridge.ChargingNotice
}

func (p *plugger) PublishSignals(context.Context, bridge.SignalFrame) error { return nil }

func (p *plugger) PublishAssignment(_ context.Context, cmd bridge.AssignmentCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arrived = append(p.arrived, cmd)
	return nil
}

func (p *plugger) PublishNotice(_ context.Context, n bridge.ChargingNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
	return nil
}

func (p *plugger) drain() ([]bridge.AssignmentCommand, []bridge.ChargingNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, n := p.arrived, p.notices
	p.arrived, p.notices = nil, nil
	return a, n
}

func run(ctx context.Context, topo *kb.Topology, sc script, out io.Writer) (outcome, error) {
	if sc.Tick <= 0 {
		sc.Tick = time.Second
	}
	tc := timectrl.NewTimeController(sc.Start, sc.Tick, timectrl.Accelerated)
	plug := &plugger{}
	engine, err := state.NewEngine(topo, tc, state.Config{
		FollowTimeOfDay: true,
		AutoFinish:      true,
	}, state.WithTraffic(plug), state.WithLogger(logging.Noop()))
	if err != nil {
		return outcome{}, err
	}

	var res outcome
	var tickets []*state.Ticket
	rng := rand.New(rand.NewPCG(sc.Seed, sc.Seed^0x9e3779b97f4a7c15))
	stations := topo.Stations()
	for i := 0; i < sc.EVs && len(stations) > 0; i++ {
		home := stations[rng.IntN(len(stations))].Position
		req := charging.Request{
			VehicleID: fmt.Sprintf("ev-%03d", i+1),
			Soc:       0.05 + rng.Float64()*0.5,
			Position:  model.Position{Lat: home.Lat + (rng.Float64()-0.5)*0.004, Lon: home.Lon + (rng.Float64()-0.5)*0.004},
			Emergency: i%10 == 9,
		}
		t, err := engine.Submit(ctx, state.RequestCharging(req))
		if err != nil {
			return outcome{}, err
		}
		tickets = append(tickets, t)
	}

	waiting := make(map[string]bool)
	failed, restored := false, false
	var lastReport time.Time
	report := func(s *state.Snapshot) {
		up := 0
		for _, sub := range s.Substations {
			if sub.Operational {
				up++
			}
		}
		occupied, queued := 0, 0
		for _, st := range s.Stations {
			occupied += st.Occupied()
			queued += st.QueueLength
		}
		fmt.Fprintf(out, "[%s] %-10s substations up %d/%d; signals flashing=%d dark=%d; chargers occupied=%d queued=%d load=%.0f kW\n",
			s.Time.Format(time.RFC3339), s.Period, up, len(s.Substations),
			s.SignalStats.Flashing, s.SignalStats.Dark, occupied, queued, s.ChargingLoadKW())
	}

	tc.AddListener(func(now time.Time) {
		snap := engine.Tick(ctx, now)
		res.Ticks++

		arrived, notices := plug.drain()
		for _, a := range arrived {
			if !a.Immediate {
				waiting[a.VehicleID] = true
				continue
			}
			if waiting[a.VehicleID] {
				delete(waiting, a.VehicleID)
				res.Promoted++
			}
			_, _ = engine.Submit(ctx, state.StartCharging(a.VehicleID, a.StationID))
		}
		for _, n := range notices {
			switch n.Kind {
			case charging.EventCompleted.String():
				res.Completed++
			case charging.EventAborted.String():
				res.Aborted++
			case charging.EventRejected.String():
				res.Rejected++
			}
		}
		pending := tickets[:0]
		for _, t := range tickets {
			select {
			case r, ok := <-t.Done():
				if ok {
					res.count(r)
				}
			default:
				pending = append(pending, t)
			}
		}
		tickets = pending

		elapsed := now.Sub(sc.Start)
		if sc.Substation != "" && !failed && elapsed >= sc.FailAt {
			failed = true
			fmt.Fprintf(out, "[%s] failing %s\n", now.Format(time.RFC3339), sc.Substation)
			_, _ = engine.Submit(ctx, state.FailSubstation(sc.Substation))
		}
		if failed && !restored && sc.RestoreAt > 0 && elapsed >= sc.RestoreAt {
			restored = true
			fmt.Fprintf(out, "[%s] restoring %s\n", now.Format(time.RFC3339), sc.Substation)
			_, _ = engine.Submit(ctx, state.RestoreSubstation(sc.Substation))
		}
		if sc.ReportEvery > 0 && now.Sub(lastReport) >= sc.ReportEvery {
			lastReport = now
			report(snap)
		}
		res.Final = snap
	})

	for elapsed := time.Duration(0); elapsed < sc.Duration; elapsed += sc.Tick {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tc.Step()
	}
	return res, nil
}
