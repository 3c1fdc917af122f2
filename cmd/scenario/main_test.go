package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/kb"
)

func loadMidtown(t *testing.T, start time.Time) *kb.Topology {
	t.Helper()
	f, err := os.Open("../../configs/midtown.yaml")
	if err != nil {
		t.Fatalf("open topology: %v", err)
	}
	defer f.Close()
	topo, _, err := core.LoadTopology(f, core.LoadOptions{Period: core.PeriodAt(start)})
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	return topo
}

func TestScenarioOutageAbortsSessions(t *testing.T) {
	start := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	res, err := run(context.Background(), loadMidtown(t, start), script{
		Start:       start,
		Duration:    time.Hour,
		Tick:        5 * time.Second,
		Substation:  "sub-times-square",
		FailAt:      5 * time.Minute,
		RestoreAt:   20 * time.Minute,
		EVs:         24,
		Seed:        7,
		ReportEvery: 10 * time.Minute,
	}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Ticks != 720 {
		t.Fatalf("ticks = %d, want 720", res.Ticks)
	}
	if got := res.Assigned + res.Queued + res.Refused; got != 24 {
		t.Fatalf("resolved requests = %d, want 24 (%+v)", got, res)
	}
	if res.Assigned == 0 {
		t.Fatalf("no vehicle was assigned a port: %+v", res)
	}
	if res.Aborted == 0 {
		t.Fatalf("outage should abort sessions at Times Square: %+v", res)
	}
	if res.Completed == 0 {
		t.Fatalf("sessions away from the outage should still complete: %+v", res)
	}
	if sub, ok := res.Final.Substation("sub-times-square"); !ok || !sub.Operational {
		t.Fatalf("substation should be restored by the end: %+v", sub)
	}

	log := out.String()
	for _, want := range []string{"failing sub-times-square", "restoring sub-times-square", "substations up 1/2"} {
		if !strings.Contains(log, want) {
			t.Fatalf("output missing %q:\n%s", want, log)
		}
	}
}

func TestScenarioWithoutOutage(t *testing.T) {
	start := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	res, err := run(context.Background(), loadMidtown(t, start), script{
		Start:    start,
		Duration: time.Hour,
		Tick:     10 * time.Second,
		EVs:      10,
		Seed:     3,
	}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Aborted != 0 || res.Rejected != 0 {
		t.Fatalf("nothing should be aborted without an outage: %+v", res)
	}
	if res.Completed == 0 {
		t.Fatalf("sessions should complete within an hour: %+v", res)
	}
	if got := res.Assigned + res.Queued + res.Refused; got != 10 {
		t.Fatalf("resolved requests = %d, want 10 (%+v)", got, res)
	}
	if out.Len() != 0 {
		t.Fatalf("reporting disabled but got output:\n%s", out.String())
	}
}

func TestOutcomeCountsRequestAnswers(t *testing.T) {
	var o outcome
	o.count(state.Result{Assignment: &charging.Assignment{StationID: "a", Immediate: true}})
	o.count(state.Result{Assignment: &charging.Assignment{StationID: "a"}})
	o.count(state.Result{Err: charging.ErrNoCapacity})
	o.count(state.Result{})
	if o.Assigned != 1 || o.Queued != 1 || o.Refused != 1 {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestScenarioHonoursCancellation(t *testing.T) {
	start := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run(ctx, loadMidtown(t, start), script{Start: start, Duration: time.Hour}, &bytes.Buffer{})
	if err == nil {
		t.Fatalf("expected context error")
	}
}
