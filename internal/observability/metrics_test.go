package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("NewGridCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/gridtwin.control.v1.GridControl/FailSubstation"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("GridControl", "FailSubstation", "OK")); got != 1 {
		t.Fatalf("control_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "control_request_duration_seconds", map[string]string{
		"service": "GridControl",
		"method":  "FailSubstation",
	}); count != 1 {
		t.Fatalf("control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("NewGridCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/gridtwin.control.v1.GridControl/RequestCharging"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.ResourceExhausted, "no capacity")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("GridControl", "RequestCharging", "ResourceExhausted")); got != 1 {
		t.Fatalf("control_requests_total error label = %v, want 1", got)
	}
}

func TestRecorderTracksTicksAndIntents(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("NewGridCollector: %v", err)
	}
	var rec state.MetricsRecorder = collector

	rec.ObserveTick(2*time.Millisecond, 3)
	rec.IntentHandled("fail_substation", "ok")
	rec.IntentHandled("request_charging", "no_capacity")
	rec.IntentHandled("request_charging", "no_capacity")
	rec.ChargingEvent("aborted")

	if got := testutil.ToFloat64(collector.Intents.WithLabelValues("request_charging", "no_capacity")); got != 2 {
		t.Fatalf("grid_intents_total{no_capacity} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Admission.Events.WithLabelValues("aborted")); got != 1 {
		t.Fatalf("charging_events_total{aborted} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "grid_tick_duration_seconds", nil); count != 1 {
		t.Fatalf("grid_tick_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestRecordSnapshotSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("NewGridCollector: %v", err)
	}

	snap := &state.Snapshot{
		Pending: 4,
		Substations: []state.SubstationView{
			{SubstationState: fault.SubstationState{ID: "A", Operational: true, LoadMW: 10}, ProjectedLoadMW: 12.5},
			{SubstationState: fault.SubstationState{ID: "B", Operational: false}},
		},
		Transformers: []fault.TransformerState{{ID: "T1", Powered: true}, {ID: "T2"}, {ID: "T3"}},
		Signals: []signal.View{
			{ID: "S1", Phase: signal.NSGreen},
			{ID: "S2", Phase: signal.NSGreen},
			{ID: "S3", Phase: signal.Off},
		},
		SignalStats: signal.Stats{Total: 3, Dark: 1},
		Stations: []charging.StationStatus{
			{ID: "C1", Operational: true, ReservedPorts: 1, ChargingPorts: 1, QueueLength: 2, LoadKW: 150},
		},
	}
	collector.RecordSnapshot(snap)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"pending", collector.PendingIntents, 4},
		{"sub A up", collector.SubstationUp.WithLabelValues("A"), 1},
		{"sub B up", collector.SubstationUp.WithLabelValues("B"), 0},
		{"sub A load", collector.SubstationLoad.WithLabelValues("A"), 12.5},
		{"unpowered transformers", collector.TransformersDown, 2},
		{"ns green", collector.SignalsByPhase.WithLabelValues("NS_GREEN"), 2},
		{"dark", collector.SignalsDark, 1},
		{"occupied", collector.Admission.OccupiedPorts.WithLabelValues("C1"), 2},
		{"queue", collector.Admission.QueueLength.WithLabelValues("C1"), 2},
		{"load", collector.Admission.StationLoad.WithLabelValues("C1"), 150},
		{"station up", collector.Admission.StationUp.WithLabelValues("C1"), 1},
	}
	for _, tc := range checks {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}

	// A phase that disappears must not linger in the gauge.
	snap.Signals = []signal.View{{ID: "S1", Phase: signal.EWGreen}}
	collector.RecordSnapshot(snap)
	if got := testutil.CollectAndCount(collector.SignalsByPhase); got != 1 {
		t.Fatalf("grid_signals series = %d, want 1", got)
	}
}

func TestMetricsHandlerExposesGridGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("NewGridCollector: %v", err)
	}
	collector.RecordSnapshot(&state.Snapshot{
		Substations: []state.SubstationView{{SubstationState: fault.SubstationState{ID: "A", Operational: true}}},
		Stations:    []charging.StationStatus{{ID: "C1"}},
	})
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)
	collector.Admission.AddSnapshotDrops(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"control_requests_total",
		"control_request_duration_seconds",
		`grid_substation_up{substation="A"} 1`,
		"charging_station_queue_length",
		"snapshot_writes_dropped_total 3",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("first NewGridCollector: %v", err)
	}
	second, err := NewGridCollector(reg)
	if err != nil {
		t.Fatalf("second NewGridCollector: %v", err)
	}
	first.IntentHandled("optimize_zone", "ok")
	if got := testutil.ToFloat64(second.Intents.WithLabelValues("optimize_zone", "ok")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/gridtwin.control.v1.GridControl/Snapshot", "GridControl", "Snapshot"},
		{"GridControl/Snapshot", "GridControl", "Snapshot"},
		{"", "unknown", "unknown"},
		{"/justone", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %q/%q, want %q/%q", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
