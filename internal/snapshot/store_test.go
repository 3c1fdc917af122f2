package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

// fakeRedis keeps strings and lists in maps and answers with pre-resolved
// go-redis commands.
type fakeRedis struct {
	strings map[string]string
	ttls    map[string]time.Duration
	lists   map[string][]string
	failSet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{strings: map[string]string{}, ttls: map[string]time.Duration{}, lists: map[string][]string{}}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return ""
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.strings[key] = asString(value)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append([]string{asString(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	l := f.lists[key]
	if int(stop)+1 < len(l) {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	l := f.lists[key]
	end := min(int(stop)+1, len(l))
	if int(start) >= end {
		return redis.NewStringSliceResult(nil, nil)
	}
	return redis.NewStringSliceResult(l[start:end], nil)
}

// liveSnapshots runs a tiny grid for n ticks and returns every snapshot.
func liveSnapshots(t *testing.T, n int) []*state.Snapshot {
	t.Helper()
	topo, err := kb.NewBuilder().
		AddSubstation(model.Substation{ID: "A", CapacityMVA: 10, LoadMW: 4, CoverageArea: "Midtown"}).
		AddTransformer(model.Transformer{ID: "T1", SubstationID: "A"}).
		AddSignal(model.SignalDefinition{ID: "S1", TransformerID: "T1", Timing: core.DefaultTiming()}).
		AddStation(model.StationDefinition{ID: "C1", TransformerID: "T1", Ports: []model.PortSpec{{PowerKW: 50}}, QueueCapacity: 1}).
		Build()
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	tc := timectrl.NewTimeController(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), time.Second, timectrl.Accelerated)
	e, err := state.NewEngine(topo, tc, state.Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	if _, err := e.Submit(ctx, state.RequestCharging(charging.Request{VehicleID: "V1", Soc: 0.1})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.Submit(ctx, state.RequestCharging(charging.Request{VehicleID: "V2", Soc: 0.5})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out := make([]*state.Snapshot, 0, n)
	for range n {
		out = append(out, e.Tick(ctx, tc.Step()))
	}
	return out
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := NewRedisStore(client, RedisConfig{Prefix: "test", History: 2, TTL: time.Minute})

	if _, err := store.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest on empty store err = %v, want ErrNotFound", err)
	}

	snaps := liveSnapshots(t, 3)
	for _, s := range snaps {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if client.ttls["test:latest"] != time.Minute {
		t.Fatalf("ttl = %v", client.ttls["test:latest"])
	}

	got, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	want := snaps[2]
	if got.Tick != want.Tick || !got.Time.Equal(want.Time) || got.Period != want.Period {
		t.Fatalf("latest header = %d/%v/%s, want %d/%v/%s", got.Tick, got.Time, got.Period, want.Tick, want.Time, want.Period)
	}
	st, ok := got.Station("C1")
	if !ok || st.State != charging.StationFull || st.QueueLength != 1 || st.Queue[0].Priority != charging.PriorityNormal {
		t.Fatalf("decoded station = %+v", st)
	}
	if len(st.Ports) != 1 || st.Ports[0].State != charging.PortReserved || st.Ports[0].Session == nil || st.Ports[0].Session.VehicleID != "V1" {
		t.Fatalf("decoded ports = %+v", st.Ports)
	}
	sig, ok := got.Signal("S1")
	if !ok || sig.Phase != signal.NSGreen {
		t.Fatalf("decoded signal = %+v", sig)
	}
	if len(got.Cables) != 3 || !got.Cables[0].Operational {
		t.Fatalf("decoded cables = %+v", got.Cables)
	}

	hist, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Tick != 3 || hist[1].Tick != 2 {
		t.Fatalf("history ticks = %v", ticks(hist))
	}
}

func TestRedisStoreErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.failSet = errors.New("READONLY")
	store := NewRedisStore(client, RedisConfig{})
	if err := store.Save(ctx, &state.Snapshot{}); err == nil || !errors.Is(err, client.failSet) {
		t.Fatalf("Save err = %v", err)
	}
	if err := store.Save(ctx, nil); err == nil {
		t.Fatalf("nil snapshot should fail")
	}

	client.strings["gridtwin:snapshot:latest"] = "{not json"
	if _, err := store.Latest(ctx); err == nil {
		t.Fatalf("corrupt payload should fail")
	}
}

func TestMemoryStoreHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	if _, err := store.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest err = %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := store.Save(ctx, &state.Snapshot{Tick: uint64(i)}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	latest, _ := store.Latest(ctx)
	if latest.Tick != 5 {
		t.Fatalf("latest tick = %d", latest.Tick)
	}
	hist, _ := store.History(ctx, 10)
	if got := ticks(hist); len(got) != 3 || got[0] != 5 || got[2] != 3 {
		t.Fatalf("history = %v", got)
	}
	if hist, _ := store.History(ctx, -1); len(hist) != 0 {
		t.Fatalf("negative n returned %d", len(hist))
	}
}

func ticks(snaps []*state.Snapshot) []uint64 {
	out := make([]uint64, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Tick)
	}
	return out
}
