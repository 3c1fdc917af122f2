package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/gridtwin/internal/sim/state"
)

// GridCollector bundles Prometheus metrics for the control surface and the
// tick loop. It satisfies state.MetricsRecorder.
type GridCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	TickDuration   prometheus.Histogram
	TickIntents    prometheus.Histogram
	Intents        *prometheus.CounterVec
	PendingIntents prometheus.Gauge

	SubstationUp     *prometheus.GaugeVec
	SubstationLoad   *prometheus.GaugeVec
	TransformersDown prometheus.Gauge
	SignalsByPhase   *prometheus.GaugeVec
	SignalsDark      prometheus.Gauge

	Admission *AdmissionCollector
}

var _ state.MetricsRecorder = (*GridCollector)(nil)

// NewGridCollector registers grid metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewGridCollector(reg prometheus.Registerer) (*GridCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grid_tick_duration_seconds",
		Help:    "Wall time spent applying one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}), "grid_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	tickIntents, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grid_tick_intents",
		Help:    "Number of intents applied per tick.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	}), "grid_tick_intents")
	if err != nil {
		return nil, err
	}
	intents, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_intents_total",
		Help: "Intents applied by the tick loop, labeled by kind and outcome.",
	}, []string{"kind", "outcome"}), "grid_intents_total")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_pending_intents",
		Help: "Intents waiting in the intake when the last snapshot was taken.",
	}), "grid_pending_intents")
	if err != nil {
		return nil, err
	}

	subUp, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_substation_up",
		Help: "1 when the substation is operational, 0 otherwise.",
	}, []string{"substation"}), "grid_substation_up")
	if err != nil {
		return nil, err
	}
	subLoad, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_substation_load_mw",
		Help: "Projected substation load in megawatts after the time-of-day factor.",
	}, []string{"substation"}), "grid_substation_load_mw")
	if err != nil {
		return nil, err
	}
	txDown, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_transformers_unpowered",
		Help: "Transformers currently without power.",
	}), "grid_transformers_unpowered")
	if err != nil {
		return nil, err
	}
	byPhase, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_signals",
		Help: "Signals by displayed phase.",
	}, []string{"phase"}), "grid_signals")
	if err != nil {
		return nil, err
	}
	dark, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_signals_dark",
		Help: "Signals that are unpowered and have no battery backup.",
	}), "grid_signals_dark")
	if err != nil {
		return nil, err
	}

	admission, err := NewAdmissionCollector(reg)
	if err != nil {
		return nil, err
	}

	return &GridCollector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		TickDuration:     tickDuration,
		TickIntents:      tickIntents,
		Intents:          intents,
		PendingIntents:   pending,
		SubstationUp:     subUp,
		SubstationLoad:   subLoad,
		TransformersDown: txDown,
		SignalsByPhase:   byPhase,
		SignalsDark:      dark,
		Admission:        admission,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *GridCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GridCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records how long a tick took and how many intents it applied.
func (c *GridCollector) ObserveTick(d time.Duration, intents int) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
	c.TickIntents.Observe(float64(intents))
}

// IntentHandled counts one applied intent.
func (c *GridCollector) IntentHandled(kind, outcome string) {
	if c == nil {
		return
	}
	c.Intents.WithLabelValues(kind, outcome).Inc()
}

// ChargingEvent counts one admission event.
func (c *GridCollector) ChargingEvent(kind string) {
	if c == nil {
		return
	}
	c.Admission.IncEvent(kind)
}

// RecordSnapshot refreshes every gauge from s.
func (c *GridCollector) RecordSnapshot(s *state.Snapshot) {
	if c == nil || s == nil {
		return
	}
	c.PendingIntents.Set(float64(s.Pending))
	for _, sub := range s.Substations {
		c.SubstationUp.WithLabelValues(sub.ID).Set(boolGauge(sub.Operational))
		c.SubstationLoad.WithLabelValues(sub.ID).Set(sub.ProjectedLoadMW)
	}
	down := 0
	for _, tx := range s.Transformers {
		if !tx.Powered {
			down++
		}
	}
	c.TransformersDown.Set(float64(down))

	c.SignalsByPhase.Reset()
	for _, sig := range s.Signals {
		c.SignalsByPhase.WithLabelValues(sig.Phase.String()).Inc()
	}
	c.SignalsDark.Set(float64(s.SignalStats.Dark))

	c.Admission.SetStations(s.Stations)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
