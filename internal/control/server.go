package control

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
)

// Engine is the part of the simulation engine the service drives.
type Engine interface {
	Do(ctx context.Context, in state.Intent) (state.Result, error)
	Snapshot() *state.Snapshot
	Topology() *kb.Topology
}

// SpeedControl adjusts the simulation clock.
type SpeedControl interface {
	SetSpeed(s float64) float64
}

// Service implements GridControlServer on top of an Engine. Every mutation
// is submitted as an intent and answered once the tick that applied it
// has finished.
type Service struct {
	engine Engine
	speed  SpeedControl
	log    logging.Logger
}

var _ GridControlServer = (*Service)(nil)

// NewService builds the control service. speed may be nil, in which case
// SetSpeed reports Unimplemented.
func NewService(engine Engine, speed SpeedControl, log logging.Logger) *Service {
	return &Service{
		engine: engine,
		speed:  speed,
		log:    logging.OrNoop(log).With(logging.String("component", "control")),
	}
}

func (s *Service) do(ctx context.Context, in state.Intent) (state.Result, error) {
	res, err := s.engine.Do(ctx, in)
	if err != nil {
		logging.FromContext(ctx, s.log).Debug(ctx, "intent failed",
			logging.String("kind", in.Kind.String()),
			logging.String("intent_id", res.IntentID),
			logging.Err(err),
		)
	}
	return res, err
}

func (s *Service) impact(ctx context.Context, in state.Intent) (*structpb.Struct, error) {
	if in.Target == "" {
		return nil, ToStatusError(fmt.Errorf("%w: id is required", ErrInvalidArgument))
	}
	res, err := s.do(ctx, in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := impactStruct(res.Impact)
	return out, ToStatusError(err)
}

func (s *Service) FailSubstation(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.impact(ctx, state.FailSubstation(req.GetValue()))
}

func (s *Service) RestoreSubstation(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.impact(ctx, state.RestoreSubstation(req.GetValue()))
}

func (s *Service) FailTransformer(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.impact(ctx, state.FailTransformer(req.GetValue()))
}

func (s *Service) RestoreTransformer(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.impact(ctx, state.RestoreTransformer(req.GetValue()))
}

func (s *Service) SetSubstationLoad(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	a := argsOf(req)
	if err := a.required("substation_id", "load_mw"); err != nil {
		return nil, ToStatusError(err)
	}
	if _, err := s.do(ctx, state.SetSubstationLoad(a.str("substation_id"), a.num("load_mw"))); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) PreemptSignal(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	a := argsOf(req)
	if err := a.required("signal_id", "direction"); err != nil {
		return nil, ToStatusError(err)
	}
	dir, err := ParseDirection(a.str("direction"))
	if err != nil {
		return nil, ToStatusError(err)
	}
	if _, err := s.do(ctx, state.PreemptSignal(a.str("signal_id"), dir)); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) OptimizeZone(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int32Value, error) {
	if req.GetValue() == "" {
		return nil, ToStatusError(fmt.Errorf("%w: zone is required", ErrInvalidArgument))
	}
	res, err := s.do(ctx, state.OptimizeZone(req.GetValue()))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.Int32(int32(res.Count)), nil
}

func (s *Service) RequestCharging(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	if err := a.required("vehicle_id", "soc"); err != nil {
		return nil, ToStatusError(err)
	}
	cr := charging.Request{
		VehicleID: a.str("vehicle_id"),
		Soc:       a.num("soc"),
		Emergency: a.flag("emergency"),
		Exclude:   a.strs("exclude"),
	}
	if a.has("lat") || a.has("lon") {
		cr.Position = model.Position{Lat: a.num("lat"), Lon: a.num("lon")}
	}
	res, err := s.do(ctx, state.RequestCharging(cr))
	if err != nil {
		return nil, ToStatusError(err)
	}
	edge := ""
	if res.Assignment != nil {
		if def, err := s.engine.Topology().Station(res.Assignment.StationID); err == nil {
			edge = def.TargetEdge()
		}
	}
	out, err := assignmentStruct(res.Assignment, edge)
	return out, ToStatusError(err)
}

func (s *Service) StartCharging(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	a := argsOf(req)
	if err := a.required("vehicle_id", "station_id"); err != nil {
		return nil, ToStatusError(err)
	}
	res, err := s.do(ctx, state.StartCharging(a.str("vehicle_id"), a.str("station_id")))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.Bool(res.Changed), nil
}

func (s *Service) vehicleOp(ctx context.Context, in state.Intent) (*wrapperspb.BoolValue, error) {
	if in.VehicleID == "" {
		return nil, ToStatusError(fmt.Errorf("%w: vehicle id is required", ErrInvalidArgument))
	}
	res, err := s.do(ctx, in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.Bool(res.Changed), nil
}

func (s *Service) FinishCharging(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return s.vehicleOp(ctx, state.FinishCharging(req.GetValue()))
}

func (s *Service) CancelCharging(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return s.vehicleOp(ctx, state.CancelCharging(req.GetValue()))
}

func (s *Service) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := jsonStruct(s.engine.Snapshot())
	return out, ToStatusError(err)
}

func (s *Service) GetStation(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	st, ok := s.engine.Snapshot().Station(req.GetValue())
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %q", kb.ErrStationNotFound, req.GetValue()))
	}
	out, err := jsonStruct(st)
	return out, ToStatusError(err)
}

func (s *Service) SetSpeed(ctx context.Context, req *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	if s.speed == nil {
		return nil, ToStatusError(fmt.Errorf("%w: speed control is not available", ErrUnimplemented))
	}
	if req.GetValue() <= 0 {
		return nil, ToStatusError(fmt.Errorf("%w: speed must be positive", ErrInvalidArgument))
	}
	got := s.speed.SetSpeed(req.GetValue())
	logging.FromContext(ctx, s.log).Info(ctx, "simulation speed changed", logging.Float("speed", got))
	return wrapperspb.Double(got), nil
}

// NewGRPCServer builds a gRPC server with the control service, the health
// service and the standard interceptor chain registered. extra interceptors
// run after request-id and tracing.
func NewGRPCServer(svc GridControlServer, log logging.Logger, extra ...grpc.UnaryServerInterceptor) (*grpc.Server, *health.Server) {
	chain := append([]grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}, extra...)
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
	RegisterGridControlServer(server, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}
