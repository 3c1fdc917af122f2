// Package control exposes the grid coordinator over gRPC. Messages use the
// protobuf well-known types so the service needs no generated code:
// identifiers travel as StringValue and composite requests or reports as
// Struct.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "gridtwin.control.v1.GridControl"

// GridControlServer is the server API for the control service.
type GridControlServer interface {
	FailSubstation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RestoreSubstation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	FailTransformer(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RestoreTransformer(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetSubstationLoad(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	PreemptSignal(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	OptimizeZone(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int32Value, error)
	RequestCharging(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCharging(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	FinishCharging(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	CancelCharging(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetSpeed(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
}

func unary[Req proto.Message, Resp proto.Message](method string, newReq func() Req, call func(GridControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GridControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GridControlServer), ctx, req.(Req))
			})
		},
	}
}

func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newStruct() *structpb.Struct        { return &structpb.Struct{} }

// GridControlServiceDesc describes the control service for grpc.Server.
var GridControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GridControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("FailSubstation", newString, GridControlServer.FailSubstation),
		unary("RestoreSubstation", newString, GridControlServer.RestoreSubstation),
		unary("FailTransformer", newString, GridControlServer.FailTransformer),
		unary("RestoreTransformer", newString, GridControlServer.RestoreTransformer),
		unary("SetSubstationLoad", newStruct, GridControlServer.SetSubstationLoad),
		unary("PreemptSignal", newStruct, GridControlServer.PreemptSignal),
		unary("OptimizeZone", newString, GridControlServer.OptimizeZone),
		unary("RequestCharging", newStruct, GridControlServer.RequestCharging),
		unary("StartCharging", newStruct, GridControlServer.StartCharging),
		unary("FinishCharging", newString, GridControlServer.FinishCharging),
		unary("CancelCharging", newString, GridControlServer.CancelCharging),
		unary("GetSnapshot", func() *emptypb.Empty { return &emptypb.Empty{} }, GridControlServer.GetSnapshot),
		unary("GetStation", newString, GridControlServer.GetStation),
		unary("SetSpeed", func() *wrapperspb.DoubleValue { return &wrapperspb.DoubleValue{} }, GridControlServer.SetSpeed),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGridControlServer registers srv on s.
func RegisterGridControlServer(s grpc.ServiceRegistrar, srv GridControlServer) {
	s.RegisterService(&GridControlServiceDesc, srv)
}

// Client calls the control service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp proto.Message](ctx context.Context, c *Client, method string, in proto.Message, out Resp, opts ...grpc.CallOption) (Resp, error) {
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		var zero Resp
		return zero, err
	}
	return out, nil
}

func (c *Client) FailSubstation(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "FailSubstation", wrapperspb.String(id), &structpb.Struct{}, opts...)
}

func (c *Client) RestoreSubstation(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "RestoreSubstation", wrapperspb.String(id), &structpb.Struct{}, opts...)
}

func (c *Client) FailTransformer(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "FailTransformer", wrapperspb.String(id), &structpb.Struct{}, opts...)
}

func (c *Client) RestoreTransformer(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "RestoreTransformer", wrapperspb.String(id), &structpb.Struct{}, opts...)
}

func (c *Client) SetSubstationLoad(ctx context.Context, id string, loadMW float64, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]interface{}{"substation_id": id, "load_mw": loadMW})
	if err != nil {
		return err
	}
	_, err = invoke(ctx, c, "SetSubstationLoad", in, &emptypb.Empty{}, opts...)
	return err
}

// PreemptSignal asks signalID to serve direction ("NS" or "EW").
func (c *Client) PreemptSignal(ctx context.Context, signalID, direction string, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]interface{}{"signal_id": signalID, "direction": direction})
	if err != nil {
		return err
	}
	_, err = invoke(ctx, c, "PreemptSignal", in, &emptypb.Empty{}, opts...)
	return err
}

func (c *Client) OptimizeZone(ctx context.Context, zone string, opts ...grpc.CallOption) (int, error) {
	out, err := invoke(ctx, c, "OptimizeZone", wrapperspb.String(zone), &wrapperspb.Int32Value{}, opts...)
	if err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// ChargingRequest is the client-side form of a RequestCharging call.
type ChargingRequest struct {
	VehicleID string
	Soc       float64
	Lat, Lon  float64
	Emergency bool
	Exclude   []string
}

func (c *Client) RequestCharging(ctx context.Context, req ChargingRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	exclude := make([]interface{}, 0, len(req.Exclude))
	for _, id := range req.Exclude {
		exclude = append(exclude, id)
	}
	in, err := structpb.NewStruct(map[string]interface{}{
		"vehicle_id": req.VehicleID,
		"soc":        req.Soc,
		"lat":        req.Lat,
		"lon":        req.Lon,
		"emergency":  req.Emergency,
		"exclude":    exclude,
	})
	if err != nil {
		return nil, err
	}
	return invoke(ctx, c, "RequestCharging", in, &structpb.Struct{}, opts...)
}

func (c *Client) StartCharging(ctx context.Context, vehicleID, stationID string, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"vehicle_id": vehicleID, "station_id": stationID})
	if err != nil {
		return false, err
	}
	out, err := invoke(ctx, c, "StartCharging", in, &wrapperspb.BoolValue{}, opts...)
	return out.GetValue(), err
}

func (c *Client) FinishCharging(ctx context.Context, vehicleID string, opts ...grpc.CallOption) (bool, error) {
	out, err := invoke(ctx, c, "FinishCharging", wrapperspb.String(vehicleID), &wrapperspb.BoolValue{}, opts...)
	return out.GetValue(), err
}

func (c *Client) CancelCharging(ctx context.Context, vehicleID string, opts ...grpc.CallOption) (bool, error) {
	out, err := invoke(ctx, c, "CancelCharging", wrapperspb.String(vehicleID), &wrapperspb.BoolValue{}, opts...)
	return out.GetValue(), err
}

func (c *Client) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "GetSnapshot", &emptypb.Empty{}, &structpb.Struct{}, opts...)
}

func (c *Client) GetStation(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "GetStation", wrapperspb.String(id), &structpb.Struct{}, opts...)
}

// SetSpeed changes the simulation speed and returns the clamped value in
// effect.
func (c *Client) SetSpeed(ctx context.Context, speed float64, opts ...grpc.CallOption) (float64, error) {
	out, err := invoke(ctx, c, "SetSpeed", wrapperspb.Double(speed), &wrapperspb.DoubleValue{}, opts...)
	return out.GetValue(), err
}
