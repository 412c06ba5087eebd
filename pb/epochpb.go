// Package pb holds the wire types and client surface of the logistics
// behavior service. Messages mirror the service's proto definitions and
// travel as JSON-coded gRPC frames (see CodecName).
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// ============================================================================
// MESSAGES
// ============================================================================

type EpochTimestamp struct {
	Iso8601 string
	UnixMs  int64
}

type ActionType int32

const (
	ActionType_ACTION_TYPE_UNSPECIFIED     ActionType = 0
	ActionType_ACTION_TYPE_COMMAND         ActionType = 1
	ActionType_ACTION_TYPE_PUNISHMENT      ActionType = 2
	ActionType_ACTION_TYPE_REWARD          ActionType = 3
	ActionType_ACTION_TYPE_DIALOGUE        ActionType = 4
	ActionType_ACTION_TYPE_ENVIRONMENT     ActionType = 5
	ActionType_ACTION_TYPE_RESOURCE_CHANGE ActionType = 6
)

type RebellionRequest struct {
	NpcId          string
	IncludeFactors bool
}

type RebellionFactors struct {
	Base               float64
	TraumaModifier     float64
	EfficiencyModifier float64
	MoraleModifier     float64
}

type RebellionResponse struct {
	NpcId             string
	Probability       float64
	ThresholdExceeded bool
	Factors           *RebellionFactors
	CalculatedAt      *EpochTimestamp
}

type NPCAction struct {
	ActionId   string
	NpcId      string
	ActionType ActionType
	Intensity  float64
}

type ProcessActionRequest struct {
	Action *NPCAction
	DryRun bool
}

type NPCState struct {
	NpcId                string
	WorkEfficiency       float64
	Morale               float64
	TraumaScore          float64
	RebellionProbability float64
}

type ProcessActionResponse struct {
	UpdatedState       *NPCState
	RebellionDelta     float64
	RebellionTriggered bool
}

// ============================================================================
// CLIENT
// ============================================================================

// RebellionServiceClient is the client surface of the logistics service.
type RebellionServiceClient interface {
	GetRebellionProbability(ctx context.Context, in *RebellionRequest, opts ...grpc.CallOption) (*RebellionResponse, error)
	ProcessNPCAction(ctx context.Context, in *ProcessActionRequest, opts ...grpc.CallOption) (*ProcessActionResponse, error)
}

type rebellionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRebellionServiceClient(cc grpc.ClientConnInterface) RebellionServiceClient {
	return &rebellionServiceClient{cc: cc}
}

func (c *rebellionServiceClient) GetRebellionProbability(ctx context.Context, in *RebellionRequest, opts ...grpc.CallOption) (*RebellionResponse, error) {
	out := new(RebellionResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/epoch.RebellionService/GetRebellionProbability", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rebellionServiceClient) ProcessNPCAction(ctx context.Context, in *ProcessActionRequest, opts ...grpc.CallOption) (*ProcessActionResponse, error) {
	out := new(ProcessActionResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/epoch.RebellionService/ProcessNPCAction", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// SERVER
// ============================================================================

// RebellionServiceServer is the server surface of the logistics service.
type RebellionServiceServer interface {
	GetRebellionProbability(ctx context.Context, in *RebellionRequest) (*RebellionResponse, error)
	ProcessNPCAction(ctx context.Context, in *ProcessActionRequest) (*ProcessActionResponse, error)
}

func RegisterRebellionServiceServer(s grpc.ServiceRegistrar, srv RebellionServiceServer) {
	s.RegisterService(&RebellionService_ServiceDesc, srv)
}

func _RebellionService_GetRebellionProbability_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RebellionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RebellionServiceServer).GetRebellionProbability(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/epoch.RebellionService/GetRebellionProbability"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RebellionServiceServer).GetRebellionProbability(ctx, req.(*RebellionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RebellionService_ProcessNPCAction_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProcessActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RebellionServiceServer).ProcessNPCAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/epoch.RebellionService/ProcessNPCAction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RebellionServiceServer).ProcessNPCAction(ctx, req.(*ProcessActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var RebellionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "epoch.RebellionService",
	HandlerType: (*RebellionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetRebellionProbability",
			Handler:    _RebellionService_GetRebellionProbability_Handler,
		},
		{
			MethodName: "ProcessNPCAction",
			Handler:    _RebellionService_ProcessNPCAction_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "epoch.proto",
}

// MockRebellionClient is an in-process stand-in used when no logistics
// service is deployed. Probabilities come back zero; actions echo their
// input state.
type MockRebellionClient struct{}

func (m *MockRebellionClient) GetRebellionProbability(ctx context.Context, in *RebellionRequest, opts ...grpc.CallOption) (*RebellionResponse, error) {
	return &RebellionResponse{NpcId: in.NpcId}, nil
}

func (m *MockRebellionClient) ProcessNPCAction(ctx context.Context, in *ProcessActionRequest, opts ...grpc.CallOption) (*ProcessActionResponse, error) {
	return &ProcessActionResponse{UpdatedState: &NPCState{NpcId: in.Action.NpcId}}, nil
}
