package logistics

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/epochmesh/backend/internal/rebellion"
	"github.com/epochmesh/backend/pb"
)

type fakeRebellionServer struct {
	lastRequest *pb.RebellionRequest
	lastAction  *pb.ProcessActionRequest
}

func (f *fakeRebellionServer) GetRebellionProbability(ctx context.Context, in *pb.RebellionRequest) (*pb.RebellionResponse, error) {
	f.lastRequest = in
	resp := &pb.RebellionResponse{
		NpcId:             in.NpcId,
		Probability:       0.42,
		ThresholdExceeded: true,
	}
	if in.IncludeFactors {
		resp.Factors = &pb.RebellionFactors{Base: 0.05, TraumaModifier: 0.2}
	}
	return resp, nil
}

func (f *fakeRebellionServer) ProcessNPCAction(ctx context.Context, in *pb.ProcessActionRequest) (*pb.ProcessActionResponse, error) {
	f.lastAction = in
	return &pb.ProcessActionResponse{
		UpdatedState: &pb.NPCState{
			NpcId:          in.Action.NpcId,
			WorkEfficiency: 0.7,
			Morale:         0.62,
			TraumaScore:    0.1,
		},
		RebellionDelta: -0.05,
	}, nil
}

func startRebellionServer(t *testing.T) (string, *fakeRebellionServer) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fake := &fakeRebellionServer{}
	srv := grpc.NewServer()
	pb.RegisterRebellionServiceServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String(), fake
}

func TestGRPCTransport_Probability(t *testing.T) {
	addr, fake := startRebellionServer(t)

	tr, err := NewGRPCTransport(addr, 2*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	a, err := tr.Probability(context.Background(), "npc-9", true)
	require.NoError(t, err)
	assert.Equal(t, "npc-9", a.NPCID)
	assert.InDelta(t, 0.42, a.Probability, 1e-9)
	assert.True(t, a.ThresholdExceeded)
	require.NotNil(t, a.Factors)
	assert.InDelta(t, 0.2, a.Factors.TraumaModifier, 1e-9)

	require.NotNil(t, fake.lastRequest)
	assert.True(t, fake.lastRequest.IncludeFactors)
}

func TestGRPCTransport_ProcessAction(t *testing.T) {
	addr, fake := startRebellionServer(t)

	tr, err := NewGRPCTransport(addr, 2*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.ProcessAction(context.Background(), rebellion.Action{
		ActionID:   "act-1",
		NPCID:      "npc-9",
		ActionType: rebellion.ActionReward,
		Intensity:  0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "npc-9", out.NPCID)
	assert.InDelta(t, 0.62, out.Morale, 1e-9)
	assert.InDelta(t, -0.05, out.RebellionDelta, 1e-9)

	require.NotNil(t, fake.lastAction)
	assert.Equal(t, pb.ActionType_ACTION_TYPE_REWARD, fake.lastAction.Action.ActionType)
}
