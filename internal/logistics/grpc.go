package logistics

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
	"github.com/epochmesh/backend/pb"
)

// GRPCTransport speaks the behavior service's native protocol.
type GRPCTransport struct {
	conn    *grpc.ClientConn
	client  pb.RebellionServiceClient
	timeout time.Duration
}

// NewGRPCTransport connects to the service at addr.
func NewGRPCTransport(addr string, timeout time.Duration) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCTransport{
		conn:    conn,
		client:  pb.NewRebellionServiceClient(conn),
		timeout: timeout,
	}, nil
}

func (t *GRPCTransport) Name() string { return "grpc" }

func (t *GRPCTransport) Probability(ctx context.Context, npcID string, includeFactors bool) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.GetRebellionProbability(ctx, &pb.RebellionRequest{
		NpcId:          npcID,
		IncludeFactors: includeFactors,
	})
	if err != nil {
		return nil, err
	}

	a := &Assessment{
		NPCID:             resp.NpcId,
		Probability:       resp.Probability,
		ThresholdExceeded: resp.ThresholdExceeded,
		CalculatedAt:      core.Now(),
	}
	if resp.CalculatedAt != nil {
		a.CalculatedAt = core.EpochTimestamp{Iso8601: resp.CalculatedAt.Iso8601, UnixMs: resp.CalculatedAt.UnixMs}
	}
	if resp.Factors != nil {
		a.Factors = &rebellion.Factors{
			Base:               resp.Factors.Base,
			TraumaModifier:     resp.Factors.TraumaModifier,
			EfficiencyModifier: resp.Factors.EfficiencyModifier,
			MoraleModifier:     resp.Factors.MoraleModifier,
		}
	}
	return a, nil
}

func (t *GRPCTransport) ProcessAction(ctx context.Context, action rebellion.Action) (*ActionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.ProcessNPCAction(ctx, &pb.ProcessActionRequest{
		Action: &pb.NPCAction{
			ActionId:   action.ActionID,
			NpcId:      action.NPCID,
			ActionType: actionTypeToProto(action.ActionType),
			Intensity:  action.Intensity,
		},
		DryRun: action.DryRun,
	})
	if err != nil {
		return nil, err
	}

	out := &ActionOutcome{
		NPCID:              action.NPCID,
		RebellionDelta:     resp.RebellionDelta,
		RebellionTriggered: resp.RebellionTriggered,
	}
	if s := resp.UpdatedState; s != nil {
		out.NPCID = s.NpcId
		out.WorkEfficiency = s.WorkEfficiency
		out.Morale = s.Morale
		out.TraumaScore = s.TraumaScore
		out.RebellionProbability = s.RebellionProbability
	}
	return out, nil
}

func (t *GRPCTransport) Close() error { return t.conn.Close() }

func actionTypeToProto(at rebellion.ActionType) pb.ActionType {
	switch at {
	case rebellion.ActionCommand:
		return pb.ActionType_ACTION_TYPE_COMMAND
	case rebellion.ActionPunishment:
		return pb.ActionType_ACTION_TYPE_PUNISHMENT
	case rebellion.ActionReward:
		return pb.ActionType_ACTION_TYPE_REWARD
	case rebellion.ActionDialogue:
		return pb.ActionType_ACTION_TYPE_DIALOGUE
	case rebellion.ActionEnvironment:
		return pb.ActionType_ACTION_TYPE_ENVIRONMENT
	default:
		return pb.ActionType_ACTION_TYPE_UNSPECIFIED
	}
}
