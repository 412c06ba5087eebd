package exporters

import (
	"fmt"

	"github.com/epochmesh/backend/internal/bus"
)

// BlackboardUpdate is the struct/blackboard/morph-target shape: typed
// blackboard keys driving behavior trees plus facial morph weights.
type BlackboardUpdate struct {
	NPCID        string                 `json:"npc_id"`
	Keys         map[string]interface{} `json:"keys,omitempty"`
	MorphTargets map[string]float64     `json:"morph_targets,omitempty"`
	Montage      string                 `json:"montage,omitempty"`
}

// BlackboardExporter targets engines that drive NPCs through behavior-tree
// blackboards and skeletal morph targets.
type BlackboardExporter struct{}

func (e *BlackboardExporter) Name() string { return "blackboard" }

func (e *BlackboardExporter) Export(env *bus.Envelope) (interface{}, error) {
	data, err := asMap(env.Data)
	if err != nil {
		return nil, err
	}
	npcID := stringField(data, "npc_id")

	switch env.Channel {
	case bus.ChannelNPCEvents:
		if npcID == "" {
			return nil, fmt.Errorf("npc event without npc_id")
		}
		upd := &BlackboardUpdate{
			NPCID: npcID,
			Keys: map[string]interface{}{
				"AIResponse": stringField(data, "content"),
				"EventTier":  stringField(data, "tier"),
			},
		}
		if p, ok := floatField(data, "rebellion_probability"); ok {
			upd.Keys["RebellionProbability"] = p
			upd.Keys["RebellionRisk"] = p >= HaltThreshold
			upd.MorphTargets = stressMorphs(p)
		}
		return upd, nil

	case bus.ChannelRebellionAlerts:
		p, _ := floatField(data, "probability")
		return &BlackboardUpdate{
			NPCID: npcID,
			Keys: map[string]interface{}{
				"RebellionProbability": p,
				"RebellionRisk":        p >= HaltThreshold,
				"ActionVetoed":         p >= VetoThreshold,
			},
			MorphTargets: stressMorphs(p),
		}, nil

	case bus.ChannelNPCCommands:
		if npcID == "" {
			return nil, fmt.Errorf("npc command without npc_id")
		}
		upd := &BlackboardUpdate{
			NPCID: npcID,
			Keys: map[string]interface{}{
				"PendingCommand":  stringField(data, "command"),
				"CommandPriority": data["priority"],
				"CommandParams":   data["params"],
			},
		}
		if stringField(data, "command") == string(bus.CommandPlayMontage) {
			if params, ok := data["params"].(map[string]interface{}); ok {
				upd.Montage = stringField(params, "montage")
			}
		}
		return upd, nil

	case bus.ChannelCognitiveRails:
		if npcID == "" {
			return nil, nil
		}
		return &BlackboardUpdate{
			NPCID: npcID,
			Keys: map[string]interface{}{
				"LastVetoRail":   stringField(data, "rail"),
				"LastVetoReason": stringField(data, "reason"),
			},
		}, nil
	}
	return nil, nil
}

// stressMorphs maps rebellion probability onto facial tension weights.
func stressMorphs(p float64) map[string]float64 {
	if p < HaltThreshold {
		return nil
	}
	weight := (p - HaltThreshold) / (1 - HaltThreshold)
	return map[string]float64{
		"brow_furrow": weight,
		"jaw_clench":  weight * 0.8,
	}
}
