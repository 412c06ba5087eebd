package exporters

import (
	"encoding/json"
	"fmt"

	"github.com/epochmesh/backend/internal/bus"
)

// Signal is one engine signal emission.
type Signal struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// NodeUpdate is the signal/node-property shape: a target node path, property
// writes, and signals to emit on it.
type NodeUpdate struct {
	Node       string                 `json:"node"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Signals    []Signal               `json:"signals,omitempty"`
}

// SignalExporter targets engines that address NPCs as scene nodes with
// properties and signals.
type SignalExporter struct {
	Root string // node path prefix, e.g. "/World/NPCs"
}

func (e *SignalExporter) Name() string { return "signal" }

func (e *SignalExporter) Export(env *bus.Envelope) (interface{}, error) {
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
		upd := &NodeUpdate{
			Node: e.nodePath(npcID),
			Properties: map[string]interface{}{
				"last_response": stringField(data, "content"),
				"tier":          stringField(data, "tier"),
			},
			Signals: []Signal{{Name: "on_ai_response", Args: map[string]interface{}{"event_id": stringField(data, "event_id")}}},
		}
		if p, ok := floatField(data, "rebellion_probability"); ok {
			upd.Properties["rebellion_probability"] = p
			if p >= HaltThreshold {
				upd.Signals = append(upd.Signals, Signal{Name: "on_rebellion_risk", Args: map[string]interface{}{"probability": p}})
			}
		}
		return upd, nil

	case bus.ChannelRebellionAlerts:
		p, _ := floatField(data, "probability")
		sig := Signal{Name: "on_rebellion_alert", Args: map[string]interface{}{"probability": p, "vetoed": p >= VetoThreshold}}
		return &NodeUpdate{
			Node:       e.nodePath(npcID),
			Properties: map[string]interface{}{"rebellion_probability": p},
			Signals:    []Signal{sig},
		}, nil

	case bus.ChannelNPCCommands:
		if npcID == "" {
			return nil, fmt.Errorf("npc command without npc_id")
		}
		return &NodeUpdate{
			Node: e.nodePath(npcID),
			Signals: []Signal{{
				Name: "on_command",
				Args: map[string]interface{}{
					"command":  stringField(data, "command"),
					"priority": data["priority"],
					"params":   data["params"],
				},
			}},
		}, nil

	case bus.ChannelSimulationTicks:
		return &NodeUpdate{
			Node:       e.Root,
			Properties: map[string]interface{}{"simulation": data},
		}, nil
	}

	// Channels with no node-model mapping are skipped, not errors.
	return nil, nil
}

func (e *SignalExporter) nodePath(npcID string) string {
	root := e.Root
	if root == "" {
		root = "/World/NPCs"
	}
	if npcID == "" {
		return root
	}
	return root + "/" + npcID
}

// ============================================================================
// COERCION HELPERS
// ============================================================================

// asMap normalizes payloads: structs published locally and maps that
// crossed the Redis bridge both come out as a generic map.
func asMap(data interface{}) (map[string]interface{}, error) {
	if m, ok := data.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func floatField(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
