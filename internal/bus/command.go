package bus

import (
	"encoding/json"
	"fmt"

	"github.com/epochmesh/backend/internal/core"
)

// CommandName is a server→client NPC command verb. The server never computes
// engine-side navigation; the engine executes these.
type CommandName string

const (
	CommandMoveTo      CommandName = "move_to"
	CommandStop        CommandName = "stop"
	CommandLookAt      CommandName = "look_at"
	CommandPlayMontage CommandName = "play_montage"
)

var knownCommands = map[CommandName]bool{
	CommandMoveTo:      true,
	CommandStop:        true,
	CommandLookAt:      true,
	CommandPlayMontage: true,
}

// Command is the npc-commands payload.
type Command struct {
	CommandID string                 `json:"command_id,omitempty"`
	NPCID     string                 `json:"npc_id"`
	Command   CommandName            `json:"command"`
	Priority  int                    `json:"priority"` // 0..10
	Params    map[string]interface{} `json:"params,omitempty"`
}

// requiredParams lists the params each verb cannot execute without.
var requiredParams = map[CommandName][]string{
	CommandMoveTo:      {"x", "y"},
	CommandLookAt:      {"target"},
	CommandPlayMontage: {"montage"},
}

// ValidateCommand enforces the npc-commands schema.
func ValidateCommand(c Command) error {
	if c.NPCID == "" {
		return fmt.Errorf("npc command: npc_id is required")
	}
	if !knownCommands[c.Command] {
		return fmt.Errorf("npc command: unknown command %q", c.Command)
	}
	if c.Priority < 0 || c.Priority > 10 {
		return fmt.Errorf("npc command: priority %d outside [0,10]", c.Priority)
	}
	for _, key := range requiredParams[c.Command] {
		if _, ok := c.Params[key]; !ok {
			return fmt.Errorf("npc command: %s requires param %q", c.Command, key)
		}
	}
	return nil
}

// ValidatePayload is the per-channel schema gate in front of Publish.
func ValidatePayload(channel string, data interface{}) error {
	if data == nil {
		return fmt.Errorf("%s: nil payload", channel)
	}

	switch channel {
	case ChannelNPCCommands:
		cmd, err := coerceCommand(data)
		if err != nil {
			return err
		}
		return ValidateCommand(cmd)

	case ChannelTelemetry:
		switch data.(type) {
		case core.TelemetryEvent, *core.TelemetryEvent:
			return nil
		}
		return fmt.Errorf("telemetry: payload must be a TelemetryEvent")

	case ChannelNPCEvents:
		switch data.(type) {
		case core.MeshResponse, *core.MeshResponse:
			return nil
		}
		return fmt.Errorf("npc-events: payload must be a MeshResponse")
	}

	// Remaining channels carry free-form objects.
	return nil
}

func coerceCommand(data interface{}) (Command, error) {
	switch v := data.(type) {
	case Command:
		return v, nil
	case *Command:
		return *v, nil
	default:
		// Accept map payloads from the wire by round-tripping through JSON.
		raw, err := json.Marshal(data)
		if err != nil {
			return Command{}, fmt.Errorf("npc command: %w", err)
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return Command{}, fmt.Errorf("npc command: %w", err)
		}
		return cmd, nil
	}
}
