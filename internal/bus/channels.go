// Package bus is the telemetry fan-out layer: a local pub/sub core with
// bounded per-subscriber buffers, last-N retention for late joiners, an
// optional Redis bridge for cross-process delivery, and a WebSocket server
// transport for game clients.
package bus

import (
	"errors"
	"fmt"
)

// The closed channel set. Publishing anywhere else is a programming error.
const (
	ChannelNPCEvents       = "npc-events"
	ChannelRebellionAlerts = "rebellion-alerts"
	ChannelSimulationTicks = "simulation-ticks"
	ChannelTelemetry       = "telemetry"
	ChannelSystemStatus    = "system-status"
	ChannelNPCCommands     = "npc-commands"
	ChannelCognitiveRails  = "cognitive-rails"

	// ChannelWildcard subscribes to everything.
	ChannelWildcard = "*"
)

// KnownChannels is the closed set accepted by Publish and Subscribe.
var KnownChannels = map[string]bool{
	ChannelNPCEvents:       true,
	ChannelRebellionAlerts: true,
	ChannelSimulationTicks: true,
	ChannelTelemetry:       true,
	ChannelSystemStatus:    true,
	ChannelNPCCommands:     true,
	ChannelCognitiveRails:  true,
}

// ErrUnknownChannel rejects names outside the closed set.
var ErrUnknownChannel = errors.New("unknown bus channel")

func validateChannel(name string) error {
	if !KnownChannels[name] {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return nil
}
