// Package core holds the shared domain types for the epoch mesh: events,
// urgency tiers, response envelopes, telemetry shapes and the error taxonomy
// that every subsystem speaks.
package core

import (
	"math"
	"time"
)

// EventType classifies inbound simulation/game events.
type EventType string

const (
	EventTelemetry         EventType = "telemetry"
	EventNPCQuery          EventType = "npc_query"
	EventResourceChange    EventType = "resource_change"
	EventCommand           EventType = "command"
	EventRebellionAnalysis EventType = "rebellion_analysis"
)

// KnownEventTypes is the closed set accepted at the ingress boundary.
var KnownEventTypes = map[EventType]bool{
	EventTelemetry:         true,
	EventNPCQuery:          true,
	EventResourceChange:    true,
	EventCommand:           true,
	EventRebellionAnalysis: true,
}

// Tier is the urgency tier an event is classified into.
type Tier string

const (
	TierRoutine     Tier = "routine"
	TierOperational Tier = "operational"
	TierStrategic   Tier = "strategic"
)

// EpochTimestamp carries both representations used on the wire.
// UnixMs is authoritative; Iso8601 is for humans and log lines.
type EpochTimestamp struct {
	Iso8601 string `json:"iso8601"`
	UnixMs  int64  `json:"unix_ms"`
}

// Now returns the current time in both wire representations.
func Now() EpochTimestamp {
	t := time.Now().UTC()
	return EpochTimestamp{
		Iso8601: t.Format(time.RFC3339),
		UnixMs:  t.UnixMilli(),
	}
}

// Event is the unit of work flowing through the pipeline.
// Urgency, when present, is normalized to [0,1].
type Event struct {
	EventID     string    `json:"event_id"`
	NPCID       string    `json:"npc_id"`
	EventType   EventType `json:"event_type"`
	Description string    `json:"description"`
	Urgency     *float64  `json:"urgency,omitempty"`
}

// MeshResponse is the pipeline's answer for a single event.
type MeshResponse struct {
	EventID     string         `json:"event_id"`
	NPCID       string         `json:"npc_id"`
	Tier        Tier           `json:"tier"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Content     string         `json:"content"`
	Vetoed      bool           `json:"vetoed"`
	VetoReason  string         `json:"veto_reason,omitempty"`
	Rebellion   float64        `json:"rebellion_probability"`
	Failover    bool           `json:"failover"`
	LatencyMs   int64          `json:"latency_ms"`
	Cost        float64        `json:"cost"`
	ProcessedAt EpochTimestamp `json:"processed_at"`
}

// ============================================================================
// TELEMETRY
// ============================================================================

// TelemetrySeverity orders telemetry events by operational weight.
type TelemetrySeverity string

const (
	SeverityInfo         TelemetrySeverity = "info"
	SeverityWarning      TelemetrySeverity = "warning"
	SeverityCritical     TelemetrySeverity = "critical"
	SeverityCatastrophic TelemetrySeverity = "catastrophic"
)

// TelemetryType discriminates the telemetry payload variant.
type TelemetryType string

const (
	TelemetryMentalBreakdown TelemetryType = "mental_breakdown"
	TelemetryPermanentTrauma TelemetryType = "permanent_trauma"
	TelemetryStateChange     TelemetryType = "state_change"
	TelemetryRebellion       TelemetryType = "rebellion"
	TelemetryWatchdogRestart TelemetryType = "watchdog_restart"
	TelemetryStartup         TelemetryType = "startup"
	TelemetryShutdown        TelemetryType = "shutdown"
	TelemetryCleansingResult TelemetryType = "cleansing_result"
	TelemetryInfestation     TelemetryType = "infestation"
)

// TelemetryEvent is the discriminated telemetry record published on the bus.
type TelemetryEvent struct {
	Type      TelemetryType          `json:"type"`
	Severity  TelemetrySeverity      `json:"severity"`
	NPCID     string                 `json:"npc_id,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp EpochTimestamp         `json:"timestamp"`
}

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// ErrorCode is the machine-readable rejection code carried by every error
// surfaced at a component boundary.
type ErrorCode string

const (
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeBudgetExhausted    ErrorCode = "BUDGET_EXHAUSTED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// MeshError pairs an ErrorCode with a one-line reason and a timestamp, the
// shape every rejection takes on the wire.
type MeshError struct {
	Code      ErrorCode      `json:"code"`
	Reason    string         `json:"reason"`
	Timestamp EpochTimestamp `json:"timestamp"`
}

func (e *MeshError) Error() string {
	return string(e.Code) + ": " + e.Reason
}

// NewMeshError builds a timestamped taxonomy error.
func NewMeshError(code ErrorCode, reason string) *MeshError {
	return &MeshError{Code: code, Reason: reason, Timestamp: Now()}
}

// Clamp restricts a value to [min, max].
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

// Clamp01 restricts a probability-like value to [0,1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0.0, 1.0)
}
