package pipeline

import (
	"fmt"
	"strings"

	"github.com/epochmesh/backend/internal/core"
)

// NPCContext is the memory-derived context folded into a prompt. Zero value
// means no context was available.
type NPCContext struct {
	WisdomScore          float64
	TraumaScore          float64
	RebellionProbability float64
	MemoryCount          int
}

// BuildPrompt assembles the tier-dependent prompt from event metadata and
// optional NPC context.
func BuildPrompt(ev core.Event, tier core.Tier, npcCtx *NPCContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "NPC %s | event %s", ev.NPCID, ev.EventType)
	if ev.Urgency != nil {
		fmt.Fprintf(&b, " | urgency %.2f", *ev.Urgency)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Situation: %s\n", ev.Description)

	if npcCtx != nil && npcCtx.MemoryCount > 0 {
		fmt.Fprintf(&b, "History: %d memories, wisdom %.2f, trauma %.2f, rebellion %.2f\n",
			npcCtx.MemoryCount, npcCtx.WisdomScore, npcCtx.TraumaScore, npcCtx.RebellionProbability)
	}

	switch tier {
	case core.TierStrategic:
		b.WriteString("Instruction: deep analysis — consider rebellion risk.")
	case core.TierOperational:
		b.WriteString("Instruction: analyze and recommend.")
	default:
		b.WriteString("Instruction: respond briefly.")
	}
	return b.String()
}
