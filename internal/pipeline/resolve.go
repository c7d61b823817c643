package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/stage"
)

// resolveCommitment reconciles the model's Act output with the plan, the
// drift decision, and the schedule. The simulation clock, not the model,
// is authoritative for all timestamps.
func resolveCommitment(tc *TickContext, plan *stage.PlannerBlock, drift *stage.DrifterDecision, act *stage.ActorCommitment, step time.Duration) *stage.ActorCommitment {
	c := *act

	// Drift fields propagate from the decision regardless of what the
	// Act output claimed.
	c.DriftType = drift.DriftType
	c.DriftTopic = drift.DriftTopic

	// Only behavioral drift may move the persona off its plan.
	if !drift.Behavioral() {
		if plan.Location != "" {
			c.Location = plan.Location
		}
		if plan.Action != "" {
			c.Action = plan.Action
		}
		if plan.Topic != "" {
			c.Topic = plan.Topic
		}
		// And the schedule outranks the plan while a slot is active.
		if slot, ok := tc.Persona.Schedule.SlotAt(tc.SimTime); ok {
			c.Location = slot.Location
			c.Action = slot.Action
			c.Topic = slot.Topic()
		}
	}

	if drift.DriftType == stage.DriftNone && c.StateSummary == "" {
		c.StateSummary = plan.StateSummary
	}

	c.Datetime = tc.SimTime.Format(persona.TimeFormat)
	c.DurationMin = int(step.Minutes())
	c.NextDatetime = tc.SimTime.Add(step).Format(persona.TimeFormat)
	return &c
}

// summarize renders the tick into the one-line natural-language summary
// stored as the persona's memory of the moment.
func summarize(name string, outputs map[stage.Kind]*stage.Output, c *stage.ActorCommitment, drift *stage.DrifterDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is at %s, %s", name, c.Location, c.Action)
	if c.Topic != "" {
		fmt.Fprintf(&b, " (about: %s)", c.Topic)
	}
	if drift.DriftType != stage.DriftNone {
		fmt.Fprintf(&b, "; attention drifting (%s)", drift.DriftType)
		if drift.DriftTopic != "" {
			fmt.Fprintf(&b, " toward %s", drift.DriftTopic)
		}
	}
	if refl, ok := outputs[stage.KindReflect]; ok && refl.Reflector != nil && refl.Reflector.StateSummary != "" {
		fmt.Fprintf(&b, "; feeling: %s", refl.Reflector.StateSummary)
	}
	if c.StateSummary != "" && c.StateSummary != c.Action {
		fmt.Fprintf(&b, "; %s", c.StateSummary)
	}
	return b.String()
}
