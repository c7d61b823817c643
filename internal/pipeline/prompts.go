package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/driftville/internal/memory"
	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/stage"
)

const observerSystem = `You are the observation faculty of a simulated persona. Given the persona,
its schedule, and recent context, report what the persona currently perceives.
Respond with a single JSON object:
{"location": str, "action": str, "topic": str, "state_summary": str}
No prose outside the JSON.`

const reflectorSystem = `You are the reflection faculty of a simulated persona. Assess how the
current situation lands emotionally given the persona's traits and memories.
Respond with a single JSON object:
{"state_summary": str, "emotional_deltas": {str: float}, "no_change": bool}
emotional_deltas values are in [-1, 1]. If nothing changed since the last
tick, set no_change true and leave deltas empty. No prose outside the JSON.`

const plannerSystem = `You are the planning faculty of a simulated persona. Decide the intended
activity for the next interval, honoring the schedule unless the reflection
gives a strong reason to deviate.
Respond with a single JSON object:
{"location": str, "action": str, "topic": str, "state_summary": str}
No prose outside the JSON.`

const drifterSystem = `You are the drift faculty of a simulated persona: the part of a mind that
wanders. Decide whether attention drifts away from the plan this interval.
Drift types: "internal" (private thought, activity continues),
"attentional_leak" (focus splits, activity continues), "behavioral"
(the persona actually changes what it is doing). Most intervals have no
drift. Respond with a single JSON object:
{"should_drift": bool, "drift_type": str, "drift_topic": str,
 "drift_intensity": float, "drift_action": str,
 "potential_recovery": str, "justification": str}
drift_intensity is in (0, 1]. No prose outside the JSON.`

const actorSystem = `You are the acting faculty of a simulated persona. Commit to one concrete
action for this interval, merging the plan and the drift decision. Non-behavioral
drift keeps the planned location and action. Respond with a single JSON object:
{"location": str, "action": str, "topic": str, "state_summary": str,
 "drift_type": str, "drift_topic": str}
No prose outside the JSON.`

const importanceSystem = `On a scale of 1 to 10, where 1 is purely mundane (brushing teeth, making a
bed) and 10 is extremely poignant (a breakup, a major life decision), rate
the likely poignancy of the described moment for the persona.
Respond with a single JSON object: {"importance": number}`

// promptContext is the shared JSON context block handed to every stage.
type promptContext struct {
	Persona       persona.Traits `json:"persona"`
	Datetime      string         `json:"current_datetime"`
	Location      string         `json:"current_location"`
	Action        string         `json:"current_action"`
	Topic         string         `json:"current_topic,omitempty"`
	CurrentSlot   *persona.Slot  `json:"current_schedule_slot,omitempty"`
	NextSlot      *persona.Slot  `json:"next_schedule_slot,omitempty"`
	LastAction    any            `json:"last_action_result,omitempty"`
	Memories      []string       `json:"retrieved_memories,omitempty"`
	RecentHistory []string       `json:"recent_history,omitempty"`
}

func (p *Pipeline) baseContext(tc *TickContext, memories []memory.Record) *promptContext {
	pc := &promptContext{
		Persona:  tc.Persona.Traits,
		Datetime: tc.SimTime.Format(persona.TimeFormat),
		Location: tc.Persona.CurrentLocation,
		Action:   tc.Persona.CurrentAction,
		Topic:    tc.Persona.CurrentTopic,
	}
	if slot, ok := tc.Persona.Schedule.SlotAt(tc.SimTime); ok {
		pc.CurrentSlot = slot
	}
	if slot, ok := tc.Persona.Schedule.NextSlot(tc.SimTime); ok {
		pc.NextSlot = slot
	}
	if tc.LastAction != nil {
		pc.LastAction = tc.LastAction
	}
	for _, m := range memories {
		pc.Memories = append(pc.Memories, m.Text)
	}
	for _, e := range tc.RecentHistory {
		if e.Output != "" {
			pc.RecentHistory = append(pc.RecentHistory, e.Output)
		}
	}
	return pc
}

func renderPrompt(task string, pc *promptContext, extra map[string]any) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nContext:\n")
	ctxJSON, _ := json.MarshalIndent(pc, "", "  ")
	b.Write(ctxJSON)
	if len(extra) > 0 {
		b.WriteString("\n\nStage inputs:\n")
		extraJSON, _ := json.MarshalIndent(extra, "", "  ")
		b.Write(extraJSON)
	}
	return b.String()
}

func (p *Pipeline) observePrompt(tc *TickContext, memories []memory.Record) string {
	return renderPrompt(
		fmt.Sprintf("Describe what %s perceives right now.", tc.Persona.Name),
		p.baseContext(tc, memories), nil)
}

func (p *Pipeline) reflectPrompt(tc *TickContext, memories []memory.Record, obs *stage.ObserverSnapshot) string {
	return renderPrompt(
		fmt.Sprintf("Assess how the current moment lands emotionally for %s.", tc.Persona.Name),
		p.baseContext(tc, memories),
		map[string]any{"observation": obs})
}

func (p *Pipeline) planPrompt(tc *TickContext, obs *stage.ObserverSnapshot, refl *stage.ReflectorAssessment) string {
	return renderPrompt(
		fmt.Sprintf("Decide what %s intends to do for the next interval.", tc.Persona.Name),
		p.baseContext(tc, nil),
		map[string]any{"observation": obs, "reflection": refl})
}

func (p *Pipeline) driftPrompt(tc *TickContext, plan *stage.PlannerBlock, refl *stage.ReflectorAssessment) string {
	return renderPrompt(
		fmt.Sprintf("Decide whether %s's attention drifts from the plan this interval.", tc.Persona.Name),
		p.baseContext(tc, nil),
		map[string]any{"plan": plan, "reflection": refl})
}

func (p *Pipeline) actPrompt(tc *TickContext, plan *stage.PlannerBlock, drift *stage.DrifterDecision) string {
	return renderPrompt(
		fmt.Sprintf("Commit %s to one concrete action for this interval.", tc.Persona.Name),
		p.baseContext(tc, nil),
		map[string]any{"plan": plan, "drift_decision": drift})
}
