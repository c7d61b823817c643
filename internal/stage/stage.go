// Package stage defines the structured outputs of the five cognitive
// stages and their JSON schemas. Output is a closed tagged variant: exactly
// one of the per-stage pointers is set, matching Kind.
package stage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a cognitive stage.
type Kind string

const (
	KindObserve Kind = "observe"
	KindReflect Kind = "reflect"
	KindPlan    Kind = "plan"
	KindDrift   Kind = "drift"
	KindAct     Kind = "act"

	// KindImportance is the auxiliary rating call made after a completed
	// tick. It is not part of the pipeline's state machine.
	KindImportance Kind = "importance"
)

// DriftType classifies how far a drift departs from the plan. Only
// behavioral drift moves the persona off its scheduled location/action.
const (
	DriftNone            = "none"
	DriftInternal        = "internal"
	DriftAttentionalLeak = "attentional_leak"
	DriftBehavioral      = "behavioral"
)

// ObserverSnapshot is the Observe stage output: what the persona perceives
// about its current situation.
type ObserverSnapshot struct {
	Location     string `json:"location"`
	Action       string `json:"action"`
	Topic        string `json:"topic,omitempty"`
	StateSummary string `json:"state_summary,omitempty"`
	Datetime     string `json:"datetime_start,omitempty"`
	DurationMin  int    `json:"duration_min,omitempty"`
}

// ReflectorAssessment is the Reflect stage output. NoChange marks the
// empty-delta case: the context is unchanged since the last tick, but the
// assessment is still produced and handed to Plan.
type ReflectorAssessment struct {
	StateSummary    string             `json:"state_summary"`
	EmotionalDeltas map[string]float64 `json:"emotional_deltas,omitempty"`
	NoChange        bool               `json:"no_change,omitempty"`
}

// PlannerBlock is the Plan stage output: the intended next activity.
type PlannerBlock struct {
	Location     string `json:"location"`
	Action       string `json:"action"`
	Topic        string `json:"topic,omitempty"`
	StateSummary string `json:"state_summary,omitempty"`
	Datetime     string `json:"datetime_start,omitempty"`
	DurationMin  int    `json:"duration_min,omitempty"`
}

// DrifterDecision is the Drift stage output: whether and how the persona
// deviates from its plan this tick.
type DrifterDecision struct {
	ShouldDrift       bool    `json:"should_drift"`
	DriftType         string  `json:"drift_type"`
	DriftTopic        string  `json:"drift_topic,omitempty"`
	DriftIntensity    float64 `json:"drift_intensity,omitempty"`
	DriftAction       string  `json:"drift_action,omitempty"`
	PotentialRecovery string  `json:"potential_recovery,omitempty"`
	Justification     string  `json:"justification,omitempty"`
}

// ActorCommitment is the Act stage output: the action the persona commits
// to for this tick. It is the only output that mutates persona state.
type ActorCommitment struct {
	Location     string `json:"location"`
	Action       string `json:"action"`
	Topic        string `json:"topic,omitempty"`
	StateSummary string `json:"state_summary,omitempty"`
	DriftType    string `json:"drift_type,omitempty"`
	DriftTopic   string `json:"drift_topic,omitempty"`
	Datetime     string `json:"datetime_start,omitempty"`
	DurationMin  int    `json:"duration_min,omitempty"`
	NextDatetime string `json:"next_datetime,omitempty"`
}

// ImportanceScore is the auxiliary importance rating: 1 is mundane,
// 10 is extremely poignant.
type ImportanceScore struct {
	Importance float64 `json:"importance"`
}

// Output is the closed variant type over all stage kinds. Exactly one
// variant pointer is non-nil and it matches Kind.
type Output struct {
	Kind       Kind                 `json:"kind"`
	Observer   *ObserverSnapshot    `json:"observation,omitempty"`
	Reflector  *ReflectorAssessment `json:"reflection,omitempty"`
	Planner    *PlannerBlock        `json:"plan,omitempty"`
	Drifter    *DrifterDecision     `json:"drift_decision,omitempty"`
	Actor      *ActorCommitment     `json:"action_result,omitempty"`
	Importance *ImportanceScore     `json:"importance,omitempty"`
}

// NoDrift returns the sentinel decision used when the Drift stage is
// bypassed or a produced drift collapses to nothing. Act accepts it in
// place of a real decision without any schema change.
func NoDrift() *DrifterDecision {
	return &DrifterDecision{
		ShouldDrift: false,
		DriftType:   DriftNone,
		DriftAction: "continue",
	}
}

// Normalize collapses a decision that is effectively off (not drifting, or
// zero intensity) to the no-drift sentinel, in place.
func (d *DrifterDecision) Normalize() {
	if d.ShouldDrift && d.DriftIntensity > 0 {
		if d.DriftType == "" {
			d.DriftType = DriftInternal
		}
		return
	}
	d.ShouldDrift = false
	d.DriftType = DriftNone
	d.DriftTopic = ""
	d.DriftIntensity = 0
	if d.DriftAction == "" {
		d.DriftAction = "continue"
	}
	d.PotentialRecovery = ""
	d.Justification = ""
}

// Behavioral reports whether the drift moves the persona off its
// scheduled location/action.
func (d *DrifterDecision) Behavioral() bool {
	return d != nil && d.DriftType == DriftBehavioral
}

// StripFences removes a surrounding markdown code fence, if present.
// Models frequently wrap JSON replies in ```json blocks.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Decode parses a raw model reply into a validated Output for the given
// stage kind. The reply may be bare JSON or fenced.
func Decode(kind Kind, raw string) (*Output, error) {
	data := []byte(StripFences(raw))
	out := &Output{Kind: kind}

	var err error
	switch kind {
	case KindObserve:
		out.Observer = &ObserverSnapshot{}
		err = json.Unmarshal(data, out.Observer)
	case KindReflect:
		out.Reflector = &ReflectorAssessment{}
		err = json.Unmarshal(data, out.Reflector)
	case KindPlan:
		out.Planner = &PlannerBlock{}
		err = json.Unmarshal(data, out.Planner)
	case KindDrift:
		out.Drifter = &DrifterDecision{}
		err = json.Unmarshal(data, out.Drifter)
	case KindAct:
		out.Actor = &ActorCommitment{}
		err = json.Unmarshal(data, out.Actor)
	case KindImportance:
		out.Importance = &ImportanceScore{}
		err = json.Unmarshal(data, out.Importance)
	default:
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", kind, err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks that the variant matches Kind and carries the fields the
// next stage relies on.
func (o *Output) Validate() error {
	switch o.Kind {
	case KindObserve:
		if o.Observer == nil {
			return fmt.Errorf("observe output missing variant")
		}
		if o.Observer.Location == "" || o.Observer.Action == "" {
			return fmt.Errorf("observe output missing location/action")
		}
	case KindReflect:
		if o.Reflector == nil {
			return fmt.Errorf("reflect output missing variant")
		}
		if o.Reflector.StateSummary == "" && !o.Reflector.NoChange {
			return fmt.Errorf("reflect output missing state_summary")
		}
	case KindPlan:
		if o.Planner == nil {
			return fmt.Errorf("plan output missing variant")
		}
		if o.Planner.Location == "" || o.Planner.Action == "" {
			return fmt.Errorf("plan output missing location/action")
		}
	case KindDrift:
		if o.Drifter == nil {
			return fmt.Errorf("drift output missing variant")
		}
		switch o.Drifter.DriftType {
		case "", DriftNone, DriftInternal, DriftAttentionalLeak, DriftBehavioral:
		default:
			return fmt.Errorf("drift output has unknown drift_type %q", o.Drifter.DriftType)
		}
	case KindAct:
		if o.Actor == nil {
			return fmt.Errorf("act output missing variant")
		}
		if o.Actor.Location == "" || o.Actor.Action == "" {
			return fmt.Errorf("act output missing location/action")
		}
	case KindImportance:
		if o.Importance == nil {
			return fmt.Errorf("importance output missing variant")
		}
		if o.Importance.Importance < 0 || o.Importance.Importance > 10 {
			return fmt.Errorf("importance %v out of range [0,10]", o.Importance.Importance)
		}
	default:
		return fmt.Errorf("unknown stage kind %q", o.Kind)
	}
	return nil
}
