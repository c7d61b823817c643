package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/pipeline"
)

// PersonaStatus is a point-in-time view of one persona for the status
// API.
type PersonaStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Tick          int    `json:"tick"`
	SimTime       string `json:"sim_time"`
	Location      string `json:"location"`
	Action        string `json:"action"`
	Topic         string `json:"topic,omitempty"`
	DriftType     string `json:"drift_type,omitempty"`
	DegradedTicks int    `json:"degraded_ticks,omitempty"`
}

// Tracker is the read side of a running simulation: the API serves from
// it without touching scheduler internals.
type Tracker struct {
	mu         sync.RWMutex
	totalTicks int
	doneTicks  int
	statuses   map[string]*PersonaStatus
	recent     []TickEvent
	maxRecent  int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		statuses:  make(map[string]*PersonaStatus),
		maxRecent: 200,
	}
}

func (t *Tracker) start(personas []*persona.State, ticks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTicks = ticks * len(personas)
	t.doneTicks = 0
	for _, st := range personas {
		t.statuses[st.ID] = &PersonaStatus{
			ID:       st.ID,
			Name:     st.Name,
			Tick:     -1,
			Location: st.CurrentLocation,
			Action:   st.CurrentAction,
			Topic:    st.CurrentTopic,
		}
	}
}

func (t *Tracker) record(st *persona.State, tick int, simTime time.Time, res *pipeline.TickResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[st.ID]
	if !ok {
		status = &PersonaStatus{ID: st.ID, Name: st.Name}
		t.statuses[st.ID] = status
	}
	status.Tick = tick
	status.SimTime = simTime.Format(persona.TimeFormat)
	status.Location = res.Commitment.Location
	status.Action = res.Commitment.Action
	status.Topic = res.Commitment.Topic
	status.DriftType = res.Commitment.DriftType
	if res.Degraded {
		status.DegradedTicks++
	}
	t.doneTicks++

	t.recent = append(t.recent, TickEvent{
		Persona:  st.Name,
		Tick:     tick,
		SimTime:  status.SimTime,
		Location: status.Location,
		Action:   status.Action,
		Drift:    status.DriftType,
		Degraded: res.Degraded,
	})
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[len(t.recent)-t.maxRecent:]
	}
}

// Personas lists persona statuses, stable by name.
func (t *Tracker) Personas() []PersonaStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PersonaStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events returns up to limit most recent tick events, newest last.
func (t *Tracker) Events(limit int) []TickEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.recent)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]TickEvent, n)
	copy(out, t.recent[len(t.recent)-n:])
	return out
}

// Progress reports completed vs total persona-ticks.
func (t *Tracker) Progress() (done, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doneTicks, t.totalTicks
}
