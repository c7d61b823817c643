// Package persona holds the simulated agents: identity, traits,
// schedules, and the state the Act stage commits each tick.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/driftville/internal/stage"
)

// TimeFormat is the wall-clock layout used throughout schedules and
// simulated timestamps.
const TimeFormat = "2006-01-02 15:04"

// Traits is the persona description as loaded: name, backstory,
// personality fields. The core never interprets it beyond the name; it
// is prompt material.
type Traits map[string]any

// Slot is one planned activity block in a persona's daily schedule.
type Slot struct {
	DatetimeStart          string `json:"datetime_start"`
	DurationMin            int    `json:"duration_min"`
	Location               string `json:"location"`
	Action                 string `json:"action"`
	EnvironmentDescription string `json:"environment_description,omitempty"`
	Notes                  string `json:"notes,omitempty"`
}

// Start parses the slot's start time.
func (s *Slot) Start() (time.Time, error) {
	return time.Parse(TimeFormat, s.DatetimeStart)
}

// Topic is what the slot is about: its notes, falling back to the action.
func (s *Slot) Topic() string {
	if s.Notes != "" {
		return s.Notes
	}
	return s.Action
}

// Schedule is a persona's ordered activity blocks.
type Schedule []Slot

// SlotAt returns the slot active at t, if any.
func (sc Schedule) SlotAt(t time.Time) (*Slot, bool) {
	for i := range sc {
		start, err := sc[i].Start()
		if err != nil {
			continue
		}
		end := start.Add(time.Duration(sc[i].DurationMin) * time.Minute)
		if !t.Before(start) && t.Before(end) {
			return &sc[i], true
		}
	}
	return nil, false
}

// NextSlot returns the earliest slot starting strictly after t, if any.
func (sc Schedule) NextSlot(t time.Time) (*Slot, bool) {
	var best *Slot
	var bestStart time.Time
	for i := range sc {
		start, err := sc[i].Start()
		if err != nil {
			continue
		}
		if start.After(t) && (best == nil || start.Before(bestStart)) {
			best = &sc[i]
			bestStart = start
		}
	}
	return best, best != nil
}

// State is the evolving persona state. It is owned by the scheduler and
// mutated only through Commit at the end of a tick; all earlier stages
// read a snapshot.
type State struct {
	ID              string
	Name            string
	Traits          Traits
	Schedule        Schedule
	CurrentLocation string
	CurrentAction   string
	CurrentTopic    string
	DriftType       string
	EmotionalDeltas map[string]float64
	Commits         int
}

// Commit applies an accepted Act-stage commitment, the only mutation
// path for persona state within a run.
func (p *State) Commit(c *stage.ActorCommitment, deltas map[string]float64) {
	p.CurrentLocation = c.Location
	p.CurrentAction = c.Action
	p.CurrentTopic = c.Topic
	p.DriftType = c.DriftType
	if len(deltas) > 0 {
		if p.EmotionalDeltas == nil {
			p.EmotionalDeltas = make(map[string]float64, len(deltas))
		}
		for k, v := range deltas {
			p.EmotionalDeltas[k] += v
		}
	}
	p.Commits++
}

// fileEntry mirrors the persona file layout: a persona block plus its
// schedule.
type fileEntry struct {
	Persona  Traits `json:"persona"`
	Schedule []Slot `json:"schedule"`
}

// Load reads the persona file and returns initialized states for the
// selected names, seeded to the run's start time. An empty selection
// loads every persona in the file.
func Load(path string, names []string, start time.Time) ([]*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file %s: %w", path, err)
	}
	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var states []*State
	for _, e := range entries {
		name, _ := e.Persona["name"].(string)
		if name == "" {
			continue
		}
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		st := &State{
			ID:       uuid.New().String(),
			Name:     name,
			Traits:   e.Persona,
			Schedule: e.Schedule,
		}
		if slot, ok := st.Schedule.SlotAt(start); ok {
			st.CurrentLocation = slot.Location
			st.CurrentAction = slot.Action
			st.CurrentTopic = slot.Topic()
		} else {
			st.CurrentLocation = "home"
			st.CurrentAction = "idle"
		}
		states = append(states, st)
	}

	if len(wanted) > 0 && len(states) != len(wanted) {
		for _, st := range states {
			delete(wanted, st.Name)
		}
		for missing := range wanted {
			return nil, fmt.Errorf("persona %q not found in %s", missing, path)
		}
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("no personas loaded from %s", path)
	}
	return states, nil
}
