package persona

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nidhogg/driftville/internal/stage"
)

const personaJSON = `[
  {
    "persona": {"name": "Mei Lin", "occupation": "shopkeeper"},
    "schedule": [
      {"datetime_start": "2023-02-13 06:00", "duration_min": 60, "location": "home", "action": "morning routine"},
      {"datetime_start": "2023-02-13 08:00", "duration_min": 240, "location": "school", "action": "teaching", "notes": "algebra review"}
    ]
  },
  {
    "persona": {"name": "Sam", "occupation": "barista"},
    "schedule": []
  }
]`

func writePersonaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.json")
	if err := os.WriteFile(path, []byte(personaJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(TimeFormat, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestScheduleSlotLookup(t *testing.T) {
	var sched Schedule
	states, err := Load(writePersonaFile(t), []string{"Mei Lin"}, mustTime(t, "2023-02-13 06:30"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sched = states[0].Schedule

	slot, ok := sched.SlotAt(mustTime(t, "2023-02-13 06:30"))
	if !ok || slot.Action != "morning routine" {
		t.Fatalf("SlotAt 06:30 = %+v, %v", slot, ok)
	}
	// End-exclusive: 07:00 is past the first slot, in the gap.
	if _, ok := sched.SlotAt(mustTime(t, "2023-02-13 07:00")); ok {
		t.Error("07:00 should fall in the gap")
	}
	next, ok := sched.NextSlot(mustTime(t, "2023-02-13 07:00"))
	if !ok || next.Location != "school" {
		t.Fatalf("NextSlot = %+v, %v", next, ok)
	}
	if next.Topic() != "algebra review" {
		t.Errorf("Topic() = %q, want notes", next.Topic())
	}
}

func TestLoadSeedsStateFromActiveSlot(t *testing.T) {
	states, err := Load(writePersonaFile(t), []string{"Mei Lin"}, mustTime(t, "2023-02-13 06:00"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := states[0]
	if st.CurrentLocation != "home" || st.CurrentAction != "morning routine" {
		t.Errorf("state not seeded from slot: %+v", st)
	}
	if st.ID == "" {
		t.Error("missing id")
	}
}

func TestLoadAllWhenSelectionEmpty(t *testing.T) {
	states, err := Load(writePersonaFile(t), nil, mustTime(t, "2023-02-13 06:00"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("loaded %d personas, want 2", len(states))
	}
	// Sam has no schedule: falls back to idle at home.
	for _, st := range states {
		if st.Name == "Sam" && (st.CurrentAction != "idle" || st.CurrentLocation != "home") {
			t.Errorf("unscheduled persona not idle: %+v", st)
		}
	}
}

func TestLoadUnknownPersonaFails(t *testing.T) {
	_, err := Load(writePersonaFile(t), []string{"Nobody"}, mustTime(t, "2023-02-13 06:00"))
	if err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestCommitMutatesState(t *testing.T) {
	states, err := Load(writePersonaFile(t), []string{"Mei Lin"}, mustTime(t, "2023-02-13 06:00"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := states[0]
	st.Commit(&stage.ActorCommitment{
		Location: "cafe", Action: "coffee break", Topic: "crossword", DriftType: stage.DriftBehavioral,
	}, map[string]float64{"stress": -0.2})
	st.Commit(&stage.ActorCommitment{Location: "school", Action: "teaching"}, map[string]float64{"stress": -0.1})

	if st.CurrentLocation != "school" || st.Commits != 2 {
		t.Errorf("commit not applied: %+v", st)
	}
	if d := st.EmotionalDeltas["stress"]; d != -0.3 {
		t.Errorf("deltas not accumulated: %v", d)
	}
}
