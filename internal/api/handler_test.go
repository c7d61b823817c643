package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nidhogg/driftville/internal/memory"
	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/pipeline"
	"github.com/nidhogg/driftville/internal/scheduler"
	"github.com/nidhogg/driftville/internal/stage"
	"github.com/nidhogg/driftville/internal/vectorstore"
	"go.uber.org/zap"
)

// holdRunner keeps every persona at its scheduled activity.
type holdRunner struct{}

func (holdRunner) RunTick(_ context.Context, tc *pipeline.TickContext) (*pipeline.TickResult, error) {
	return &pipeline.TickResult{
		Commitment: &stage.ActorCommitment{
			Location:  "noodle shop",
			Action:    "prepping broth",
			Topic:     "lunch rush",
			DriftType: stage.DriftNone,
		},
		Outputs: map[stage.Kind]*stage.Output{},
	}, nil
}

// fakeRecaller serves canned archive hits, or fails when err is set.
type fakeRecaller struct {
	hits []*vectorstore.Hit
	err  error

	lastPersona string
	lastQuery   string
	lastK       int
}

func (f *fakeRecaller) Recall(_ context.Context, personaID, query string, k int) ([]*vectorstore.Hit, error) {
	f.lastPersona, f.lastQuery, f.lastK = personaID, query, k
	return f.hits, f.err
}

func newTestServer(t *testing.T, recall Recaller) (*httptest.Server, *memory.Store, []*persona.State) {
	t.Helper()
	logger := zap.NewNop()

	personas := []*persona.State{
		{ID: "p-mei", Name: "Mei Lin", CurrentLocation: "home", CurrentAction: "idle"},
		{ID: "p-sam", Name: "Sam", CurrentLocation: "home", CurrentAction: "idle"},
	}
	tracker := scheduler.NewTracker()
	s := scheduler.New(holdRunner{}, personas, nil, tracker, scheduler.Config{
		Ticks:    4,
		Start:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		TickStep: 15 * time.Minute,
	}, logger)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	store := memory.NewStore(memory.Config{}, logger)
	store.Insert("p-mei", 0, "Mei Lin opened the shop", 3, nil)
	store.Insert("p-mei", 1, "a regular shared big news", 7, nil)

	h := NewHandler(tracker, store, recall, RunInfo{
		SessionID: "session_orpda_test",
		Model:     "test-model",
		UseDrift:  true,
		Personas:  len(personas),
		Ticks:     4,
		StartedAt: time.Now(),
	}, logger)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, store, personas
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	var body map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["session"] != "session_orpda_test" {
		t.Fatalf("body = %v", body)
	}
}

func TestRunStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	var body struct {
		Run            RunInfo `json:"run"`
		CompletedTicks int     `json:"completed_ticks"`
		TotalTicks     int     `json:"total_ticks"`
	}
	if code := getJSON(t, srv.URL+"/api/run", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.CompletedTicks != 8 || body.TotalTicks != 8 {
		t.Fatalf("progress = %d/%d", body.CompletedTicks, body.TotalTicks)
	}
	if body.Run.Model != "test-model" || !body.Run.UseDrift {
		t.Fatalf("run info = %+v", body.Run)
	}
}

func TestListPersonas(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	var personas []scheduler.PersonaStatus
	if code := getJSON(t, srv.URL+"/api/personas", &personas); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(personas) != 2 {
		t.Fatalf("personas = %d, want 2", len(personas))
	}
	// Sorted by name.
	if personas[0].Name != "Mei Lin" || personas[1].Name != "Sam" {
		t.Fatalf("order = %s, %s", personas[0].Name, personas[1].Name)
	}
	if personas[0].Location != "noodle shop" || personas[0].Tick != 3 {
		t.Fatalf("status = %+v", personas[0])
	}
}

func TestGetPersona(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	var p scheduler.PersonaStatus
	if code := getJSON(t, srv.URL+"/api/personas/p-sam", &p); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if p.Name != "Sam" {
		t.Fatalf("persona = %+v", p)
	}

	var errBody map[string]string
	if code := getJSON(t, srv.URL+"/api/personas/nobody", &errBody); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestGetPersonaMemories(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	var records []memory.Record
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/memories?k=1", &records); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	// No memories is an empty list, not an error.
	if code := getJSON(t, srv.URL+"/api/personas/p-sam/memories", &records); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestGetPersonaMemoriesLeavesAccessStampsAlone(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	before := store.Peek(memory.Query{PersonaID: "p-mei"}, 10)
	var records []memory.Record
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/memories", &records); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	after := store.Peek(memory.Query{PersonaID: "p-mei"}, 10)

	for i := range before {
		if !after[i].LastAccessedAt.Equal(before[i].LastAccessedAt) {
			t.Fatalf("memory %s access stamp moved: %v -> %v",
				before[i].ID, before[i].LastAccessedAt, after[i].LastAccessedAt)
		}
	}
}

func TestRecallMemories(t *testing.T) {
	recall := &fakeRecaller{hits: []*vectorstore.Hit{
		{ID: "m-1", Score: 0.91, Payload: map[string]string{"summary": "the lunch rush"}},
	}}
	srv, _, _ := newTestServer(t, recall)

	var hits []*vectorstore.Hit
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/recall?q=busy+day&k=3", &hits); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(hits) != 1 || hits[0].ID != "m-1" {
		t.Fatalf("hits = %+v", hits)
	}
	if recall.lastPersona != "p-mei" || recall.lastQuery != "busy day" || recall.lastK != 3 {
		t.Fatalf("recall called with %q %q %d", recall.lastPersona, recall.lastQuery, recall.lastK)
	}
}

func TestRecallRequiresQuery(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRecaller{})
	var body map[string]string
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/recall", &body); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
}

func TestRecallWithoutArchive(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	var body map[string]string
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/recall?q=anything", &body); code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", code)
	}
}

func TestRecallArchiveFailure(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRecaller{err: errors.New("collection gone")})
	var body map[string]string
	if code := getJSON(t, srv.URL+"/api/personas/p-mei/recall?q=anything", &body); code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", code)
	}
}

func TestListEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	var events []scheduler.TickEvent
	if code := getJSON(t, srv.URL+"/api/events?limit=3", &events); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].Tick != 3 {
		t.Fatalf("newest event tick = %d, want 3", events[2].Tick)
	}
}
