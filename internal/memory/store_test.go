package memory

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock lets tests place insertions and retrievals at exact times.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(w Weights, clock *fakeClock) *Store {
	return NewStore(Config{
		Weights:         w,
		RecencyHalfLife: 24 * time.Hour,
		Now:             clock.now,
	}, zap.NewNop())
}

func TestRetrieveEmptyStore(t *testing.T) {
	s := newTestStore(DefaultWeights(), &fakeClock{t: time.Now()})
	if got := s.Retrieve(Query{PersonaID: "mei"}, 5); len(got) != 0 {
		t.Errorf("empty store returned %d records", len(got))
	}
}

func TestRetrieveKClamping(t *testing.T) {
	clock := &fakeClock{t: time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)}
	s := newTestStore(DefaultWeights(), clock)
	for i := 0; i < 4; i++ {
		s.Insert("mei", i, fmt.Sprintf("memory %d", i), 5, nil)
	}
	if got := s.Retrieve(Query{PersonaID: "mei"}, 2); len(got) != 2 {
		t.Errorf("k=2 returned %d", len(got))
	}
	if got := s.Retrieve(Query{PersonaID: "mei"}, 10); len(got) != 4 {
		t.Errorf("k>size returned %d, want all 4", len(got))
	}
}

func TestRetrieveOrderedByScoreWithStableTies(t *testing.T) {
	clock := &fakeClock{t: time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)}
	s := newTestStore(Weights{Recency: 0, Importance: 1, Relevance: 0}, clock)
	s.Insert("mei", 0, "first low", 2, nil)
	s.Insert("mei", 0, "high", 9, nil)
	s.Insert("mei", 0, "second low", 2, nil)

	got := s.Retrieve(Query{PersonaID: "mei"}, 3)
	if got[0].Text != "high" {
		t.Errorf("highest importance not first: %s", got[0].Text)
	}
	// Equal scores keep insertion order.
	if got[1].Text != "first low" || got[2].Text != "second low" {
		t.Errorf("ties not stable: %s, %s", got[1].Text, got[2].Text)
	}
}

// Pins the importance-vs-recency boundary: A (importance 9, two days
// stale) must beat B (importance 2, touched a minute ago) under
// recency 0.3 / importance 0.7 and a 24h half-life, because the two
// half-lives of decay (0.25) cost A less than the importance gap costs B.
func TestImportanceOutweighsRecencyAtBoundary(t *testing.T) {
	base := time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base.Add(-48 * time.Hour)}
	s := newTestStore(Weights{Recency: 0.3, Importance: 0.7, Relevance: 0}, clock)

	s.Insert("mei", 0, "A: breakup at the harvest festival", 9, nil)
	clock.t = base.Add(-time.Minute)
	s.Insert("mei", 1, "B: watered the plants", 2, nil)

	clock.t = base
	got := s.Retrieve(Query{PersonaID: "mei"}, 1)
	if len(got) != 1 || got[0].Text[0] != 'A' {
		t.Fatalf("want A to win, got %+v", got)
	}
}

func TestRetrieveTouchesLastAccessed(t *testing.T) {
	base := time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base}
	s := newTestStore(Weights{Recency: 1, Importance: 0, Relevance: 0}, clock)

	s.Insert("mei", 0, "old", 5, nil)
	clock.t = base.Add(12 * time.Hour)
	s.Insert("mei", 1, "new", 5, nil)

	// Touch only "old" by retrieving k=2 then checking feedback: access
	// at +24h refreshes both, so instead retrieve k=1 at a moment where
	// "new" wins, then verify the touched record ranks first later.
	clock.t = base.Add(13 * time.Hour)
	first := s.Retrieve(Query{PersonaID: "mei"}, 1)
	if first[0].Text != "new" {
		t.Fatalf("expected new to win initially, got %s", first[0].Text)
	}

	// Much later, "new" was touched at +13h while "old" still sits at
	// creation time, so the positive feedback keeps "new" on top.
	clock.t = base.Add(40 * time.Hour)
	got := s.Retrieve(Query{PersonaID: "mei"}, 2)
	if got[0].Text != "new" {
		t.Errorf("access feedback lost: got %s first", got[0].Text)
	}
}

func TestPeekRanksWithoutTouchingAccess(t *testing.T) {
	base := time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base}
	s := newTestStore(Weights{Recency: 0, Importance: 1, Relevance: 0}, clock)

	s.Insert("mei", 0, "minor errand", 2, nil)
	s.Insert("mei", 1, "big argument", 9, nil)

	clock.t = base.Add(6 * time.Hour)
	got := s.Peek(Query{PersonaID: "mei"}, 2)
	if len(got) != 2 || got[0].Text != "big argument" {
		t.Fatalf("peek order = %+v", got)
	}
	// Peek must not stamp access; both records still sit at creation.
	for _, r := range got {
		if !r.LastAccessedAt.Equal(base) {
			t.Errorf("%q access stamp moved to %v", r.Text, r.LastAccessedAt)
		}
	}
	if again := s.Peek(Query{PersonaID: "mei"}, 2); !again[0].LastAccessedAt.Equal(base) {
		t.Errorf("second peek saw a mutated stamp: %v", again[0].LastAccessedAt)
	}
}

func TestSameTickDuplicatesCoalesce(t *testing.T) {
	clock := &fakeClock{t: time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)}
	s := newTestStore(DefaultWeights(), clock)

	a := s.Insert("mei", 3, "saw the mail carrier", 4, nil)
	b := s.Insert("mei", 3, "saw the mail carrier", 4, nil)
	if a.ID != b.ID {
		t.Errorf("same-tick duplicate created a new record")
	}
	if s.Len("mei") != 1 {
		t.Errorf("store size = %d, want 1", s.Len("mei"))
	}

	// The same text on a later tick is a legitimately new memory.
	c := s.Insert("mei", 4, "saw the mail carrier", 4, nil)
	if c.ID == a.ID || s.Len("mei") != 2 {
		t.Errorf("cross-tick duplicate wrongly coalesced")
	}
}

func TestMissingEmbeddingScoresZeroRelevanceButStillSurfaces(t *testing.T) {
	clock := &fakeClock{t: time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)}
	s := newTestStore(Weights{Recency: 0, Importance: 0.5, Relevance: 0.5}, clock)

	s.Insert("mei", 0, "no embedding, very important", 10, nil)
	s.Insert("mei", 0, "embedded, unimportant", 1, []float32{1, 0})

	got := s.Retrieve(Query{PersonaID: "mei", Embedding: []float32{1, 0}}, 2)
	if len(got) != 2 {
		t.Fatalf("record without embedding was excluded")
	}
	// importance 10 at weight 0.5 (=0.5) beats cosine 1 at weight 0.5
	// plus importance 0.1*0.5.
	if got[0].Text != "no embedding, very important" {
		t.Errorf("got %q first", got[0].Text)
	}
}

func TestPersonaPartitioning(t *testing.T) {
	clock := &fakeClock{t: time.Date(2023, 2, 13, 6, 0, 0, 0, time.UTC)}
	s := newTestStore(DefaultWeights(), clock)
	s.Insert("mei", 0, "mei's memory", 5, nil)
	if got := s.Retrieve(Query{PersonaID: "sam"}, 5); len(got) != 0 {
		t.Errorf("cross-persona leak: %+v", got)
	}
}
