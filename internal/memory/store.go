// Package memory holds per-persona scored memory records and answers
// ranked retrieval queries. Scoring is a linear combination of three
// independently normalized terms: recency, importance, and relevance.
package memory

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/driftville/internal/embedding"
	"go.uber.org/zap"
)

// Record is one memory. It is mutated only on access (LastAccessedAt)
// and never deleted within a run.
type Record struct {
	ID             string    `json:"id"`
	PersonaID      string    `json:"persona_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Importance     float64   `json:"importance"` // [0,10]
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`

	seq  int // insertion order, breaks score ties
	tick int // tick of creation, scopes duplicate coalescing
}

// Weights are the relative contributions of the three sub-scores. They
// are normalized to sum to 1 at construction.
type Weights struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
}

// DefaultWeights mirror the tuning the simulation shipped with.
func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Importance: 0.4, Relevance: 0.3}
}

func (w Weights) normalized() Weights {
	total := w.Recency + w.Importance + w.Relevance
	if total <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Recency:    w.Recency / total,
		Importance: w.Importance / total,
		Relevance:  w.Relevance / total,
	}
}

// Config tunes retrieval scoring.
type Config struct {
	Weights         Weights
	RecencyHalfLife time.Duration

	// Now is the clock used for recency and access stamps; injectable
	// for tests. Defaults to time.Now.
	Now func() time.Time
}

// Store holds memory records partitioned per persona. Stage execution
// within a persona is sequential, so contention only arises across
// personas; one mutex over the partition map keeps appends atomic.
type Store struct {
	mu        sync.Mutex
	byPersona map[string][]*Record
	weights   Weights
	halfLife  time.Duration
	now       func() time.Time
	seq       int
	logger    *zap.Logger
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	halfLife := cfg.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	return &Store{
		byPersona: make(map[string][]*Record),
		weights:   cfg.Weights.normalized(),
		halfLife:  halfLife,
		now:       now,
		logger:    logger,
	}
}

// Insert appends a new record for the persona. Exact-text duplicates
// within the same tick coalesce into the existing record instead of
// growing the store.
func (s *Store) Insert(personaID string, tick int, text string, importance float64, emb []float32) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byPersona[personaID]
	for _, r := range records {
		if r.tick == tick && r.Text == text {
			return *r
		}
	}

	now := s.now()
	s.seq++
	rec := &Record{
		ID:             uuid.New().String(),
		PersonaID:      personaID,
		CreatedAt:      now,
		LastAccessedAt: now,
		Importance:     clamp(importance, 0, 10),
		Text:           text,
		Embedding:      emb,
		seq:            s.seq,
		tick:           tick,
	}
	s.byPersona[personaID] = append(records, rec)
	s.logger.Debug("memory inserted",
		zap.String("persona", personaID),
		zap.Int("tick", tick),
		zap.Float64("importance", rec.Importance))
	return *rec
}

// Len reports the record count for a persona.
func (s *Store) Len(personaID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPersona[personaID])
}

// Query describes what a retrieval is about. A nil embedding scores
// relevance 0 for every record.
type Query struct {
	PersonaID string
	Embedding []float32
}

// Retrieve returns the top-k records by composite score, highest first,
// ties broken by insertion order. It touches LastAccessedAt on every
// returned record; this access feedback is intentional. An empty store
// yields an empty result, never an error.
func (s *Store) Retrieve(q Query, k int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ranked := s.rank(q, k, now)
	out := make([]Record, 0, len(ranked))
	for _, r := range ranked {
		r.LastAccessedAt = now
		out = append(out, *r)
	}
	return out
}

// Peek ranks like Retrieve but never stamps LastAccessedAt. It is the
// read path for observability surfaces, which must not feed back into
// the simulation's recency scoring.
func (s *Store) Peek(q Query, k int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rank(q, k, s.now())
	out := make([]Record, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, *r)
	}
	return out
}

func (s *Store) rank(q Query, k int, now time.Time) []*Record {
	records := s.byPersona[q.PersonaID]
	if len(records) == 0 || k <= 0 {
		return nil
	}

	type scored struct {
		rec   *Record
		score float64
	}
	ranked := make([]scored, 0, len(records))
	for _, r := range records {
		ranked = append(ranked, scored{rec: r, score: s.score(r, q.Embedding, now)})
	}
	// Insertion sort keeps equal scores in insertion order (records is
	// already seq-ordered).
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]*Record, 0, k)
	for _, sc := range ranked[:k] {
		out = append(out, sc.rec)
	}
	return out
}

// score is the contract retrieval callers rely on: a weighted sum of
// three [0,1] terms.
func (s *Store) score(r *Record, queryEmb []float32, now time.Time) float64 {
	recency := recencyScore(now, r.LastAccessedAt, s.halfLife)
	importance := clamp(r.Importance/10, 0, 1)
	relevance := 0.0
	if len(queryEmb) > 0 && len(r.Embedding) > 0 {
		relevance = clamp(embedding.Cosine(queryEmb, r.Embedding), 0, 1)
	}
	return s.weights.Recency*recency +
		s.weights.Importance*importance +
		s.weights.Relevance*relevance
}

// recencyScore decays exponentially with the configured half-life:
// score = 2^(-elapsed/halfLife), so a record untouched for one half-life
// scores 0.5.
func recencyScore(now, lastAccessed time.Time, halfLife time.Duration) float64 {
	elapsed := now.Sub(lastAccessed)
	if elapsed <= 0 {
		return 1
	}
	return math.Exp2(-float64(elapsed) / float64(halfLife))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
