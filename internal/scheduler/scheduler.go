// Package scheduler advances the simulation clock and runs each persona's
// tick loop. Personas advance in parallel with each other but strictly
// sequentially within themselves; tick N+1 never starts before tick N's
// commitment is applied.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/pipeline"
	"github.com/nidhogg/driftville/internal/runlog"
	"github.com/nidhogg/driftville/internal/stage"
	"go.uber.org/zap"
)

// TickEvent is the per-tick notification published after a commitment is
// applied, e.g. onto a Redis stream for external observers.
type TickEvent struct {
	Persona  string `json:"persona"`
	Tick     int    `json:"tick"`
	SimTime  string `json:"sim_time"`
	Location string `json:"location"`
	Action   string `json:"action"`
	Drift    string `json:"drift_type"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Publisher receives tick events. Publish failures are logged, never
// fatal; the durable record is the run log, not the stream.
type Publisher interface {
	PublishTick(ctx context.Context, ev *TickEvent) error
}

// Config sizes a run.
type Config struct {
	Ticks         int
	Start         time.Time
	TickStep      time.Duration
	HistoryWindow int
}

// RunReport summarizes a completed run.
type RunReport struct {
	Personas      int
	Ticks         int
	DegradedTicks int
	Started       time.Time
	Finished      time.Time
}

// TickRunner executes one persona-tick. *pipeline.Pipeline is the
// production implementation.
type TickRunner interface {
	RunTick(ctx context.Context, tc *pipeline.TickContext) (*pipeline.TickResult, error)
}

// Scheduler owns the persona loops for one run.
type Scheduler struct {
	pipe     TickRunner
	personas []*persona.State
	bus      Publisher
	tracker  *Tracker
	cfg      Config
	logger   *zap.Logger
}

// New creates a scheduler. bus may be nil.
func New(pipe TickRunner, personas []*persona.State, bus Publisher, tracker *Tracker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickStep <= 0 {
		cfg.TickStep = 15 * time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 5
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Scheduler{
		pipe:     pipe,
		personas: personas,
		bus:      bus,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Tracker exposes live run state to the status API.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Run executes the configured number of ticks for every persona and
// blocks until all loops finish. The first fatal error cancels the
// remaining loops and is returned.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	report := &RunReport{
		Personas: len(s.personas),
		Ticks:    s.cfg.Ticks,
		Started:  time.Now(),
	}
	s.tracker.start(s.personas, s.cfg.Ticks)

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.personas))
	var degraded sync.Map

	for _, st := range s.personas {
		wg.Add(1)
		go func(st *persona.State) {
			defer wg.Done()
			n, err := s.runPersona(ctx, st)
			degraded.Store(st.ID, n)
			if err != nil {
				// First error wins; the rest drain on cancel.
				errCh <- err
				cancel()
			}
		}(st)
	}
	wg.Wait()
	close(errCh)

	report.Finished = time.Now()
	degraded.Range(func(_, v any) bool {
		report.DegradedTicks += v.(int)
		return true
	})

	if err := <-errCh; err != nil {
		return report, err
	}
	s.logger.Info("run complete",
		zap.Int("personas", report.Personas),
		zap.Int("ticks", report.Ticks),
		zap.Int("degraded_ticks", report.DegradedTicks),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return report, nil
}

// runPersona is one persona's sequential tick loop. It returns how many
// of its ticks degraded.
func (s *Scheduler) runPersona(ctx context.Context, st *persona.State) (int, error) {
	var lastAction *stage.ActorCommitment
	var history []runlog.EventEntry
	degraded := 0

	for tick := 0; tick < s.cfg.Ticks; tick++ {
		if err := ctx.Err(); err != nil {
			return degraded, err
		}
		simTime := s.cfg.Start.Add(time.Duration(tick) * s.cfg.TickStep)

		res, err := s.pipe.RunTick(ctx, &pipeline.TickContext{
			Persona:       st,
			Tick:          tick,
			SimTime:       simTime,
			LastAction:    lastAction,
			RecentHistory: history,
		})
		if err != nil {
			s.logger.Error("tick aborted run",
				zap.String("persona", st.Name),
				zap.Int("tick", tick),
				zap.Error(err))
			return degraded, err
		}

		var deltas map[string]float64
		if !res.Degraded {
			// A degraded tick carries over the prior commitment; stage
			// outputs accepted before the failure do not touch the persona.
			if out, ok := res.Outputs[stage.KindReflect]; ok && out.Reflector != nil {
				deltas = out.Reflector.EmotionalDeltas
			}
		}
		st.Commit(res.Commitment, deltas)
		lastAction = res.Commitment
		if res.Degraded {
			degraded++
		}

		history = appendHistory(history, historyEntry(st, tick, simTime, res), s.cfg.HistoryWindow)
		s.tracker.record(st, tick, simTime, res)
		s.publish(ctx, st, tick, simTime, res)
	}
	return degraded, nil
}

// historyEntry condenses a finished tick into the bounded context window
// the next tick's prompts see.
func historyEntry(st *persona.State, tick int, simTime time.Time, res *pipeline.TickResult) runlog.EventEntry {
	out, _ := json.Marshal(res.Commitment)
	return runlog.EventEntry{
		PersonaID: st.ID,
		Tick:      tick,
		Stage:     string(stage.KindAct),
		SimTime:   simTime.Format(persona.TimeFormat),
		Output:    string(out),
		Outcome:   runlog.OutcomeOK,
	}
}

func appendHistory(history []runlog.EventEntry, e runlog.EventEntry, window int) []runlog.EventEntry {
	history = append(history, e)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	return history
}

func (s *Scheduler) publish(ctx context.Context, st *persona.State, tick int, simTime time.Time, res *pipeline.TickResult) {
	if s.bus == nil {
		return
	}
	ev := &TickEvent{
		Persona:  st.Name,
		Tick:     tick,
		SimTime:  simTime.Format(persona.TimeFormat),
		Location: res.Commitment.Location,
		Action:   res.Commitment.Action,
		Drift:    res.Commitment.DriftType,
		Degraded: res.Degraded,
	}
	if err := s.bus.PublishTick(ctx, ev); err != nil {
		s.logger.Warn("tick publish failed",
			zap.String("persona", st.Name),
			zap.Int("tick", tick),
			zap.Error(err))
	}
}
