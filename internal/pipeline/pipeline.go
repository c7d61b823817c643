// Package pipeline executes the five-stage cognitive cycle
// (Observe → Reflect → Plan → Drift → Act) for one persona for one tick.
// Stages run strictly in order; each accepted output feeds the next, and
// every external-call attempt lands in the audit trail.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/driftville/internal/embedding"
	"github.com/nidhogg/driftville/internal/llm"
	"github.com/nidhogg/driftville/internal/memory"
	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/runlog"
	"github.com/nidhogg/driftville/internal/stage"
	"go.uber.org/zap"
)

// Config tunes pipeline behavior for a run.
type Config struct {
	UseDrift    bool
	Model       string
	Temperature float64
	MaxTokens   int
	RetrieveK   int
	TickStep    time.Duration
}

// Pipeline drives the stage state machine. It is safe for concurrent use
// across personas; within one persona, ticks are sequential by
// construction.
// Archiver receives a write-behind copy of each stored memory, e.g. a
// Qdrant collection. Archive failures never fail the tick.
type Archiver interface {
	ArchiveMemory(ctx context.Context, personaName, simTime string, rec memory.Record) error
}

type Pipeline struct {
	client  *llm.Client
	store   *memory.Store
	embed   embedding.Provider // nil disables relevance scoring
	logs    *runlog.Logs
	archive Archiver // optional
	cfg     Config
	logger  *zap.Logger
}

// SetArchiver attaches an optional memory archive.
func (p *Pipeline) SetArchiver(a Archiver) { p.archive = a }

// New creates a pipeline.
func New(client *llm.Client, store *memory.Store, embed embedding.Provider, logs *runlog.Logs, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = 5
	}
	if cfg.TickStep <= 0 {
		cfg.TickStep = 15 * time.Minute
	}
	return &Pipeline{
		client: client,
		store:  store,
		embed:  embed,
		logs:   logs,
		cfg:    cfg,
		logger: logger,
	}
}

// TickContext is the transient input for one persona-tick, constructed
// fresh by the scheduler.
type TickContext struct {
	Persona       *persona.State
	Tick          int
	SimTime       time.Time
	LastAction    *stage.ActorCommitment
	RecentHistory []runlog.EventEntry
}

// TickResult is what a tick produced. Degraded marks the fallback
// terminal: the prior commitment was reused and no memory was written.
type TickResult struct {
	Commitment    *stage.ActorCommitment
	Outputs       map[stage.Kind]*stage.Output
	Degraded      bool
	DegradedStage stage.Kind
	Summary       string
	Importance    float64
}

// fatalErr wraps errors that must abort the run (persistence,
// cancellation) as opposed to stage failures handled locally.
type fatalErr struct{ err error }

func (e fatalErr) Error() string { return e.err.Error() }
func (e fatalErr) Unwrap() error { return e.err }

// RunTick executes the state machine once. The returned error is non-nil
// only for run-fatal conditions; stage failures degrade the tick instead.
func (p *Pipeline) RunTick(ctx context.Context, tc *TickContext) (*TickResult, error) {
	memories := p.retrieveMemories(ctx, tc)
	scope := p.client.NewScope()
	outputs := make(map[stage.Kind]*stage.Output, 5)

	run := func(kind stage.Kind, system, prompt string) (*stage.Output, error) {
		return p.runStage(ctx, scope, tc, kind, system, prompt)
	}

	observe, err := run(stage.KindObserve, observerSystem, p.observePrompt(tc, memories))
	if err != nil {
		return p.finishTick(ctx, tc, outputs, err, stage.KindObserve)
	}
	outputs[stage.KindObserve] = observe

	reflect, err := run(stage.KindReflect, reflectorSystem, p.reflectPrompt(tc, memories, observe.Observer))
	if err != nil {
		return p.finishTick(ctx, tc, outputs, err, stage.KindReflect)
	}
	outputs[stage.KindReflect] = reflect

	// Plan always runs; a "no assessment needed" reflection arrives as
	// an empty-delta record, not a pipeline skip.
	plan, err := run(stage.KindPlan, plannerSystem, p.planPrompt(tc, observe.Observer, reflect.Reflector))
	if err != nil {
		return p.finishTick(ctx, tc, outputs, err, stage.KindPlan)
	}
	outputs[stage.KindPlan] = plan

	// Drift is bypassed entirely in ablated runs; Act receives the
	// no-drift sentinel so its input schema never changes.
	drift := stage.NoDrift()
	if p.cfg.UseDrift {
		driftOut, err := run(stage.KindDrift, drifterSystem, p.driftPrompt(tc, plan.Planner, reflect.Reflector))
		if err != nil {
			return p.finishTick(ctx, tc, outputs, err, stage.KindDrift)
		}
		outputs[stage.KindDrift] = driftOut
		drift = driftOut.Drifter
	}
	drift.Normalize()

	act, err := run(stage.KindAct, actorSystem, p.actPrompt(tc, plan.Planner, drift))
	if err != nil {
		return p.finishTick(ctx, tc, outputs, err, stage.KindAct)
	}
	outputs[stage.KindAct] = act

	commitment := resolveCommitment(tc, plan.Planner, drift, act.Actor, p.cfg.TickStep)
	summary := summarize(tc.Persona.Name, outputs, commitment, drift)
	importance, err := p.scoreImportance(ctx, tc, scope, summary, outputs)
	if err != nil {
		return nil, err
	}

	res := &TickResult{
		Commitment: commitment,
		Outputs:    outputs,
		Summary:    summary,
		Importance: importance,
	}
	if err := p.persistTick(ctx, tc, res); err != nil {
		return nil, err
	}
	return res, nil
}

// runStage invokes one stage and appends one audit entry per attempt.
func (p *Pipeline) runStage(ctx context.Context, scope *llm.Scope, tc *TickContext, kind stage.Kind, system, prompt string) (*stage.Output, error) {
	res, invokeErr := p.client.Invoke(ctx, scope, &llm.Request{
		Stage:  kind,
		System: system,
		Prompt: prompt,
		Params: llm.Params{
			Model:       p.cfg.Model,
			Temperature: p.cfg.Temperature,
			MaxTokens:   p.cfg.MaxTokens,
		},
	})

	simTS := tc.SimTime.Format(persona.TimeFormat)
	for _, a := range res.Attempts {
		entry := &runlog.EventEntry{
			PersonaID: tc.Persona.ID,
			Tick:      tc.Tick,
			Stage:     string(kind),
			Attempt:   a.Number,
			SimTime:   simTS,
			Input:     truncate(prompt, 2000),
			Output:    truncate(a.Raw, 4000),
			Outcome:   runlog.Outcome(a.Outcome),
			Error:     a.Err,
		}
		if err := p.logs.AppendEvent(ctx, entry); err != nil {
			return nil, fatalErr{fmt.Errorf("append event log: %w", err)}
		}
	}

	if invokeErr != nil {
		if errors.Is(invokeErr, llm.ErrBudgetExhausted) {
			return nil, invokeErr
		}
		return nil, fatalErr{invokeErr}
	}
	return res.Output, nil
}

// finishTick handles a stage error: budget exhaustion degrades the tick
// to the prior commitment; anything else aborts the run.
func (p *Pipeline) finishTick(ctx context.Context, tc *TickContext, outputs map[stage.Kind]*stage.Output, err error, failed stage.Kind) (*TickResult, error) {
	var fe fatalErr
	if errors.As(err, &fe) {
		return nil, fe.err
	}

	p.logger.Warn("stage degraded, reusing prior commitment",
		zap.String("persona", tc.Persona.Name),
		zap.Int("tick", tc.Tick),
		zap.String("stage", string(failed)),
		zap.Error(err))

	res := &TickResult{
		Commitment:    p.fallbackCommitment(tc),
		Outputs:       outputs,
		Degraded:      true,
		DegradedStage: failed,
	}
	// Degraded ticks still land in the session log; they write no
	// memory.
	if err := p.persistTick(ctx, tc, res); err != nil {
		return nil, err
	}
	return res, nil
}

// fallbackCommitment reuses the prior tick's commitment; on the first
// tick it holds the persona in its scheduled (or idle) activity.
func (p *Pipeline) fallbackCommitment(tc *TickContext) *stage.ActorCommitment {
	simTS := tc.SimTime.Format(persona.TimeFormat)
	next := tc.SimTime.Add(p.cfg.TickStep).Format(persona.TimeFormat)

	var c stage.ActorCommitment
	if tc.LastAction != nil {
		c = *tc.LastAction
	} else if slot, ok := tc.Persona.Schedule.SlotAt(tc.SimTime); ok {
		c = stage.ActorCommitment{Location: slot.Location, Action: slot.Action, Topic: slot.Topic()}
	} else {
		c = stage.ActorCommitment{Location: "home", Action: "idle"}
	}
	c.DriftType = stage.DriftNone
	c.DriftTopic = ""
	c.Datetime = simTS
	c.DurationMin = int(p.cfg.TickStep.Minutes())
	c.NextDatetime = next
	return &c
}

// scoreImportance rates the tick summary 1-10 with a dedicated model
// call. Failure is never an error; the memory is stored with
// importance 0, exactly once, after the final accepted output.
func (p *Pipeline) scoreImportance(ctx context.Context, tc *TickContext, scope *llm.Scope, summary string, outputs map[stage.Kind]*stage.Output) (float64, error) {
	payload, _ := json.Marshal(map[string]any{
		"summary": summary,
		"orpda":   mergedOutputs(outputs),
	})
	res, invokeErr := p.client.Invoke(ctx, scope, &llm.Request{
		Stage:  stage.KindImportance,
		System: importanceSystem,
		Prompt: string(payload),
		Params: llm.Params{
			Model:       p.cfg.Model,
			Temperature: p.cfg.Temperature,
			MaxTokens:   64,
		},
	})

	simTS := tc.SimTime.Format(persona.TimeFormat)
	for _, a := range res.Attempts {
		if err := p.logs.AppendEvent(ctx, &runlog.EventEntry{
			PersonaID: tc.Persona.ID,
			Tick:      tc.Tick,
			Stage:     string(stage.KindImportance),
			Attempt:   a.Number,
			SimTime:   simTS,
			Output:    truncate(a.Raw, 256),
			Outcome:   runlog.Outcome(a.Outcome),
			Error:     a.Err,
		}); err != nil {
			return 0, fmt.Errorf("append event log: %w", err)
		}
	}
	if invokeErr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Rating is best-effort; the memory still lands, at zero.
		return 0, nil
	}
	if res.Output == nil {
		return 0, nil
	}
	return res.Output.Importance.Importance, nil
}

// persistTick appends the session entry and, for non-degraded ticks, the
// memory-stream entry and the memory record itself.
func (p *Pipeline) persistTick(ctx context.Context, tc *TickContext, res *TickResult) error {
	simTS := tc.SimTime.Format(persona.TimeFormat)

	orpda, err := json.Marshal(mergedOutputs(res.Outputs))
	if err != nil {
		return fmt.Errorf("marshal tick outputs: %w", err)
	}
	if err := p.logs.AppendSession(&runlog.SessionEntry{
		Tick:     tc.Tick,
		SimTime:  simTS,
		Persona:  tc.Persona.Name,
		UseDrift: p.cfg.UseDrift,
		Degraded: res.Degraded,
		ORPDA:    orpda,
	}); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}

	if res.Degraded {
		return nil
	}

	if err := p.logs.AppendMemoryStream(&runlog.MemoryStreamEntry{
		SimTime:    simTS,
		Persona:    tc.Persona.Name,
		Summary:    res.Summary,
		Importance: res.Importance,
	}); err != nil {
		return fmt.Errorf("append memory stream: %w", err)
	}

	var emb []float32
	if p.embed != nil {
		if vecs, err := p.embed.Embed(ctx, []string{res.Summary}); err == nil && len(vecs) == 1 {
			emb = vecs[0]
		} else if err != nil {
			p.logger.Warn("embedding failed, storing memory without one",
				zap.String("persona", tc.Persona.Name), zap.Error(err))
		}
	}
	rec := p.store.Insert(tc.Persona.ID, tc.Tick, res.Summary, res.Importance, emb)
	if p.archive != nil {
		if err := p.archive.ArchiveMemory(ctx, tc.Persona.Name, simTS, rec); err != nil {
			p.logger.Warn("memory archive failed",
				zap.String("persona", tc.Persona.Name), zap.Error(err))
		}
	}
	return nil
}

// retrieveMemories ranks the persona's memories against the current
// situation. Retrieval on an empty store is a cheap no-op.
func (p *Pipeline) retrieveMemories(ctx context.Context, tc *TickContext) []memory.Record {
	query := memory.Query{PersonaID: tc.Persona.ID}
	if p.embed != nil && p.store.Len(tc.Persona.ID) > 0 {
		text := tc.Persona.Name + " " + tc.Persona.CurrentAction + " " + tc.Persona.CurrentTopic
		if vecs, err := p.embed.Embed(ctx, []string{text}); err == nil && len(vecs) == 1 {
			query.Embedding = vecs[0]
		}
	}
	return p.store.Retrieve(query, p.cfg.RetrieveK)
}

// mergedOutputs flattens accepted outputs into the session-log shape.
func mergedOutputs(outputs map[stage.Kind]*stage.Output) map[string]any {
	merged := make(map[string]any, len(outputs))
	for _, out := range outputs {
		switch {
		case out.Observer != nil:
			merged["observation"] = out.Observer
		case out.Reflector != nil:
			merged["reflection"] = out.Reflector
		case out.Planner != nil:
			merged["plan"] = out.Planner
		case out.Drifter != nil:
			merged["drift_decision"] = out.Drifter
		case out.Actor != nil:
			merged["action_result"] = out.Actor
		}
	}
	return merged
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
