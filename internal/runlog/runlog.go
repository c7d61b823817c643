// Package runlog owns the run's durable record: the append-only event
// log (the audit trail), the session log of full per-tick outputs, and
// the memory-stream log of natural-language summaries. A failed append
// is a correctness violation, not a recoverable condition.
package runlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome classifies a stage attempt in the audit trail.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// EventEntry is one stage attempt. Immutable once written; one entry per
// attempt including failures.
type EventEntry struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"persona_id"`
	Tick      int       `json:"tick"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	SimTime   string    `json:"sim_time"`
	Input     string    `json:"input_snapshot,omitempty"`
	Output    string    `json:"output_snapshot,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// SessionEntry is the merged output of one full tick.
type SessionEntry struct {
	Model     string          `json:"llm_model"`
	TsCreated time.Time       `json:"ts_created"`
	Tick      int             `json:"tick"`
	SimTime   string          `json:"sim_time"`
	Persona   string          `json:"agent"`
	UseDrift  bool            `json:"use_drift"`
	Degraded  bool            `json:"degraded,omitempty"`
	ORPDA     json.RawMessage `json:"orpda"`
}

// MemoryStreamEntry is one long-term memory summary snapshot.
type MemoryStreamEntry struct {
	Model      string    `json:"llm_model"`
	TsCreated  time.Time `json:"ts_created"`
	SimTime    string    `json:"sim_time"`
	Persona    string    `json:"agent"`
	Summary    string    `json:"summary"`
	Importance float64   `json:"importance"`
}

// EventSink receives a mirror of every event-log append, e.g. a
// Postgres table for querying. Sink errors are as fatal as file errors.
type EventSink interface {
	AppendEvent(ctx context.Context, e *EventEntry) error
	Close(ctx context.Context) error
}

// writer is a mutex-guarded JSONL appender. Appends are atomic with
// respect to each other; callers need no ordering between personas.
type writer struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	path string
}

func newWriter(path string) (*writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &writer{f: f, bw: bufio.NewWriter(f), path: path}, nil
}

func (w *writer) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	// Flush per entry: a crashed run must not lose audit entries that
	// were reported as written.
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	return nil
}

func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Logs bundles the three append-only streams for one run.
type Logs struct {
	SessionID string

	events       *writer
	session      *writer
	memoryStream *writer
	sink         EventSink
	model        string
	logger       *zap.Logger
}

// Open creates the three log streams under dir, keyed by a fresh session
// id. The mode tag records whether the drift stage is active.
func Open(dir, model string, useDrift bool, logger *zap.Logger) (*Logs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	prefix := "session_orpa"
	if useDrift {
		prefix = "session_orpda"
	}
	sessionID := fmt.Sprintf("%s_%s_%s", prefix, time.Now().Format("20060102_150405"), uuid.New().String()[:8])

	events, err := newWriter(filepath.Join(dir, sessionID+"_events.log"))
	if err != nil {
		return nil, err
	}
	session, err := newWriter(filepath.Join(dir, sessionID+".log"))
	if err != nil {
		events.close()
		return nil, err
	}
	memStream, err := newWriter(filepath.Join(dir, "memory_streams_"+sessionID+".log"))
	if err != nil {
		events.close()
		session.close()
		return nil, err
	}

	logger.Info("run logs opened",
		zap.String("session", sessionID),
		zap.String("dir", dir))
	return &Logs{
		SessionID:    sessionID,
		events:       events,
		session:      session,
		memoryStream: memStream,
		model:        model,
		logger:       logger,
	}, nil
}

// SetSink attaches an optional event mirror.
func (l *Logs) SetSink(sink EventSink) { l.sink = sink }

// AppendEvent writes one audit-trail entry, assigning its id and
// timestamp if unset.
func (l *Logs) AppendEvent(ctx context.Context, e *EventEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := l.events.append(e); err != nil {
		return err
	}
	if l.sink != nil {
		if err := l.sink.AppendEvent(ctx, e); err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
	}
	return nil
}

// AppendSession writes one merged tick record.
func (l *Logs) AppendSession(e *SessionEntry) error {
	if e.Model == "" {
		e.Model = l.model
	}
	if e.TsCreated.IsZero() {
		e.TsCreated = time.Now()
	}
	return l.session.append(e)
}

// AppendMemoryStream writes one memory summary snapshot.
func (l *Logs) AppendMemoryStream(e *MemoryStreamEntry) error {
	if e.Model == "" {
		e.Model = l.model
	}
	if e.TsCreated.IsZero() {
		e.TsCreated = time.Now()
	}
	return l.memoryStream.append(e)
}

// Close flushes and closes all streams.
func (l *Logs) Close(ctx context.Context) error {
	var firstErr error
	for _, w := range []*writer{l.events, l.session, l.memoryStream} {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.sink != nil {
		if err := l.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
