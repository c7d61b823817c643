package runlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresSink mirrors event-log appends into a Postgres table so
// completed runs can be queried without parsing JSONL files.
type PostgresSink struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

const eventTableDDL = `
CREATE TABLE IF NOT EXISTS event_log (
	id          UUID PRIMARY KEY,
	persona_id  TEXT NOT NULL,
	tick        INT NOT NULL,
	stage       TEXT NOT NULL,
	attempt     INT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	sim_time    TEXT NOT NULL,
	input_snap  TEXT,
	output_snap TEXT,
	outcome     TEXT NOT NULL,
	error       TEXT
)`

// NewPostgresSink connects a pgx pool and ensures the event table.
func NewPostgresSink(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, eventTableDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure event_log table: %w", err)
	}
	logger.Info("postgres event sink ready")
	return &PostgresSink{db: pool, logger: logger}, nil
}

// AppendEvent inserts one audit entry.
func (s *PostgresSink) AppendEvent(ctx context.Context, e *EventEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO event_log
		 (id, persona_id, tick, stage, attempt, ts, sim_time, input_snap, output_snap, outcome, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.PersonaID, e.Tick, e.Stage, e.Attempt, e.Timestamp,
		e.SimTime, e.Input, e.Output, string(e.Outcome), e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CountEvents returns how many entries a persona has for a stage.
// Used by run verification and the integration suite.
func (s *PostgresSink) CountEvents(ctx context.Context, personaID, stage string) (int, error) {
	row := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_log WHERE persona_id=$1 AND ($2 = '' OR stage=$2)`,
		personaID, stage)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close releases the pool.
func (s *PostgresSink) Close(_ context.Context) error {
	s.db.Close()
	return nil
}
