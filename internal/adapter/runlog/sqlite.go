// Package runlog keeps the instruction run change log in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"kanban-ai/internal/domain"
)

// DefaultListLimit bounds ListRuns when no limit is given.
const DefaultListLimit = 50

// Store is a SQLite-backed run log. It satisfies board.RunRecorder.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run log at dbPath and migrates the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run log: %w", err)
	}
	return &Store{db: db}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS instruction_runs (
		id                TEXT PRIMARY KEY,
		instruction_id    TEXT NOT NULL,
		instruction_title TEXT NOT NULL DEFAULT '',
		channel_id        TEXT NOT NULL DEFAULT '',
		triggered_by      TEXT NOT NULL,
		success           INTEGER NOT NULL,
		cards_affected    INTEGER NOT NULL DEFAULT 0,
		cards_skipped     INTEGER NOT NULL DEFAULT 0,
		changes           TEXT NOT NULL DEFAULT '[]',
		error             TEXT NOT NULL DEFAULT '',
		started_at        INTEGER NOT NULL,
		duration_ns       INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instruction_runs_instruction
		ON instruction_runs (instruction_id, started_at DESC)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one run.
func (s *Store) Record(ctx context.Context, run domain.InstructionRun) error {
	const op = "runlog.Record"
	if run.ID == "" || run.InstructionID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "run and instruction id are required")
	}
	changes := run.Changes
	if changes == nil {
		changes = []domain.CardChange{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrRunLogWrite, err.Error())
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instruction_runs
			(id, instruction_id, instruction_title, channel_id, triggered_by, success,
			 cards_affected, cards_skipped, changes, error, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.InstructionID, run.InstructionTitle, run.ChannelID, string(run.TriggeredBy),
		boolToInt(run.Success), run.CardsAffected, run.CardsSkipped, string(changesJSON),
		run.Error, run.StartedAt.UnixNano(), int64(run.Duration),
	)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrRunLogWrite, err.Error())
	}
	return nil
}

// ListRuns returns runs most recent first. An empty instructionID lists
// runs of every instruction.
func (s *Store) ListRuns(ctx context.Context, instructionID string, limit int) ([]domain.InstructionRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	const cols = `id, instruction_id, instruction_title, channel_id, triggered_by, success,
		cards_affected, cards_skipped, changes, error, started_at, duration_ns`

	var (
		rows *sql.Rows
		err  error
	)
	if instructionID == "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+cols+" FROM instruction_runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+cols+" FROM instruction_runs WHERE instruction_id = ? ORDER BY started_at DESC, id DESC LIMIT ?",
			instructionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.InstructionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Prune deletes runs started before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM instruction_runs WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(rows *sql.Rows) (domain.InstructionRun, error) {
	var (
		run         domain.InstructionRun
		triggeredBy string
		success     int
		changesJSON string
		startedAt   int64
		durationNS  int64
	)
	if err := rows.Scan(
		&run.ID, &run.InstructionID, &run.InstructionTitle, &run.ChannelID, &triggeredBy, &success,
		&run.CardsAffected, &run.CardsSkipped, &changesJSON, &run.Error, &startedAt, &durationNS,
	); err != nil {
		return domain.InstructionRun{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(changesJSON), &run.Changes); err != nil {
		return domain.InstructionRun{}, fmt.Errorf("unmarshal changes: %w", err)
	}
	if len(run.Changes) == 0 {
		run.Changes = nil
	}
	run.TriggeredBy = domain.TriggerType(triggeredBy)
	run.Success = success != 0
	run.StartedAt = time.Unix(0, startedAt).UTC()
	run.Duration = time.Duration(durationNS)
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
