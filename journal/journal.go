// Package journal records finished program runs in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is not in the journal.
var ErrNotFound = errors.New("journal: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	duration_ns  INTEGER NOT NULL,
	entry        TEXT NOT NULL,
	exit_code    INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	output       TEXT NOT NULL DEFAULT '',
	instructions INTEGER NOT NULL DEFAULT 0,
	gc_cycles    INTEGER NOT NULL DEFAULT 0,
	peak_heap    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

// Entry is one journaled run.
type Entry struct {
	ID           string
	StartedAt    time.Time
	Duration     time.Duration
	Entry        string
	ExitCode     int64
	Error        string
	Output       []string
	Instructions uint64
	GCCycles     int
	PeakHeap     int
}

// Journal is an append-only store of run entries.
type Journal struct {
	db  *sql.DB
	log commonlog.Logger
}

// Open opens (creating if needed) the journal database at path. Use
// ":memory:" for a throwaway journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	j := &Journal{db: db, log: commonlog.GetLogger("ana.journal")}
	j.log.Infof("journal opened at %s", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a finished run.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, duration_ns, entry, exit_code, error, output, instructions, gc_cycles, peak_heap)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StartedAt.UnixNano(), int64(e.Duration), e.Entry, e.ExitCode, e.Error,
		strings.Join(e.Output, "\n"), int64(e.Instructions), e.GCCycles, e.PeakHeap)
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", e.ID, err)
	}
	j.log.Debugf("recorded run %s (exit %d)", e.ID, e.ExitCode)
	return nil
}

const selectColumns = `id, started_at, duration_ns, entry, exit_code, error, output, instructions, gc_cycles, peak_heap`

// Get returns the run with the given id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get %s: %w", id, err)
	}
	return e, nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: recent: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of journaled runs.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		started, dur int64
		output       string
		instructions int64
	)
	if err := s.Scan(&e.ID, &started, &dur, &e.Entry, &e.ExitCode, &e.Error, &output,
		&instructions, &e.GCCycles, &e.PeakHeap); err != nil {
		return nil, err
	}
	e.StartedAt = time.Unix(0, started)
	e.Duration = time.Duration(dur)
	e.Instructions = uint64(instructions)
	if output != "" {
		e.Output = strings.Split(output, "\n")
	}
	return &e, nil
}
