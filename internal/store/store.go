// Package store keeps the history of discovery runs in SQLite so that later
// runs can resume from the exclusions already learned.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// ErrNoRuns is returned when no run has been recorded for a network.
var ErrNoRuns = errors.New("store: no runs recorded")

const (
	verdictGood     = "good"
	verdictExcluded = "excluded"
	chipExcluded    = "excluded"
	chipUntested    = "untested"

	// Fixed width so that text order is time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Run is one recorded discovery run.
type Run struct {
	ID       string
	Network  string
	Started  time.Time
	Finished time.Time
	Attempts int
	Verified bool

	GoodLinks     []topology.Link
	ExcludedLinks []topology.Link
	ExcludedChips []grid.ChipID
	Untested      []grid.ChipID
}

// Store persists runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		started TEXT NOT NULL,
		finished TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		verified INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_links (
		run_id TEXT NOT NULL,
		from_chip INTEGER NOT NULL,
		to_chip INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		PRIMARY KEY (run_id, from_chip, to_chip, verdict),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_chips (
		run_id TEXT NOT NULL,
		chip INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (run_id, chip, status),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_network ON runs(network, started);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun records r and its link and chip verdicts in one transaction.
func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		return errors.New("store: run id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	verified := 0
	if r.Verified {
		verified = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, network, started, finished, attempts, verified)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Network, r.Started.UTC().Format(timeLayout), r.Finished.UTC().Format(timeLayout), r.Attempts, verified); err != nil {
		return fmt.Errorf("store: failed to insert run %s: %w", r.ID, err)
	}

	linkStmt, err := tx.PrepareContext(ctx, `INSERT INTO run_links (run_id, from_chip, to_chip, verdict) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare statement: %w", err)
	}
	defer linkStmt.Close()
	for verdict, links := range map[string][]topology.Link{verdictGood: r.GoodLinks, verdictExcluded: r.ExcludedLinks} {
		for _, l := range links {
			if _, err := linkStmt.ExecContext(ctx, r.ID, int(l.From), int(l.To), verdict); err != nil {
				return fmt.Errorf("store: failed to insert link %s: %w", l, err)
			}
		}
	}

	chipStmt, err := tx.PrepareContext(ctx, `INSERT INTO run_chips (run_id, chip, status) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare statement: %w", err)
	}
	defer chipStmt.Close()
	for status, chips := range map[string][]grid.ChipID{chipExcluded: r.ExcludedChips, chipUntested: r.Untested} {
		for _, id := range chips {
			if _, err := chipStmt.ExecContext(ctx, r.ID, int(id), status); err != nil {
				return fmt.Errorf("store: failed to insert chip %d: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, without link and chip detail.
// An empty network lists every network; limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, network string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, network, started, finished, attempts, verified
		FROM runs
		WHERE ? = '' OR network = ?
		ORDER BY started DESC, id
		LIMIT ?
	`, network, network, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			verified          int
		)
		if err := rows.Scan(&r.ID, &r.Network, &started, &finished, &r.Attempts, &verified); err != nil {
			return nil, fmt.Errorf("store: failed to scan run: %w", err)
		}
		r.Started, _ = time.Parse(timeLayout, started)
		r.Finished, _ = time.Parse(timeLayout, finished)
		r.Verified = verified != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating runs: %w", err)
	}
	return out, nil
}

// LoadRun returns the run with its link and chip verdicts.
func (s *Store) LoadRun(ctx context.Context, id string) (*Run, error) {
	var (
		r                 Run
		started, finished string
		verified          int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, network, started, finished, attempts, verified FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.Network, &started, &finished, &r.Attempts, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: run %s not found: %w", id, ErrNoRuns)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query run %s: %w", id, err)
	}
	r.Started, _ = time.Parse(timeLayout, started)
	r.Finished, _ = time.Parse(timeLayout, finished)
	r.Verified = verified != 0

	links, err := s.db.QueryContext(ctx, `
		SELECT from_chip, to_chip, verdict FROM run_links WHERE run_id = ? ORDER BY from_chip, to_chip
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var (
			from, to int
			verdict  string
		)
		if err := links.Scan(&from, &to, &verdict); err != nil {
			return nil, fmt.Errorf("store: failed to scan link: %w", err)
		}
		l := topology.Link{From: grid.ChipID(from), To: grid.ChipID(to)}
		if verdict == verdictGood {
			r.GoodLinks = append(r.GoodLinks, l)
		} else {
			r.ExcludedLinks = append(r.ExcludedLinks, l)
		}
	}
	if err := links.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating links: %w", err)
	}

	chips, err := s.db.QueryContext(ctx, `
		SELECT chip, status FROM run_chips WHERE run_id = ? ORDER BY chip
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query chips: %w", err)
	}
	defer chips.Close()
	for chips.Next() {
		var (
			chip   int
			status string
		)
		if err := chips.Scan(&chip, &status); err != nil {
			return nil, fmt.Errorf("store: failed to scan chip: %w", err)
		}
		if status == chipExcluded {
			r.ExcludedChips = append(r.ExcludedChips, grid.ChipID(chip))
		} else {
			r.Untested = append(r.Untested, grid.ChipID(chip))
		}
	}
	if err := chips.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating chips: %w", err)
	}
	return &r, nil
}

// LatestState returns the exclusions of network's most recent run, for
// seeding the next one, together with that run. Confirmed links are not
// carried over; they are confirmed again.
func (s *Store) LatestState(ctx context.Context, network string) (*topology.State, *Run, error) {
	runs, err := s.ListRuns(ctx, network, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(runs) == 0 {
		return nil, nil, ErrNoRuns
	}
	r, err := s.LoadRun(ctx, runs[0].ID)
	if err != nil {
		return nil, nil, err
	}
	st := topology.NewState()
	for _, l := range r.ExcludedLinks {
		st.ExcludeLink(l)
	}
	for _, id := range r.ExcludedChips {
		st.ExcludeChip(id)
	}
	return st, r, nil
}
