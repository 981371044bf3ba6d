// Package store keeps a history of classification runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	sync "github.com/sasha-s/go-deadlock"

	"github.com/born-ml/explainer/internal/cnn"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// Run is one recorded classification.
type Run struct {
	ID          string           `json:"id"`
	Created     time.Time        `json:"created"`
	Source      string           `json:"source"`
	Model       string           `json:"model"`
	Strategy    string           `json:"strategy"`
	Elapsed     time.Duration    `json:"elapsed"`
	Warnings    int              `json:"warnings"`
	Predictions []cnn.Prediction `json:"predictions"`
}

// Top returns the most probable prediction, if any.
func (r Run) Top() (cnn.Prediction, bool) {
	if len(r.Predictions) == 0 {
		return cnn.Prediction{}, false
	}
	return r.Predictions[0], true
}

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created INTEGER,
	source TEXT,
	model TEXT,
	strategy TEXT,
	elapsed_ns INTEGER,
	warnings INTEGER,
	top_class TEXT,
	top_probability REAL,
	predictions TEXT
)`

// DB is the run history. SQLite serialises writers anyway; the mutex keeps
// a single connection in use at a time.
type DB struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *log.Logger
}

// Open opens or creates the history database at path. logger may be nil.
func Open(path string, logger *log.Logger) (*DB, error) {
	sdb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	sdb.SetMaxOpenConns(1)
	if _, err := sdb.Exec(schema); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &DB{db: sdb, logger: logger}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Record inserts r, assigning an id and creation time when unset.
func (d *DB) Record(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	preds, err := json.Marshal(r.Predictions)
	if err != nil {
		return Run{}, fmt.Errorf("failed to encode predictions: %w", err)
	}
	var topClass string
	var topProb float64
	if top, ok := r.Top(); ok {
		topClass, topProb = top.Class, top.Probability
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO runs (id, created, source, model, strategy, elapsed_ns, warnings, top_class, top_probability, predictions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Created.UnixNano(), r.Source, r.Model, r.Strategy, int64(r.Elapsed), r.Warnings,
		topClass, topProb, string(preds))
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run %s: %w", r.ID, err)
	}
	d.logf("[store] recorded run %s (%s %.3f)", r.ID, topClass, topProb)
	return r, nil
}

const selectRuns = `SELECT id, created, source, model, strategy, elapsed_ns, warnings, predictions FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r       Run
		created int64
		elapsed int64
		preds   string
	)
	if err := s.Scan(&r.ID, &created, &r.Source, &r.Model, &r.Strategy, &elapsed, &r.Warnings, &preds); err != nil {
		return Run{}, err
	}
	r.Created = time.Unix(0, created)
	r.Elapsed = time.Duration(elapsed)
	if err := json.Unmarshal([]byte(preds), &r.Predictions); err != nil {
		return Run{}, fmt.Errorf("run %s: bad predictions: %w", r.ID, err)
	}
	return r, nil
}

// Get returns the run with the given id.
func (d *DB) Get(ctx context.Context, id string) (Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := scanRun(d.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, selectRuns+` ORDER BY created DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ClassCounts returns how often each class was the top prediction.
func (d *DB) ClassCounts(ctx context.Context) (map[string]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `SELECT top_class, COUNT(*) FROM runs GROUP BY top_class`)
	if err != nil {
		return nil, fmt.Errorf("failed to count classes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("failed to count classes: %w", err)
		}
		counts[class] = n
	}
	return counts, rows.Err()
}
