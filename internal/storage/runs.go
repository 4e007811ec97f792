package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveJobRun stores a run with its task records and exceptions in one
// transaction.
func (s *Store) SaveJobRun(ctx context.Context, run JobRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_runs (id, source, status, interviews, completed, failed, cancelled, cost, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Status, run.Interviews, run.Completed, run.Failed, run.Cancelled, run.Cost,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
	); err != nil {
		return fmt.Errorf("inserting job run: %w", err)
	}

	for _, r := range run.Records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_records (job_id, idx, status, agent, scenario, model, iteration, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, r.Index, r.Status, r.Agent, r.Scenario, r.Model, r.Iteration,
			nullTime(r.StartedAt), nullTime(r.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting task record %d: %w", r.Index, err)
		}
	}

	for _, e := range run.Exceptions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_exceptions (job_id, idx, question, kind, message, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, e.Index, e.Question, e.Kind, e.Message, formatTime(e.At),
		); err != nil {
			return fmt.Errorf("inserting task exception %d: %w", e.Index, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, source, status, interviews, completed, failed, cancelled, cost, started_at, finished_at`

// ListJobRuns returns the most recent runs, newest first, without records.
func (s *Store) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM job_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetJobRun returns one run with its records and exceptions.
func (s *Store) GetJobRun(ctx context.Context, id string) (JobRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return JobRun{}, ErrNotFound
	}
	if err != nil {
		return JobRun{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, status, agent, scenario, model, iteration, started_at, finished_at
		FROM task_records WHERE job_id = ? ORDER BY idx`, id)
	if err != nil {
		return JobRun{}, err
	}
	for rows.Next() {
		var r TaskRecord
		var started, finished sql.NullString
		if err := rows.Scan(&r.Index, &r.Status, &r.Agent, &r.Scenario, &r.Model, &r.Iteration, &started, &finished); err != nil {
			rows.Close()
			return JobRun{}, err
		}
		if r.StartedAt, err = parseNullTime(started); err != nil {
			rows.Close()
			return JobRun{}, err
		}
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			rows.Close()
			return JobRun{}, err
		}
		run.Records = append(run.Records, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return JobRun{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT idx, question, kind, message, at
		FROM task_exceptions WHERE job_id = ? ORDER BY at, idx`, id)
	if err != nil {
		return JobRun{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e TaskException
		var at string
		if err := rows.Scan(&e.Index, &e.Question, &e.Kind, &e.Message, &at); err != nil {
			return JobRun{}, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return JobRun{}, fmt.Errorf("parsing exception time: %w", err)
		}
		run.Exceptions = append(run.Exceptions, e)
	}
	return run, rows.Err()
}

func scanRun(r scanner) (JobRun, error) {
	var run JobRun
	var started, finished string
	if err := r.Scan(&run.ID, &run.Source, &run.Status, &run.Interviews, &run.Completed, &run.Failed, &run.Cancelled,
		&run.Cost, &started, &finished); err != nil {
		return JobRun{}, err
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return JobRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return JobRun{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s.String, err)
	}
	return t, nil
}
