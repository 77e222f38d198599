package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/example/testsmith/internal/model"
)

// SQLite is the durable job store shared by producer and consumer processes.
// All cross-process coordination goes through its transactional claim and
// terminal-write operations.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	// _txlock=immediate makes claim transactions take the write lock up
	// front, so concurrent claims queue on busy_timeout instead of failing
	// on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT NOT NULL,
  queue TEXT NOT NULL,
  state TEXT NOT NULL,
  payload TEXT NOT NULL,
  result TEXT,
  failure_reason TEXT,
  created_at INTEGER NOT NULL,
  completed_at INTEGER,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (queue, state, created_at);
`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Enqueue atomically creates a job in the waiting state and makes it visible
// to consumers of the queue. The job is durable once this returns.
func (s *SQLite) Enqueue(ctx context.Context, queue model.Queue, payload model.Payload) (model.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Job{}, fmt.Errorf("encode payload: %w", err)
	}
	job := model.Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		State:     model.StateWaiting,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, state, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Queue), string(job.State), string(raw), job.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// ClaimNext returns the oldest waiting job on the queue after transitioning it
// to active, or nil when the queue has no waiting jobs. The select and update
// share one transaction, so no two concurrent claims return the same job.
func (s *SQLite) ClaimNext(ctx context.Context, queue model.Queue) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, queue, state, payload, result, failure_reason, created_at, completed_at
       FROM jobs WHERE queue = ? AND state = ? ORDER BY created_at ASC LIMIT 1`,
		string(queue), string(model.StateWaiting),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE queue = ? AND id = ? AND state = ?`,
		string(model.StateActive), string(queue), job.ID, string(model.StateWaiting),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.State = model.StateActive
	return &job, nil
}

// MarkCompleted records the job's result and moves it to the completed state.
// Repeating a completed write is a no-op; completing a failed job returns
// model.ErrTerminal.
func (s *SQLite) MarkCompleted(ctx context.Context, queue model.Queue, id string, result model.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.finish(ctx, queue, id, model.StateCompleted, string(raw), "")
}

// MarkFailed records the failure reason and moves the job to the failed state.
// Repeating a failed write is a no-op; failing a completed job returns
// model.ErrTerminal.
func (s *SQLite) MarkFailed(ctx context.Context, queue model.Queue, id, reason string) error {
	return s.finish(ctx, queue, id, model.StateFailed, "", reason)
}

func (s *SQLite) finish(ctx context.Context, queue model.Queue, id string, target model.JobState, result, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE queue = ? AND id = ?`, string(queue), id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	if state := model.JobState(current); state.Terminal() {
		if state == target {
			return nil
		}
		return model.ErrTerminal
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, failure_reason = ?, completed_at = ?
       WHERE queue = ? AND id = ?`,
		string(target), nullable(result), nullable(reason), time.Now().UTC().UnixMilli(),
		string(queue), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetJob(ctx context.Context, queue model.Queue, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, state, payload, result, failure_reason, created_at, completed_at
       FROM jobs WHERE queue = ? AND id = ?`,
		string(queue), id,
	)
	return scanJob(row)
}

// PurgeTerminalBefore deletes completed and failed jobs whose terminal write
// happened before the cutoff. Callers treat a purged id as not found.
func (s *SQLite) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?) AND completed_at < ?`,
		string(model.StateCompleted), string(model.StateFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByState returns the number of jobs per state on the queue.
func (s *SQLite) CountByState(ctx context.Context, queue model.Queue) (map[model.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, string(queue),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[model.JobState(state)] = n
	}
	return counts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (model.Job, error) {
	var (
		id, queue, state, payload string
		result, reason            sql.NullString
		createdMs                 int64
		completedMs               sql.NullInt64
	)
	if err := row.Scan(&id, &queue, &state, &payload, &result, &reason, &createdMs, &completedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	job := model.Job{
		ID:        id,
		Queue:     model.Queue(queue),
		State:     model.JobState(state),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return model.Job{}, fmt.Errorf("decode payload: %w", err)
	}
	if result.Valid {
		job.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return model.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if reason.Valid {
		job.FailureReason = reason.String
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
