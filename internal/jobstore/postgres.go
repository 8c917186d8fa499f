package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/forcealign/pkg/align"
)

// Schema is the SQL DDL for the alignment_jobs table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS alignment_jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    percent     DOUBLE PRECISION NOT NULL DEFAULT 0,
    transcript  TEXT NOT NULL DEFAULT '',
    result      JSONB,
    duration    DOUBLE PRECISION NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_alignment_jobs_created ON alignment_jobs(created_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Results are
// stored as JSONB in the same encoding the service returns.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling [PostgresStore.Migrate]
// to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("jobstore: migrate: %w", err)
	}
	return nil
}

const selectColumns = `id, status, message, percent, transcript, result, duration, error, created_at, updated_at`

// Create implements [Store].
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	result, duration, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO alignment_jobs (id, status, message, percent, transcript, result, duration, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		job.ID, string(job.Status), job.Message, job.Percent, job.Transcript, result, duration, job.Error,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("jobstore: job with id %q already exists", job.ID)
		}
		return fmt.Errorf("jobstore: create: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + selectColumns + ` FROM alignment_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("jobstore: get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("jobstore: get %q: %w", id, err)
	}
	return job, nil
}

// Update implements [Store].
func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	result, duration, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	const query = `
		UPDATE alignment_jobs SET
			status = $2, message = $3, percent = $4, result = $5,
			duration = $6, error = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		job.ID, string(job.Status), job.Message, job.Percent, result, duration, job.Error,
	).Scan(&job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("jobstore: update %q: %w", job.ID, ErrNotFound)
		}
		return fmt.Errorf("jobstore: update: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context) ([]Job, error) {
	query := `SELECT ` + selectColumns + ` FROM alignment_jobs ORDER BY created_at DESC, id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: list scan: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	return jobs, nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM alignment_jobs WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("jobstore: delete %q: %w", id, err)
	}
	return nil
}

// scanJob reads one row in selectColumns order.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		job      Job
		status   string
		result   []byte
		duration float64
	)
	if err := row.Scan(
		&job.ID, &status, &job.Message, &job.Percent, &job.Transcript,
		&result, &duration, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if len(result) > 0 {
		tr := &align.Transcription{}
		if err := json.Unmarshal(result, tr); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal result of %q: %w", job.ID, err)
		}
		tr.Duration = duration
		job.Result = tr
	}
	return &job, nil
}

// encodeResult returns the JSONB value for tr, nil when there is no result.
func encodeResult(tr *align.Transcription) ([]byte, float64, error) {
	if tr == nil {
		return nil, 0, nil
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: marshal result: %w", err)
	}
	return data, tr.Duration, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
