package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint breach.
const uniqueViolation = "23505"

// Postgres is the production JobStore backed by a jobs table with a unique
// index on idempotency_key.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres store over an open sqlx connection.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// jobRow maps the jobs table. Checkpoints and metadata travel as JSONB.
type jobRow struct {
	JobID            string         `db:"job_id"`
	JobType          string         `db:"job_type"`
	EntityID         string         `db:"entity_id"`
	Status           string         `db:"status"`
	IdempotencyKey   string         `db:"idempotency_key"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	CurrentStep      sql.NullString `db:"current_step"`
	Checkpoints      []byte         `db:"checkpoints"`
	Metadata         []byte         `db:"metadata"`
	ErrorMessage     sql.NullString `db:"error_message"`
	WorkerInstanceID sql.NullString `db:"worker_instance_id"`
	CreatedAt        time.Time      `db:"created_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	LastHeartbeatAt  sql.NullTime   `db:"last_heartbeat_at"`
}

const jobColumns = `job_id, job_type, entity_id, status, idempotency_key,
	retry_count, max_retries, current_step, checkpoints, metadata,
	error_message, worker_instance_id, created_at, started_at, completed_at,
	last_heartbeat_at`

func (p *Postgres) Create(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (:job_id, :job_type, :entity_id, :status, :idempotency_key,
			:retry_count, :max_retries, :current_step, :checkpoints, :metadata,
			:error_message, :worker_instance_id, :created_at, :started_at,
			:completed_at, :last_heartbeat_at)
	`

	if _, err := p.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return fromRow(&row)
}

func (p *Postgres) GetLatestByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE idempotency_key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var row jobRow
	if err := p.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return fromRow(&row)
}

const updateJobQuery = `
	UPDATE jobs
	SET status = :status,
		retry_count = :retry_count,
		current_step = :current_step,
		checkpoints = :checkpoints,
		metadata = :metadata,
		error_message = :error_message,
		worker_instance_id = :worker_instance_id,
		started_at = :started_at,
		completed_at = :completed_at,
		last_heartbeat_at = :last_heartbeat_at
	WHERE job_id = :job_id
`

func (p *Postgres) Update(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	res, err := p.db.NamedExecContext(ctx, updateJobQuery, row)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Mutate runs the read-modify-write inside one transaction with the row
// locked, so concurrent transitions serialize instead of overwriting each
// other with stale snapshots.
func (p *Postgres) Mutate(ctx context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin mutation transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	job, err := fromRow(&row)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return job, err
	}

	updated, err := toRow(job)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, updateJobQuery, updated); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mutation transaction: %w", err)
	}
	return job, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, string(f.JobType))
		argIdx++
	}

	if f.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, f.EntityID)
		argIdx++
	}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, string(s))
			argIdx++
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	if f.OldestFirst {
		query += " ORDER BY created_at ASC, job_id ASC"
	} else {
		query += " ORDER BY created_at DESC, job_id DESC"
	}

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Claim is the double-dispatch guard: a conditional UPDATE that only succeeds
// while the row is still PENDING or RETRYING.
func (p *Postgres) Claim(ctx context.Context, id, workerInstanceID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
			worker_instance_id = $2,
			started_at = NOW(),
			last_heartbeat_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
		RETURNING ` + jobColumns

	var row jobRow
	err := p.db.QueryRowxContext(ctx, query,
		string(domain.JobStatusRunning), workerInstanceID, id,
		string(domain.JobStatusPending), string(domain.JobStatusRetrying),
	).StructScan(&row)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a lost race from a missing row.
			if _, getErr := p.GetByID(ctx, id); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			p.logger.Warn("Failed to claim job - no longer dispatchable",
				slog.String("job_id", id),
				slog.String("worker_instance_id", workerInstanceID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return fromRow(&row)
}

// ReplaceForRetry frees the unique idempotency key by deleting the terminal
// row and inserting its replacement in one transaction. A failed insert rolls
// the delete back.
func (p *Postgres) ReplaceForRetry(ctx context.Context, oldID string, replacement *domain.Job) error {
	row, err := toRow(replacement)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, oldID)
	if err != nil {
		return fmt.Errorf("failed to delete terminal job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}

	insert := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (:job_id, :job_type, :entity_id, :status, :idempotency_key,
			:retry_count, :max_retries, :current_step, :checkpoints, :metadata,
			:error_message, :worker_instance_id, :created_at, :started_at,
			:completed_at, :last_heartbeat_at)
	`
	if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert retry job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry transaction: %w", err)
	}
	return nil
}

func (p *Postgres) CountByStatus(ctx context.Context, jobType domain.JobType) (StatusCounts, error) {
	query := `
		SELECT status, COUNT(*) AS n
		FROM jobs
		WHERE job_type = $1 AND status IN ($2, $3, $4)
		GROUP BY status
	`

	rows, err := p.db.QueryxContext(ctx, query, string(jobType),
		string(domain.JobStatusPending), string(domain.JobStatusRetrying), string(domain.JobStatusRunning))
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("failed to scan job counts: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobStatusPending:
			counts.Pending = n
		case domain.JobStatusRetrying:
			counts.Retrying = n
		case domain.JobStatusRunning:
			counts.Running = n
		}
	}
	return counts, rows.Err()
}

func toRow(job *domain.Job) (*jobRow, error) {
	checkpoints, err := marshalMap(job.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoints: %w", err)
	}
	metadata, err := marshalMap(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return &jobRow{
		JobID:            job.ID,
		JobType:          string(job.JobType),
		EntityID:         job.EntityID,
		Status:           string(job.Status),
		IdempotencyKey:   job.IdempotencyKey,
		RetryCount:       job.RetryCount,
		MaxRetries:       job.MaxRetries,
		CurrentStep:      toNullString(job.CurrentStep),
		Checkpoints:      checkpoints,
		Metadata:         metadata,
		ErrorMessage:     toNullString(job.ErrorMessage),
		WorkerInstanceID: toNullString(job.WorkerInstanceID),
		CreatedAt:        job.CreatedAt,
		StartedAt:        toNullTime(job.StartedAt),
		CompletedAt:      toNullTime(job.CompletedAt),
		LastHeartbeatAt:  toNullTime(job.LastHeartbeatAt),
	}, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	checkpoints, err := unmarshalMap(row.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoints: %w", err)
	}
	metadata, err := unmarshalMap(row.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &domain.Job{
		ID:               row.JobID,
		JobType:          domain.JobType(row.JobType),
		EntityID:         row.EntityID,
		Status:           domain.JobStatus(row.Status),
		IdempotencyKey:   row.IdempotencyKey,
		RetryCount:       row.RetryCount,
		MaxRetries:       row.MaxRetries,
		CurrentStep:      row.CurrentStep.String,
		Checkpoints:      checkpoints,
		Metadata:         metadata,
		ErrorMessage:     row.ErrorMessage.String,
		WorkerInstanceID: row.WorkerInstanceID.String,
		CreatedAt:        row.CreatedAt,
		StartedAt:        fromNullTime(row.StartedAt),
		CompletedAt:      fromNullTime(row.CompletedAt),
		LastHeartbeatAt:  fromNullTime(row.LastHeartbeatAt),
	}, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
