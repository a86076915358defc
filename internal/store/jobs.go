package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"

	JobTypeDomain = "domain"
	JobTypeDocs   = "docs"
)

// maxJobErrorBytes caps the stored error message of a failed job.
const maxJobErrorBytes = 1000

// CrawlJob is one ingestion run. TotalPagesEstimated is nil until the first
// estimate and monotonically non-decreasing while running.
type CrawlJob struct {
	ID                  string
	ClientID            string
	Domain              string
	StartURL            string
	Status              string
	JobType             string
	IsActive            bool
	TotalPagesEstimated *int
	PagesVisited        int
	PagesStored         int
	ChunksStored        int
	ErrorMessage        *string
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	UpdatedAt           time.Time
}

// CreateJob records a new job in status queued.
func (s *Store) CreateJob(ctx context.Context, clientID, domain, startURL, jobType string) (*CrawlJob, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if jobType != JobTypeDomain && jobType != JobTypeDocs {
		return nil, fmt.Errorf("invalid job type %q", jobType)
	}

	now := time.Now().UTC()
	job := &CrawlJob{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Domain:    domain,
		StartURL:  startURL,
		Status:    JobStatusQueued,
		JobType:   jobType,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (id, client_id, domain, start_url, status, job_type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
	`, job.ID, job.ClientID, job.Domain, job.StartURL, job.Status, job.JobType, now)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// MarkJobRunning transitions the job to running, setting started_at only if
// it was never set.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = $2,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1
	`, jobID, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return requireJobRow(result)
}

// UpdateJobProgress writes the live counters. The estimate only moves
// forward; a smaller value than the stored one is ignored.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, estimated *int, pagesVisited, pagesStored, chunksStored int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET total_pages_estimated = GREATEST(COALESCE(total_pages_estimated, 0), COALESCE($2, total_pages_estimated, 0)),
			pages_visited = $3,
			pages_stored = $4,
			chunks_stored = $5,
			updated_at = NOW()
		WHERE id = $1
	`, jobID, estimated, pagesVisited, pagesStored, chunksStored)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return requireJobRow(result)
}

// MarkJobCompleted is the successful terminal transition.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, jobID, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return requireJobRow(result)
}

// MarkJobFailed records the failure with the error message truncated to the
// storage budget.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = $2, error_message = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, jobID, JobStatusFailed, truncateError(message))
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return requireJobRow(result)
}

// DeactivateJob hides the job from current views without changing its
// status; history is retained.
func (s *Store) DeactivateJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("deactivate job: %w", err)
	}
	return requireJobRow(result)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*CrawlJob, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, domain, start_url, status, job_type, is_active,
			total_pages_estimated, pages_visited, pages_stored, chunks_stored,
			error_message, created_at, started_at, finished_at, updated_at
		FROM crawl_jobs
		WHERE id = $1
	`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobsByClient returns the client's active jobs newest first. Page is
// 1-based.
func (s *Store) ListJobsByClient(ctx context.Context, clientID string, page, perPage int) ([]CrawlJob, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, domain, start_url, status, job_type, is_active,
			total_pages_estimated, pages_visited, pages_stored, chunks_stored,
			error_message, created_at, started_at, finished_at, updated_at
		FROM crawl_jobs
		WHERE client_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, clientID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*CrawlJob, error) {
	var job CrawlJob
	var estimated sql.NullInt64
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&job.ID, &job.ClientID, &job.Domain, &job.StartURL, &job.Status,
		&job.JobType, &job.IsActive, &estimated, &job.PagesVisited,
		&job.PagesStored, &job.ChunksStored, &errMsg, &job.CreatedAt,
		&startedAt, &finishedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if estimated.Valid {
		v := int(estimated.Int64)
		job.TotalPagesEstimated = &v
	}
	if errMsg.Valid {
		m := errMsg.String
		job.ErrorMessage = &m
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func requireJobRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func truncateError(message string) string {
	if len(message) <= maxJobErrorBytes {
		return message
	}
	truncated := message[:maxJobErrorBytes]
	// Do not cut a UTF-8 sequence in half.
	for len(truncated) > 0 && truncated[len(truncated)-1] >= 0x80 && truncated[len(truncated)-1] < 0xC0 {
		truncated = truncated[:len(truncated)-1]
	}
	if len(truncated) > 0 && truncated[len(truncated)-1] >= 0xC0 {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}
