package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCreateJobRejectsUnknownType(t *testing.T) {
	s, _, done := newMock(t)
	defer done()

	if _, err := s.CreateJob(context.Background(), "client", "example.com", "https://example.com/", "backfill"); err == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestCreateJobStartsQueued(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(sqlmock.AnyArg(), "client", "example.com", "https://example.com/", JobStatusQueued, JobTypeDomain, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := s.CreateJob(context.Background(), "client", "example.com", "https://example.com/", JobTypeDomain)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if !job.IsActive {
		t.Fatalf("expected new job active")
	}
	if job.TotalPagesEstimated != nil {
		t.Fatalf("expected nil estimate on creation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkJobRunningPreservesStartedAt(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("UPDATE crawl_jobs.*started_at = COALESCE\\(started_at, NOW\\(\\)\\)").
		WithArgs("job", JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkJobRunning(context.Background(), "job"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateJobProgressEstimateOnlyGrows(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	// GREATEST keeps the stored estimate when the caller reports a smaller
	// one, so the persisted value never decreases within a run.
	mock.ExpectExec("UPDATE crawl_jobs.*GREATEST\\(COALESCE\\(total_pages_estimated, 0\\)").
		WithArgs("job", 40, 10, 8, 31).
		WillReturnResult(sqlmock.NewResult(0, 1))

	estimate := 40
	if err := s.UpdateJobProgress(context.Background(), "job", &estimate, 10, 8, 31); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkJobFailedTruncatesMessage(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	long := strings.Repeat("x", 5000)
	mock.ExpectExec("UPDATE crawl_jobs.*error_message").
		WithArgs("job", JobStatusFailed, strings.Repeat("x", maxJobErrorBytes)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkJobFailed(context.Background(), "job", long); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTruncateErrorKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("é", maxJobErrorBytes) // 2 bytes each
	got := truncateError(long)
	if len(got) > maxJobErrorBytes {
		t.Fatalf("truncated message is %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid utf-8")
	}
}

func TestMarkJobCompletedUnknownJob(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("missing", JobStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkJobCompleted(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDeactivateJobKeepsStatus(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("UPDATE crawl_jobs.*SET is_active = FALSE").
		WithArgs("job").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeactivateJob(context.Background(), "job"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListJobsByClientPaginates(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "client_id", "domain", "start_url", "status", "job_type", "is_active",
		"total_pages_estimated", "pages_visited", "pages_stored", "chunks_stored",
		"error_message", "created_at", "started_at", "finished_at", "updated_at",
	}).AddRow("j1", "client", "example.com", "https://example.com/", JobStatusCompleted, JobTypeDomain, true,
		12, 12, 10, 42, nil, now, now, now, now)

	mock.ExpectQuery("SELECT id, client_id, domain, start_url.*FROM crawl_jobs.*ORDER BY created_at DESC").
		WithArgs("client", 20, 20).
		WillReturnRows(rows)

	jobs, err := s.ListJobsByClient(context.Background(), "client", 2, 20)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].TotalPagesEstimated == nil || *jobs[0].TotalPagesEstimated != 12 {
		t.Fatalf("estimate not scanned: %+v", jobs[0].TotalPagesEstimated)
	}
	if jobs[0].StartedAt == nil || jobs[0].FinishedAt == nil {
		t.Fatalf("timestamps not scanned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
