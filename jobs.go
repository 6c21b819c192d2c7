package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// JobStatus is the overall status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further mutation is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StageStatus is the status of one pipeline stage inside a job.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
)

func (s StageStatus) rank() int {
	switch s {
	case StagePending:
		return 0
	case StageRunning:
		return 1
	case StageCompleted:
		return 2
	}
	return -1
}

// StageComplete is the current_stage value once the whole pipeline finished.
const StageComplete = "complete"

// stageOrder ranks current_stage values; a job never moves backwards.
var stageOrder = map[string]int{
	StageOne:      1,
	StageTwo:      2,
	StageThree:    3,
	StageComplete: 4,
}

// StageProgress is the state of one stage.
type StageProgress struct {
	Status      StageStatus     `json:"status"`
	Data        json.RawMessage `json:"data"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// JobProgress tracks the stages of a run. CurrentStage is null until Stage 1 starts.
type JobProgress struct {
	CurrentStage *string       `json:"current_stage"`
	Stage1       StageProgress `json:"stage1"`
	Stage2       StageProgress `json:"stage2"`
	Stage3       StageProgress `json:"stage3"`
}

func (p *JobProgress) stage(name string) *StageProgress {
	switch name {
	case StageOne:
		return &p.Stage1
	case StageTwo:
		return &p.Stage2
	case StageThree:
		return &p.Stage3
	}
	return nil
}

// JobRecord is the persisted, pollable state of one pipeline run.
type JobRecord struct {
	JobID          string        `json:"job_id"`
	ConversationID string        `json:"conversation_id"`
	ProjectID      string        `json:"project_id"`
	Status         JobStatus     `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Progress       JobProgress   `json:"progress"`
	Usage          *UsageSummary `json:"usage"`
	Error          *string       `json:"error"`
}

// JobStore persists job records as opaque JSON documents.
type JobStore interface {
	Load(ctx context.Context, projectID, jobID string) ([]byte, error)
	Save(ctx context.Context, projectID, jobID string, data []byte) error
	Close() error
}

// FileJobStore keeps each job in <data>/projects/<pid>/jobs/<job_id>.json.
type FileJobStore struct {
	baseDir string
}

// NewFileJobStore creates a file-backed job store.
func NewFileJobStore(baseDir string) *FileJobStore {
	return &FileJobStore{baseDir: baseDir}
}

func (s *FileJobStore) path(projectID, jobID string) string {
	return filepath.Join(s.baseDir, "projects", projectID, "jobs", jobID+".json")
}

func (s *FileJobStore) Load(ctx context.Context, projectID, jobID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(projectID, jobID))
	if os.IsNotExist(err) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return data, nil
}

func (s *FileJobStore) Save(ctx context.Context, projectID, jobID string, data []byte) error {
	return writeJSONFile(s.path(projectID, jobID), json.RawMessage(data))
}

func (s *FileJobStore) Close() error { return nil }

// SQLiteJobStore keeps job documents in a single SQLite table.
type SQLiteJobStore struct {
	db *sql.DB
}

// OpenSQLiteJobStore opens (and migrates) the job database at path.
func OpenSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create job database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; avoids SQLITE_BUSY between pool connections
	db.SetMaxOpenConns(1)

	s := &SQLiteJobStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteJobStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS council_jobs (
            project_id TEXT NOT NULL,
            job_id TEXT NOT NULL,
            data TEXT NOT NULL,
            updated_at TIMESTAMP,
            PRIMARY KEY (project_id, job_id)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate job database: %w", err)
		}
	}
	return nil
}

func (s *SQLiteJobStore) Load(ctx context.Context, projectID, jobID string) ([]byte, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM council_jobs WHERE project_id=? AND job_id=?`, projectID, jobID)
	switch err := row.Scan(&data); {
	case err == nil:
		return []byte(data), nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrJobNotFound
	default:
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
}

func (s *SQLiteJobStore) Save(ctx context.Context, projectID, jobID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO council_jobs(project_id, job_id, data, updated_at) VALUES(?, ?, ?, ?)
        ON CONFLICT(project_id, job_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		projectID, jobID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Close() error { return s.db.Close() }

// JobTracker creates and mutates job records. Every mutation re-reads the
// whole record, applies the change and writes it back. Only the pipeline
// driver of a job writes to it.
type JobTracker struct {
	store  JobStore
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewJobTracker creates a tracker over store.
func NewJobTracker(store JobStore, logger *slog.Logger) *JobTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobTracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new pending job for a conversation.
func (t *JobTracker) Create(ctx context.Context, projectID, conversationID string) (*JobRecord, error) {
	now := t.now()
	job := &JobRecord{
		JobID:          uuid.New().String(),
		ConversationID: conversationID,
		ProjectID:      projectID,
		Status:         JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Progress: JobProgress{
			Stage1: StageProgress{Status: StagePending},
			Stage2: StageProgress{Status: StagePending},
			Stage3: StageProgress{Status: StagePending},
		},
	}

	if err := t.save(ctx, job); err != nil {
		return nil, err
	}
	t.logger.Info("job created", "job", shortID(job.JobID), "conversation", shortID(conversationID))
	return job, nil
}

// Get returns the stored job record.
func (t *JobTracker) Get(ctx context.Context, projectID, jobID string) (*JobRecord, error) {
	if !validID(projectID) || !validID(jobID) {
		return nil, ErrJobNotFound
	}
	data, err := t.store.Load(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}

	var job JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		t.logger.Error("corrupt job record", "job", jobID, "error", err)
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// AdvanceStage moves one stage forward. data and metadata are stored when
// non-nil. Moving a stage to running while the job is pending makes the job
// running.
func (t *JobTracker) AdvanceStage(ctx context.Context, projectID, jobID, stage string, status StageStatus, data, metadata any) (*JobRecord, error) {
	return t.mutate(ctx, projectID, jobID, func(job *JobRecord, now time.Time) error {
		progress := job.Progress.stage(stage)
		if progress == nil || status.rank() < 1 {
			return fmt.Errorf("%w: stage %q to %q", ErrInvalidTransition, stage, status)
		}
		if status.rank() < progress.Status.rank() {
			return fmt.Errorf("%w: stage %s from %s to %s", ErrInvalidTransition, stage, progress.Status, status)
		}
		if job.Progress.CurrentStage != nil && stageOrder[stage] < stageOrder[*job.Progress.CurrentStage] {
			return fmt.Errorf("%w: current stage %s is past %s", ErrInvalidTransition, *job.Progress.CurrentStage, stage)
		}

		progress.Status = status
		if data != nil {
			raw, err := json.Marshal(data)
			if err != nil {
				return fmt.Errorf("failed to marshal stage data: %w", err)
			}
			progress.Data = raw
		}
		if metadata != nil {
			raw, err := json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal stage metadata: %w", err)
			}
			progress.Metadata = raw
		}
		if status == StageCompleted && progress.CompletedAt == nil {
			progress.CompletedAt = &now
		}

		current := stage
		job.Progress.CurrentStage = &current

		if status == StageRunning && job.Status == JobPending {
			job.Status = JobRunning
		}
		return nil
	})
}

// Complete marks the job completed and records the usage summary. Only a
// running job can complete.
func (t *JobTracker) Complete(ctx context.Context, projectID, jobID string, usage *UsageSummary) (*JobRecord, error) {
	job, err := t.mutate(ctx, projectID, jobID, func(job *JobRecord, now time.Time) error {
		if job.Status != JobRunning {
			return fmt.Errorf("%w: job %s from %s to %s", ErrInvalidTransition, shortID(jobID), job.Status, JobCompleted)
		}
		job.Status = JobCompleted
		complete := StageComplete
		job.Progress.CurrentStage = &complete
		if usage != nil {
			job.Usage = usage
		}
		return nil
	})
	if err == nil {
		t.logger.Info("job completed", "job", shortID(jobID))
	}
	return job, err
}

// Fail marks the job failed with msg.
func (t *JobTracker) Fail(ctx context.Context, projectID, jobID, msg string) (*JobRecord, error) {
	t.logger.Error("job failed", "job", shortID(jobID), "error", msg)
	return t.mutate(ctx, projectID, jobID, func(job *JobRecord, now time.Time) error {
		job.Status = JobFailed
		job.Error = &msg
		return nil
	})
}

func (t *JobTracker) mutate(ctx context.Context, projectID, jobID string, apply func(job *JobRecord, now time.Time) error) (*JobRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.Get(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}

	now := t.now()
	if err := apply(job, now); err != nil {
		return nil, err
	}
	job.UpdatedAt = now

	if err := t.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *JobTracker) save(ctx context.Context, job *JobRecord) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return t.store.Save(ctx, job.ProjectID, job.JobID, data)
}

// Close releases the underlying store.
func (t *JobTracker) Close() error {
	return t.store.Close()
}

// OpenJobStore builds the job store selected by configuration.
func OpenJobStore(cfg *Config) (JobStore, error) {
	switch cfg.JobStore {
	case "", "file":
		return NewFileJobStore(cfg.DataDir), nil
	case "sqlite":
		return OpenSQLiteJobStore(cfg.JobDBPath)
	default:
		return nil, fmt.Errorf("unknown JOB_STORE %q (want file or sqlite)", cfg.JobStore)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
