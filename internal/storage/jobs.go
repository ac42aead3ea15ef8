package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// CreateFile registers a media file in the library
func (d *DB) CreateFile(f *types.MediaFile) error {
	_, err := d.db.Exec(`
		INSERT INTO media_files (id, user_id, name, path, source_type, duration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, f.Path, f.SourceType, f.Duration, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create media file: %v", err)
	}
	return nil
}

// GetFile retrieves a media file by id
func (d *DB) GetFile(id string) (*types.MediaFile, error) {
	row := d.db.QueryRow(`
		SELECT id, user_id, name, path, source_type, duration, created_at
		FROM media_files WHERE id = ?`, id)

	var f types.MediaFile
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.Path, &f.SourceType, &f.Duration, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media file: %v", err)
	}
	return &f, nil
}

// UpdateFileDuration records the probed duration
func (d *DB) UpdateFileDuration(id string, duration float64) error {
	_, err := d.db.Exec(`UPDATE media_files SET duration = ? WHERE id = ?`, duration, id)
	return err
}

// CreateJob inserts a new queued job. Returns ErrActiveJobExists when the
// file already has a job in QUEUED or RUNNING state; the partial unique
// index enforces the invariant even under concurrent callers.
func (d *DB) CreateJob(j *types.MediaJob) error {
	_, err := d.db.Exec(`
		INSERT INTO jobs (id, file_id, user_id, stage, status, progress, retry_count,
			max_retries, heartbeat_at, cancel_requested, error_kind, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.FileID, j.UserID, j.Stage, j.Status, j.Progress, j.RetryCount,
		j.MaxRetries, j.HeartbeatAt, j.CancelRequested, j.ErrorKind, j.ErrorMessage,
		j.CreatedAt, j.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrActiveJobExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %v", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...interface{}) error }) (*types.MediaJob, error) {
	var j types.MediaJob
	var cancelRequested int
	err := row.Scan(&j.ID, &j.FileID, &j.UserID, &j.Stage, &j.Status, &j.Progress,
		&j.RetryCount, &j.MaxRetries, &j.HeartbeatAt, &cancelRequested,
		&j.ErrorKind, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.CancelRequested = cancelRequested != 0
	return &j, nil
}

const jobColumns = `id, file_id, user_id, stage, status, progress, retry_count,
	max_retries, heartbeat_at, cancel_requested, error_kind, error_message,
	created_at, updated_at`

// GetJob retrieves a job by id
func (d *DB) GetJob(id string) (*types.MediaJob, error) {
	row := d.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %v", err)
	}
	return j, nil
}

// ActiveJobForFile returns the file's queued or running job, if any
func (d *DB) ActiveJobForFile(fileID string) (*types.MediaJob, error) {
	row := d.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE file_id = ? AND status IN ('QUEUED','RUNNING')`, fileID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %v", err)
	}
	return j, nil
}

// ClaimQueuedJob atomically picks the oldest queued job and marks it
// running. Returns ErrNotFound when the queue is empty.
func (d *DB) ClaimQueuedJob() (*types.MediaJob, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'QUEUED' ORDER BY created_at LIMIT 1`)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %v", err)
	}

	now := time.Now()
	if _, err := tx.Exec(`UPDATE jobs SET status = 'RUNNING', heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'QUEUED'`, now, now, j.ID); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Status = types.StatusRunning
	j.HeartbeatAt = now
	j.UpdatedAt = now
	return j, nil
}

// Heartbeat refreshes the job's liveness timestamp
func (d *DB) Heartbeat(jobID string) error {
	_, err := d.db.Exec(`UPDATE jobs SET heartbeat_at = ? WHERE id = ?`, time.Now(), jobID)
	return err
}

// RequestCancel sets the cooperative cancellation flag on an active job
func (d *DB) RequestCancel(jobID string) error {
	res, err := d.db.Exec(`UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('QUEUED','RUNNING')`, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitStage durably records one completed stage: the stage result and
// the transition to the next stage are committed in a single transaction
// so a crash never leaves them split. An empty nextStage means the
// pipeline is done and the job moves to SUCCEEDED.
func (d *DB) CommitStage(jobID, stage string, payload []byte, nextStage string, progress int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO job_stage_results (job_id, stage, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, stage) DO UPDATE SET payload = excluded.payload`,
		jobID, stage, payload, now); err != nil {
		return fmt.Errorf("failed to save stage result: %v", err)
	}

	if nextStage == "" {
		if _, err := tx.Exec(`UPDATE jobs SET status = 'SUCCEEDED', progress = 100,
			heartbeat_at = ?, updated_at = ? WHERE id = ?`, now, now, jobID); err != nil {
			return fmt.Errorf("failed to finish job: %v", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE jobs SET stage = ?, progress = ?, retry_count = 0,
			heartbeat_at = ?, updated_at = ? WHERE id = ?`,
			nextStage, progress, now, now, jobID); err != nil {
			return fmt.Errorf("failed to advance job: %v", err)
		}
	}

	return tx.Commit()
}

// StageResult returns the durable payload of a completed stage, or
// ErrNotFound when the stage has not committed yet
func (d *DB) StageResult(jobID, stage string) ([]byte, error) {
	row := d.db.QueryRow(`SELECT payload FROM job_stage_results
		WHERE job_id = ? AND stage = ?`, jobID, stage)
	var payload []byte
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage result: %v", err)
	}
	return payload, nil
}

// FinishJob moves a job to a terminal state, releasing the per-file slot
func (d *DB) FinishJob(jobID, status, errorKind, errorMessage string) error {
	now := time.Now()
	_, err := d.db.Exec(`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?,
		heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		status, errorKind, errorMessage, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %v", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter after a transient stage failure
// and returns the new count
func (d *DB) IncrementRetry(jobID string) (int, error) {
	now := time.Now()
	if _, err := d.db.Exec(`UPDATE jobs SET retry_count = retry_count + 1,
		heartbeat_at = ?, updated_at = ? WHERE id = ?`, now, now, jobID); err != nil {
		return 0, err
	}
	var count int
	err := d.db.QueryRow(`SELECT retry_count FROM jobs WHERE id = ?`, jobID).Scan(&count)
	return count, err
}

// StaleRunningJobs returns running jobs whose heartbeat is older than the
// cutoff; these are candidates for the reconciliation sweep
func (d *DB) StaleRunningJobs(cutoff time.Time) ([]*types.MediaJob, error) {
	rows, err := d.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %v", err)
	}
	defer rows.Close()

	var jobs []*types.MediaJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
