package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/gateway"
	"github.com/codebuildervaibhav/voicevault/internal/notify"
	"github.com/codebuildervaibhav/voicevault/internal/speakers"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// Errors surfaced to API callers
var (
	// ErrActiveJob means the file already has a queued or running job
	ErrActiveJob = errors.New("pipeline: file already has an active job")
	ErrNotFound  = errors.New("pipeline: not found")
	// ErrNotTerminal rejects a retry while the previous job is still active
	ErrNotTerminal = errors.New("pipeline: job is not in a terminal state")
)

// Config tunes the coordinator
type Config struct {
	// Workers is the number of job-claiming goroutines
	Workers int
	// GPUSlots bounds concurrent transcribe/diarize calls; CPUSlots
	// bounds concurrent probe/normalize work
	GPUSlots int
	CPUSlots int
	// MaxRetries is the per-stage transient retry budget
	MaxRetries int
	// BackoffBase doubles per attempt up to BackoffCap
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// HeartbeatStale is how old a running job's heartbeat may be before
	// the reconciliation sweep considers it abandoned
	HeartbeatStale    time.Duration
	ReconcileInterval time.Duration
	// TempDir receives normalized audio between stages
	TempDir string
	// Language is passed to the transcription service; empty means detect
	Language    string
	MinSpeakers int
	MaxSpeakers int
}

// DefaultConfig returns the standard coordinator tuning
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		GPUSlots:          1,
		CPUSlots:          2,
		MaxRetries:        3,
		BackoffBase:       2 * time.Second,
		BackoffCap:        60 * time.Second,
		HeartbeatStale:    5 * time.Minute,
		ReconcileInterval: time.Minute,
		TempDir:           "temp",
		MinSpeakers:       1,
		MaxSpeakers:       8,
	}
}

// Coordinator owns the job lifecycle: enqueueing, the worker pool that
// claims and advances jobs, cancellation, retries, and the stale-job
// reconciliation sweep.
type Coordinator struct {
	db      *storage.DB
	gw      gateway.Gateway
	engine  *speakers.Engine
	bus     *notify.Bus
	local   *storage.LocalStorage
	drive   *storage.DriveClient // nil disables Drive archival
	config  Config
	gpuSlot chan struct{}
	cpuSlot chan struct{}
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the pipeline together. drive may be nil.
func NewCoordinator(db *storage.DB, gw gateway.Gateway, engine *speakers.Engine,
	bus *notify.Bus, local *storage.LocalStorage, drive *storage.DriveClient,
	config Config) *Coordinator {

	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.GPUSlots <= 0 {
		config.GPUSlots = 1
	}
	if config.CPUSlots <= 0 {
		config.CPUSlots = 2
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 60 * time.Second
	}
	if config.HeartbeatStale <= 0 {
		config.HeartbeatStale = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		db:      db,
		gw:      gw,
		engine:  engine,
		bus:     bus,
		local:   local,
		drive:   drive,
		config:  config,
		gpuSlot: make(chan struct{}, config.GPUSlots),
		cpuSlot: make(chan struct{}, config.CPUSlots),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool and the reconciliation sweep
func (c *Coordinator) Start() {
	log.Printf("Starting pipeline with %d workers (gpu=%d cpu=%d)",
		c.config.Workers, c.config.GPUSlots, c.config.CPUSlots)
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	if c.config.ReconcileInterval > 0 {
		c.wg.Add(1)
		go c.reconcileLoop()
	}
}

// Stop signals the workers and waits for in-flight stages to commit
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Enqueue creates a queued job for the file. At most one job per file
// may be active; a second enqueue returns ErrActiveJob.
func (c *Coordinator) Enqueue(file *types.MediaFile) (*types.MediaJob, error) {
	now := time.Now()
	job := &types.MediaJob{
		ID:          uuid.New().String(),
		FileID:      file.ID,
		UserID:      file.UserID,
		Stage:       types.StageProbing,
		Status:      types.StatusQueued,
		MaxRetries:  c.config.MaxRetries,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.db.CreateJob(job); err != nil {
		if err == storage.ErrActiveJobExists {
			return nil, ErrActiveJob
		}
		return nil, err
	}
	log.Printf("Job %s enqueued for file %s", job.ID, file.ID)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Cancel requests cooperative cancellation of an active job. The worker
// honors the flag at the next stage boundary; committed stages stay
// committed.
func (c *Coordinator) Cancel(jobID string) error {
	err := c.db.RequestCancel(jobID)
	if err == storage.ErrNotFound {
		job, gerr := c.db.GetJob(jobID)
		if gerr != nil {
			return ErrNotFound
		}
		if job.Terminal() {
			return ErrNotTerminal
		}
		return ErrNotFound
	}
	return err
}

// Retry starts a fresh job for a file whose previous job ended in a
// terminal failure. Existing transcript rows stay in place until the new
// run's persist stage replaces them.
func (c *Coordinator) Retry(fileID string) (*types.MediaJob, error) {
	file, err := c.db.GetFile(fileID)
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := c.db.ActiveJobForFile(fileID); err == nil {
		return nil, ErrActiveJob
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	return c.Enqueue(file)
}

// worker claims queued jobs and drives them to a terminal state
func (c *Coordinator) worker(id int) {
	defer c.wg.Done()

	for {
		job, err := c.db.ClaimQueuedJob()
		if err == storage.ErrNotFound {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
			case <-time.After(time.Second):
			}
			continue
		}
		if err != nil {
			log.Printf("Worker %d: claim failed: %v", id, err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.runJob(id, job)

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// runJob advances one job stage by stage until it reaches a terminal
// state. Panics are contained and fail the job.
func (c *Coordinator) runJob(workerID int, job *types.MediaJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d: PANIC in job %s: %v\n%s",
				workerID, job.ID, r, string(debug.Stack()))
			c.fail(job, types.ErrKindFatal, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	log.Printf("Worker %d: running job %s from stage %s", workerID, job.ID, job.Stage)

	stopBeat := c.startHeartbeat(job.ID)
	defer stopBeat()

	file, err := c.db.GetFile(job.FileID)
	if err != nil {
		c.fail(job, types.ErrKindFatal, fmt.Sprintf("file lookup: %v", err))
		return
	}

	for {
		fresh, err := c.db.GetJob(job.ID)
		if err != nil {
			log.Printf("Worker %d: job %s reload failed: %v", workerID, job.ID, err)
			return
		}
		job = fresh
		if job.Terminal() {
			return
		}
		if job.CancelRequested {
			c.finish(job, types.StatusCancelled, "", "cancelled by user")
			return
		}

		if done := c.advance(job, file); done {
			return
		}
	}
}

// advance runs the job's current stage once, including its transient
// retry loop, and commits the result. Returns true when the job reached
// a terminal state.
func (c *Coordinator) advance(job *types.MediaJob, file *types.MediaFile) bool {
	stage := job.Stage

	// A committed result for this stage means a previous incarnation of
	// the job already did the work (a redelivery); re-commit the stored
	// payload instead of re-executing. CommitStage upserts, so replaying
	// the commit is safe.
	if payload, err := c.db.StageResult(job.ID, stage); err == nil {
		return c.commit(job, stage, payload)
	}

	attempt := job.RetryCount
	for {
		payload, err := c.runStage(job, file, stage)
		if err == nil {
			return c.commit(job, stage, payload)
		}

		if c.ctx.Err() != nil {
			// Shutting down; leave the job RUNNING so a restart or the
			// reconcile sweep picks it up
			return true
		}

		if !gateway.IsTransient(err) {
			c.fail(job, types.ErrKindFatal, fmt.Sprintf("%s: %v", stage, err))
			return true
		}

		count, ierr := c.db.IncrementRetry(job.ID)
		if ierr != nil {
			c.fail(job, types.ErrKindFatal, fmt.Sprintf("retry bookkeeping: %v", ierr))
			return true
		}
		if count > job.MaxRetries {
			c.fail(job, types.ErrKindExhaustedRetries,
				fmt.Sprintf("%s: %v (after %d retries)", stage, err, job.MaxRetries))
			return true
		}
		attempt = count

		log.Printf("Job %s: %s attempt %d failed transiently: %v", job.ID, stage, attempt, err)
		if !c.backoff(attempt) {
			return true // shutting down; job stays RUNNING for reconcile
		}

		// Honor cancellation between attempts
		if fresh, gerr := c.db.GetJob(job.ID); gerr == nil && fresh.CancelRequested {
			c.finish(fresh, types.StatusCancelled, "", "cancelled by user")
			return true
		}
	}
}

// commit durably records the stage result and the move to the next
// stage. Returns true when the job just succeeded.
func (c *Coordinator) commit(job *types.MediaJob, stage string, payload []byte) bool {
	next := NextStage(stage)
	if next != "" && !ValidTransition(stage, next) {
		c.fail(job, types.ErrKindFatal, fmt.Sprintf("illegal transition %s -> %s", stage, next))
		return true
	}

	progress := ProgressAfter(stage)
	if err := c.db.CommitStage(job.ID, stage, payload, next, progress); err != nil {
		c.fail(job, types.ErrKindFatal, fmt.Sprintf("commit %s: %v", stage, err))
		return true
	}

	if next == "" {
		log.Printf("Job %s succeeded", job.ID)
		c.bus.Publish(notify.JobCompleted(job.ID, job.FileID, job.UserID, types.StatusSucceeded, ""))
		return true
	}

	c.bus.Publish(notify.JobProgress(job.ID, job.FileID, job.UserID, next, progress))
	return false
}

// backoff sleeps with exponential growth; false means shutdown
func (c *Coordinator) backoff(attempt int) bool {
	delay := c.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.config.BackoffCap {
			delay = c.config.BackoffCap
			break
		}
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// fail moves the job to FAILED with the given error kind
func (c *Coordinator) fail(job *types.MediaJob, kind, message string) {
	c.finish(job, types.StatusFailed, kind, message)
}

func (c *Coordinator) finish(job *types.MediaJob, status, kind, message string) {
	if err := c.db.FinishJob(job.ID, status, kind, message); err != nil {
		log.Printf("Job %s: failed to record terminal state: %v", job.ID, err)
		return
	}
	log.Printf("Job %s finished: %s (%s)", job.ID, status, kind)
	c.bus.Publish(notify.JobCompleted(job.ID, job.FileID, job.UserID, status, message))
}

// startHeartbeat refreshes the job's liveness timestamp while a worker
// owns it, so slow external calls are not mistaken for a dead worker
func (c *Coordinator) startHeartbeat(jobID string) func() {
	done := make(chan struct{})
	interval := c.config.HeartbeatStale / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := c.db.Heartbeat(jobID); err != nil {
					log.Printf("Job %s: heartbeat failed: %v", jobID, err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// reconcileLoop periodically sweeps for abandoned jobs
func (c *Coordinator) reconcileLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(); err != nil {
				log.Printf("Reconcile sweep failed: %v", err)
			}
		}
	}
}

// Reconcile finds running jobs with stale heartbeats. When the external
// service's task history still shows work in flight the job gets grace;
// otherwise it is marked failed as stuck, releasing the file's slot so
// the user can retry.
func (c *Coordinator) Reconcile() error {
	cutoff := time.Now().Add(-c.config.HeartbeatStale)
	stale, err := c.db.StaleRunningJobs(cutoff)
	if err != nil {
		return err
	}

	for _, job := range stale {
		ctx, cancelCall := context.WithTimeout(c.ctx, 15*time.Second)
		state, err := c.gw.TaskStatus(ctx, job.ID)
		cancelCall()

		if err == nil && state.State == "running" {
			log.Printf("Job %s stale but task still running, refreshing heartbeat", job.ID)
			c.db.Heartbeat(job.ID)
			continue
		}
		if err != nil && err != gateway.ErrHistoryUnavailable && gateway.IsTransient(err) {
			// Can't reach the service right now; judge on the next sweep
			continue
		}

		log.Printf("Job %s abandoned (heartbeat older than %s), marking stuck",
			job.ID, c.config.HeartbeatStale)
		c.finish(job, types.StatusFailed, types.ErrKindStuck,
			"worker heartbeat lost; job marked stuck")
	}
	return nil
}
