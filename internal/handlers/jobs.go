package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/voicevault/internal/pipeline"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
)

// JobHandler serves job lifecycle operations: status, cancel, retry,
// and finished transcripts
type JobHandler struct {
	db    *storage.DB
	coord *pipeline.Coordinator
}

// NewJobHandler creates a new job handler
func NewJobHandler(db *storage.DB, coord *pipeline.Coordinator) *JobHandler {
	return &JobHandler{db: db, coord: coord}
}

// Status returns the job's stage, progress and outcome
func (h *JobHandler) Status(c *fiber.Ctx) error {
	job, err := h.db.GetJob(c.Params("id"))
	if err == storage.ErrNotFound {
		return c.Status(404).JSON(fiber.Map{
			"error": "Job not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		log.Printf("Job status lookup failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load job",
			"code":  "ERR_INTERNAL",
		})
	}
	if job.UserID != userID(c) {
		return c.Status(403).JSON(fiber.Map{
			"error": "Job belongs to another user",
			"code":  "ERR_CROSS_USER",
		})
	}
	return c.JSON(job)
}

// Cancel requests cooperative cancellation of an active job
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")

	job, err := h.db.GetJob(id)
	if err == storage.ErrNotFound {
		return c.Status(404).JSON(fiber.Map{
			"error": "Job not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load job",
			"code":  "ERR_INTERNAL",
		})
	}
	if job.UserID != userID(c) {
		return c.Status(403).JSON(fiber.Map{
			"error": "Job belongs to another user",
			"code":  "ERR_CROSS_USER",
		})
	}

	switch err := h.coord.Cancel(id); err {
	case nil:
		return c.JSON(fiber.Map{
			"job_id": id,
			"status": "cancel_requested",
		})
	case pipeline.ErrNotTerminal:
		return c.Status(409).JSON(fiber.Map{
			"error": "Job already finished",
			"code":  "ERR_JOB_FINISHED",
		})
	default:
		return c.Status(404).JSON(fiber.Map{
			"error": "Job not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
}

// Retry enqueues a fresh job for a file whose last run failed
func (h *JobHandler) Retry(c *fiber.Ctx) error {
	fileID := c.Params("id")

	file, err := h.db.GetFile(fileID)
	if err == storage.ErrNotFound {
		return c.Status(404).JSON(fiber.Map{
			"error": "File not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load file",
			"code":  "ERR_INTERNAL",
		})
	}
	if file.UserID != userID(c) {
		return c.Status(403).JSON(fiber.Map{
			"error": "File belongs to another user",
			"code":  "ERR_CROSS_USER",
		})
	}

	job, err := h.coord.Retry(fileID)
	if err == pipeline.ErrActiveJob {
		return c.Status(409).JSON(fiber.Map{
			"error": "File already has an active job",
			"code":  "ERR_JOB_CONFLICT",
		})
	}
	if err != nil {
		log.Printf("Retry failed for file %s: %v", fileID, err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to retry job",
			"code":  "ERR_INTERNAL",
		})
	}

	return c.JSON(fiber.Map{
		"file_id": fileID,
		"job_id":  job.ID,
		"status":  "queued",
	})
}

// Transcript returns a file's segments together with its speaker
// instances, so clients can render attributed transcripts
func (h *JobHandler) Transcript(c *fiber.Ctx) error {
	fileID := c.Params("id")

	file, err := h.db.GetFile(fileID)
	if err == storage.ErrNotFound {
		return c.Status(404).JSON(fiber.Map{
			"error": "File not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load file",
			"code":  "ERR_INTERNAL",
		})
	}
	if file.UserID != userID(c) {
		return c.Status(403).JSON(fiber.Map{
			"error": "File belongs to another user",
			"code":  "ERR_CROSS_USER",
		})
	}

	segments, err := h.db.SegmentsByFile(fileID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load transcript",
			"code":  "ERR_INTERNAL",
		})
	}
	instances, err := h.db.InstancesByFile(fileID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load speakers",
			"code":  "ERR_INTERNAL",
		})
	}

	return c.JSON(fiber.Map{
		"file":     file,
		"segments": segments,
		"speakers": instances,
	})
}
