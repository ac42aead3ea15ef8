// Package handlers exposes the HTTP surface: media ingestion (upload,
// Drive link, YouTube capture, WebSocket streaming), job lifecycle,
// transcripts, and speaker identity operations.
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/pipeline"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// userID reads the caller identity header. Auth is out of scope; a
// missing header maps to the default library.
func userID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return "default"
}

// Ingestor is the shared tail of every ingestion path: register the
// media file and enqueue its processing job
type Ingestor struct {
	db      *storage.DB
	coord   *pipeline.Coordinator
	tempDir string
}

// NewIngestor creates the shared ingestion helper
func NewIngestor(db *storage.DB, coord *pipeline.Coordinator, tempDir string) *Ingestor {
	return &Ingestor{db: db, coord: coord, tempDir: tempDir}
}

// Register stores the media file record and enqueues a pipeline job
func (ing *Ingestor) Register(user, name, path, sourceType string) (*types.MediaFile, *types.MediaJob, error) {
	file := &types.MediaFile{
		ID:         uuid.New().String(),
		UserID:     user,
		Name:       name,
		Path:       path,
		SourceType: sourceType,
		CreatedAt:  time.Now(),
	}
	if err := ing.db.CreateFile(file); err != nil {
		return nil, nil, err
	}
	job, err := ing.coord.Enqueue(file)
	if err != nil {
		return nil, nil, err
	}
	return file, job, nil
}

// queuedResponse is the standard ingestion success body
func queuedResponse(c *fiber.Ctx, file *types.MediaFile, job *types.MediaJob, message string) error {
	return c.JSON(fiber.Map{
		"file_id": file.ID,
		"job_id":  job.ID,
		"status":  "queued",
		"message": message,
	})
}
