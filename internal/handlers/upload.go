package handlers

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/media"
	"github.com/codebuildervaibhav/voicevault/internal/pipeline"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// UploadHandler handles multipart media uploads
type UploadHandler struct {
	ingestor  *Ingestor
	maxSizeMB int
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(ingestor *Ingestor, maxSizeMB int) *UploadHandler {
	return &UploadHandler{
		ingestor:  ingestor,
		maxSizeMB: maxSizeMB,
	}
}

// Handle processes the upload request
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(400).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !media.ValidateFormat(file.Filename) {
		return c.Status(400).JSON(fiber.Map{
			"error": "Unsupported media format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	extension := filepath.Ext(file.Filename)
	tempPath := filepath.Join(h.ingestor.tempDir, fmt.Sprintf("%s%s", uuid.New().String(), extension))

	if err := c.SaveFile(file, tempPath); err != nil {
		log.Printf("Failed to save uploaded file: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	mediaFile, job, err := h.ingestor.Register(userID(c), name, tempPath, types.SourceUpload)
	if err != nil {
		if err == pipeline.ErrActiveJob {
			return c.Status(409).JSON(fiber.Map{
				"error": "File already has an active job",
				"code":  "ERR_JOB_CONFLICT",
			})
		}
		log.Printf("Failed to register upload: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to register file",
			"code":  "ERR_REGISTER_FAILED",
		})
	}

	return queuedResponse(c, mediaFile, job, "File uploaded, processing started")
}
