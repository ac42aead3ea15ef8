package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/pipeline"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// GDriveHandler ingests media shared via Google Drive links
type GDriveHandler struct {
	ingestor *Ingestor
}

// NewGDriveHandler creates a new Google Drive handler
func NewGDriveHandler(ingestor *Ingestor) *GDriveHandler {
	return &GDriveHandler{ingestor: ingestor}
}

// GDriveRequest represents the request body
type GDriveRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Handle downloads the linked file and enqueues it
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	if req.URL == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	driveID := extractGDriveFileID(req.URL)
	if driveID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid Google Drive URL",
			"code":  "ERR_INVALID_URL",
		})
	}

	if req.Name == "" {
		req.Name = "gdrive_file"
	}

	tempPath := filepath.Join(h.ingestor.tempDir, fmt.Sprintf("%s.mp3", uuid.New().String()))
	downloadURL := fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", driveID)

	log.Printf("Downloading from Google Drive: %s", driveID)

	resp, err := http.Get(downloadURL)
	if err != nil {
		log.Printf("Failed to download from Google Drive: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to download file from Google Drive",
			"code":  "ERR_DOWNLOAD_FAILED",
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return c.Status(400).JSON(fiber.Map{
			"error": "File not accessible (may be private or doesn't exist)",
			"code":  "ERR_FILE_NOT_ACCESSIBLE",
		})
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to save downloaded file",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to write downloaded file",
			"code":  "ERR_WRITE_FAILED",
		})
	}

	file, job, err := h.ingestor.Register(userID(c), req.Name, tempPath, types.SourceGDrive)
	if err != nil {
		if err == pipeline.ErrActiveJob {
			return c.Status(409).JSON(fiber.Map{
				"error": "File already has an active job",
				"code":  "ERR_JOB_CONFLICT",
			})
		}
		log.Printf("Failed to register Drive download: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to register file",
			"code":  "ERR_REGISTER_FAILED",
		})
	}

	return queuedResponse(c, file, job, "Google Drive file downloaded, processing started")
}

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	// Pattern 1: https://drive.google.com/file/d/{ID}/view
	re1 := regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	if matches := re1.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}

	// Pattern 2: https://drive.google.com/open?id={ID}
	re2 := regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	if matches := re2.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}

	// Pattern 3: Direct ID (25-40 characters)
	re3 := regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
	if matches := re3.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}

	return ""
}
