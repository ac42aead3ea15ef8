package handlers

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// YouTubeHandler captures YouTube video audio for processing
type YouTubeHandler struct {
	ingestor *Ingestor
}

// NewYouTubeHandler creates a new YouTube handler
func NewYouTubeHandler(ingestor *Ingestor) *YouTubeHandler {
	return &YouTubeHandler{ingestor: ingestor}
}

// YouTubeRequest represents the request body
type YouTubeRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Handle starts the capture in the background; the pipeline job is
// enqueued once the audio download finishes
func (h *YouTubeHandler) Handle(c *fiber.Ctx) error {
	var req YouTubeRequest
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

	user := userID(c)
	tempPath := filepath.Join(h.ingestor.tempDir, fmt.Sprintf("%s.opus", uuid.New().String()))

	go func() {
		name := req.Name
		if name == "" {
			name = h.resolveTitle(req.URL)
		}
		if name == "" {
			name = "youtube_video"
		}

		if err := captureWithYtDlp(req.URL, tempPath); err != nil {
			log.Printf("Failed to capture YouTube audio: %v", err)
			return
		}

		if _, job, err := h.ingestor.Register(user, name, tempPath, types.SourceYouTube); err != nil {
			log.Printf("Failed to register YouTube capture: %v", err)
		} else {
			log.Printf("YouTube capture enqueued as job %s", job.ID)
		}
	}()

	return c.JSON(fiber.Map{
		"status":  "capturing",
		"message": "YouTube audio capture started (this may take a few minutes for long videos)",
	})
}

// resolveTitle loads the video page in headless Chrome and reads its
// title, used as the library name when the caller did not provide one
func (h *YouTubeHandler) resolveTitle(url string) string {
	ctx, cancel := chromedp.NewContext(context.Background())
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var title string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second), // Wait for player metadata
		chromedp.Evaluate(`document.title.replace(/ - YouTube$/, "")`, &title,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}),
	)
	if err != nil {
		log.Printf("Failed to resolve YouTube title: %v", err)
		return ""
	}
	return strings.TrimSpace(title)
}

// captureWithYtDlp downloads the audio track with yt-dlp
func captureWithYtDlp(url, outputPath string) error {
	log.Printf("Using yt-dlp to download: %s", url)

	cmd := exec.Command("yt-dlp",
		"-x", // Extract audio
		"--audio-format", "opus",
		"-o", outputPath,
		url,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("yt-dlp failed: %v\nOutput: %s", err, string(output))
	}

	log.Printf("YouTube audio downloaded successfully")
	return nil
}
