package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// TranscriptExport is a finished transcript prepared for archival:
// the rendered text plus its segments with resolved speaker names
type TranscriptExport struct {
	File     *types.MediaFile
	Segments []types.TranscriptSegment
	// SpeakerNames maps speaker instance id to a display name
	// (human-assigned, propagated, or the raw diarization label)
	SpeakerNames map[string]string
	Language     string
}

// Text renders the transcript with timestamps and speaker attribution
func (e *TranscriptExport) Text() string {
	var b strings.Builder
	for _, seg := range e.Segments {
		name := e.SpeakerNames[seg.SpeakerInstanceID]
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "[%s - %s] %s: %s\n",
			formatTimestamp(seg.Start), formatTimestamp(seg.End), name, seg.Text)
	}
	return b.String()
}

// WordCount counts words across all segments
func (e *TranscriptExport) WordCount() int {
	count := 0
	for _, seg := range e.Segments {
		count += len(strings.Fields(seg.Text))
	}
	return count
}

// formatTimestamp renders seconds as HH:MM:SS
func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// LocalStorage handles media blobs and transcript exports on local disk
type LocalStorage struct {
	mediaDir  string
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(mediaDir, outputDir string) *LocalStorage {
	return &LocalStorage{
		mediaDir:  mediaDir,
		outputDir: outputDir,
	}
}

// MediaPath returns where the original media for a file id is kept
func (ls *LocalStorage) MediaPath(fileID, extension string) string {
	return filepath.Join(ls.mediaDir, fileID+extension)
}

// SaveTranscript writes the transcript and its metadata to disk under a
// dated directory and returns the transcript path
func (ls *LocalStorage) SaveTranscript(export *TranscriptExport) (string, error) {
	// Dated directory structure: outputs/2025/01/23/
	now := time.Now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %v", err)
	}

	// Filename: 20250123_143022_podcast_episode.txt
	timestamp := now.Format("20060102_150405")
	baseFilename := fmt.Sprintf("%s_%s", timestamp, sanitizeFilename(export.File.Name))

	txtPath := filepath.Join(dateDir, baseFilename+".txt")
	metaPath := filepath.Join(dateDir, baseFilename+"_meta.json")

	if err := os.WriteFile(txtPath, []byte(export.Text()), 0644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %v", err)
	}

	metadata := map[string]interface{}{
		"file_id":          export.File.ID,
		"name":             export.File.Name,
		"duration_seconds": export.File.Duration,
		"word_count":       export.WordCount(),
		"language":         export.Language,
		"created_at":       now,
		"segments":         export.Segments,
		"speakers":         export.SpeakerNames,
		"local_path":       txtPath,
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %v", err)
	}

	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %v", err)
	}

	return txtPath, nil
}

// sanitizeFilename removes invalid characters from filename
func sanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := name
	for _, ch := range invalid {
		result = strings.ReplaceAll(result, ch, "_")
	}
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
