// Package media runs the local CPU-bound pipeline stages: format probing
// via ffprobe and audio normalization via ffmpeg.
package media

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Probe describes the media container and its audio stream
type Probe struct {
	Format     string  `json:"format"`
	Duration   float64 `json:"duration_seconds"`
	HasAudio   bool    `json:"has_audio"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// ffprobeOutput matches the ffprobe -print_format json layout
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// ProbeFile inspects a media file with ffprobe
func ProbeFile(inputPath string) (*Probe, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %v", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %v", err)
	}

	probe := &Probe{Format: parsed.Format.FormatName}
	if parsed.Format.Duration != "" {
		probe.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	}
	for _, stream := range parsed.Streams {
		if stream.CodecType == "audio" {
			probe.HasAudio = true
			probe.Channels = stream.Channels
			if stream.SampleRate != "" {
				probe.SampleRate, _ = strconv.Atoi(stream.SampleRate)
			}
			break
		}
	}

	if !probe.HasAudio {
		return nil, fmt.Errorf("no audio stream in %s", filepath.Base(inputPath))
	}
	return probe, nil
}

// Normalize converts any audio/video input to 16kHz mono WAV
func Normalize(inputPath, tempDir string) (string, error) {
	outputPath := filepath.Join(tempDir, fmt.Sprintf("normalized_%s.wav", uuid.New().String()))

	cmd := exec.Command("ffmpeg",
		"-i", inputPath,
		"-vn",               // Drop video streams
		"-ar", "16000",      // 16kHz sample rate
		"-ac", "1",          // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y",                // Overwrite output
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, string(output))
	}

	return outputPath, nil
}

// ValidateFormat checks if the file extension is supported
func ValidateFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	supported := []string{
		".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma", ".opus",
		".mp4", ".mkv", ".mov", ".avi",
	}

	for _, format := range supported {
		if ext == format {
			return true
		}
	}
	return false
}
