// Package gateway wraps the external acoustic analysis services:
// a transcription/alignment service and a diarization/embedding service.
// Both are consumed over HTTP; the coordinator treats them as black boxes
// and only cares about the request/response contract and whether a
// failure is worth retrying.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrHistoryUnavailable is returned by TaskStatus when the service keeps
// no durable record for the requested task.
var ErrHistoryUnavailable = errors.New("gateway: task history unavailable")

// Segment is one transcribed span returned by the transcription service
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TranscribeResult is the transcription service response
type TranscribeResult struct {
	Segments         []Segment `json:"segments"`
	DetectedLanguage string    `json:"detected_language"`
}

// Turn is one speaker turn returned by the diarization service
type Turn struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	SpeakerLabel string  `json:"speaker_label"`
}

// Embedding is one per-speaker voice embedding from diarization
type Embedding struct {
	SpeakerLabel string    `json:"speaker_label"`
	Vector       []float32 `json:"vector"`
}

// DiarizeResult is the diarization service response
type DiarizeResult struct {
	Turns      []Turn      `json:"turns"`
	Embeddings []Embedding `json:"embeddings"`
}

// TaskState is the durable per-task record some deployments of the
// services keep. Used by the reconciliation sweep to tell a crashed
// worker from a still-running call.
type TaskState struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"` // "running", "completed", "failed"
	Detail string `json:"detail,omitempty"`
}

// Gateway is the acoustic analysis contract consumed by the pipeline.
// Transcribe and Diarize are idempotent for the same audio path and
// parameters. The caller's taskID travels with every submission so the
// service can key its durable task history by it; TaskStatus looks that
// record up later with the same id.
type Gateway interface {
	Transcribe(ctx context.Context, taskID, audioPath, language string) (*TranscribeResult, error)
	Diarize(ctx context.Context, taskID, audioPath string, minSpeakers, maxSpeakers int) (*DiarizeResult, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskState, error)
}

// CallError is a failed service call with its retry classification
type CallError struct {
	Op         string
	StatusCode int
	Message    string
	Transient  bool
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

// IsTransient reports whether err should be retried. Timeouts, transport
// errors, 429 and 5xx responses are transient; other HTTP errors are
// permanent rejections.
func IsTransient(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
