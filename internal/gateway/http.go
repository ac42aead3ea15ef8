package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// HTTPGateway talks to the transcription and diarization services over
// HTTP. Audio is sent as a multipart upload; responses are JSON.
type HTTPGateway struct {
	transcriberURL string
	diarizerURL    string
	client         *http.Client
}

// NewHTTPGateway creates a gateway client with a bounded per-call timeout
func NewHTTPGateway(transcriberURL, diarizerURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPGateway{
		transcriberURL: transcriberURL,
		diarizerURL:    diarizerURL,
		client:         &http.Client{Timeout: timeout},
	}
}

// Transcribe sends the audio to the transcription service and returns
// aligned segments plus the detected language. taskID keys the service's
// durable task record for later TaskStatus lookups.
func (g *HTTPGateway) Transcribe(ctx context.Context, taskID, audioPath, language string) (*TranscribeResult, error) {
	fields := map[string]string{"task_id": taskID}
	if language != "" {
		fields["language"] = language
	}

	var result TranscribeResult
	if err := g.postAudio(ctx, "transcribe", g.transcriberURL+"/v1/transcribe", audioPath, fields, &result); err != nil {
		return nil, err
	}
	log.Printf("Gateway transcribe: %d segments, language=%s", len(result.Segments), result.DetectedLanguage)
	return &result, nil
}

// Diarize sends the audio to the diarization service and returns speaker
// turns plus one embedding per detected voice
func (g *HTTPGateway) Diarize(ctx context.Context, taskID, audioPath string, minSpeakers, maxSpeakers int) (*DiarizeResult, error) {
	fields := map[string]string{"task_id": taskID}
	if minSpeakers > 0 {
		fields["min_speakers"] = strconv.Itoa(minSpeakers)
	}
	if maxSpeakers > 0 {
		fields["max_speakers"] = strconv.Itoa(maxSpeakers)
	}

	var result DiarizeResult
	if err := g.postAudio(ctx, "diarize", g.diarizerURL+"/v1/diarize", audioPath, fields, &result); err != nil {
		return nil, err
	}
	log.Printf("Gateway diarize: %d turns, %d embeddings", len(result.Turns), len(result.Embeddings))
	return &result, nil
}

// TaskStatus looks up the durable record for a previously submitted task
func (g *HTTPGateway) TaskStatus(ctx context.Context, taskID string) (*TaskState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.transcriberURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, &CallError{Op: "task_status", Message: err.Error()}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport("task_status", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrHistoryUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus("task_status", resp.StatusCode, string(body))
	}

	var state TaskState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, &CallError{Op: "task_status", Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return &state, nil
}

// postAudio uploads the audio file plus form fields and decodes the JSON
// response into out
func (g *HTTPGateway) postAudio(ctx context.Context, op, url, audioPath string, fields map[string]string, out interface{}) error {
	f, err := os.Open(audioPath)
	if err != nil {
		// Missing input is not the service's fault and retrying won't help
		return &CallError{Op: op, Message: fmt.Sprintf("open audio: %v", err)}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		for k, v := range fields {
			if werr = mw.WriteField(k, v); werr != nil {
				return
			}
		}
		fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
		if err != nil {
			werr = err
			return
		}
		if _, werr = io.Copy(fw, f); werr != nil {
			return
		}
		werr = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return &CallError{Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(op, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CallError{Op: op, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}

// classifyStatus maps an HTTP status to a transient or permanent CallError
func classifyStatus(op string, status int, body string) error {
	return &CallError{
		Op:         op,
		StatusCode: status,
		Message:    body,
		Transient:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// classifyTransport maps transport-level failures; they are all transient
// (timeouts, refused connections, resets)
func classifyTransport(op string, err error) error {
	msg := err.Error()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "timeout: " + msg
	}
	return &CallError{Op: op, Message: msg, Transient: true}
}
