package handlers

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// StreamHandler accepts audio over a WebSocket connection and enqueues
// the buffered recording once the client signals the end of the stream
type StreamHandler struct {
	ingestor *Ingestor
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(ingestor *Ingestor) *StreamHandler {
	return &StreamHandler{ingestor: ingestor}
}

// Handle processes one streaming connection. Text frames carry control
// messages (a recording name, or "END" to finish); binary frames carry
// audio data.
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	var (
		buffer   bytes.Buffer
		name     string
		streamID = uuid.New().String()
		user     = "default"
	)
	if id := c.Headers("X-User-Id"); id != "" {
		user = id
	}

	log.Printf("WebSocket stream established: %s", streamID)

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		if messageType == websocket.TextMessage {
			msg := string(message)
			if msg == "END" {
				log.Printf("Received END signal, processing stream %s", streamID)
				break
			}
			if len(msg) > 0 && len(msg) < 200 {
				name = msg
			}
			continue
		}

		if messageType == websocket.BinaryMessage {
			buffer.Write(message)
		}
	}

	if buffer.Len() == 0 {
		log.Printf("No audio data received in stream %s", streamID)
		return
	}

	if name == "" {
		name = "stream_recording"
	}

	tempPath := filepath.Join(h.ingestor.tempDir, fmt.Sprintf("%s.webm", streamID))
	if err := os.WriteFile(tempPath, buffer.Bytes(), 0644); err != nil {
		log.Printf("Failed to save stream buffer: %v", err)
		return
	}
	log.Printf("Stream saved to %s (%d bytes)", tempPath, buffer.Len())

	file, job, err := h.ingestor.Register(user, name, tempPath, types.SourceStream)
	if err != nil {
		log.Printf("Failed to register stream: %v", err)
		c.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to enqueue stream"}`))
		return
	}

	c.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"file_id":"%s","job_id":"%s","status":"queued"}`, file.ID, job.ID)))
}
