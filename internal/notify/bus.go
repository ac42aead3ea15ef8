// Package notify distributes pipeline events to API consumers: a
// bounded in-memory buffer with incremental reads for polling clients
// and channel subscriptions for the WebSocket feed.
package notify

import (
	"sync"
	"time"
)

// EventType classifies messages emitted during processing
type EventType string

const (
	EventJobProgress       EventType = "job.progress"
	EventJobCompleted      EventType = "job.completed"
	EventSpeakerSuggestion EventType = "speaker.suggestion"
)

// Event is a sequenced payload consumed by subscribers
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Status    string    `json:"status,omitempty"`
	// Speaker suggestion fields
	InstanceID  string  `json:"instance_id,omitempty"`
	CandidateID string  `json:"candidate_id,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// JobProgress reports a stage transition with overall percent complete
func JobProgress(job, file, user, stage string, percent int) Event {
	return Event{Type: EventJobProgress, JobID: job, FileID: file, UserID: user,
		Stage: stage, Percent: percent}
}

// JobCompleted reports a job reaching a terminal status
func JobCompleted(job, file, user, status, message string) Event {
	return Event{Type: EventJobCompleted, JobID: job, FileID: file, UserID: user,
		Status: status, Message: message}
}

// SpeakerSuggestion reports a new pending match candidate
func SpeakerSuggestion(user, instanceID, candidateID string, score float64) Event {
	return Event{Type: EventSpeakerSuggestion, UserID: user,
		InstanceID: instanceID, CandidateID: candidateID, Score: score}
}

// Bus stores recent events and fans them out to live subscribers.
// The buffer is bounded; polling clients that fall further behind than
// the buffer holds simply miss the trimmed events.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]chan Event
	nextSub   int
}

// NewBus creates a bounded event buffer
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish appends one event, assigns its sequence and timestamp, and
// delivers it to live subscribers. Slow subscribers are skipped rather
// than blocking the pipeline.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}

	return event
}

// Since returns events with sequence strictly greater than seq
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live event channel. The returned cancel func
// must be called when the consumer goes away.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
