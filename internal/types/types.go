package types

import "time"

// Job status constants
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Pipeline stage constants, in execution order
const (
	StageProbing      = "PROBING"
	StageNormalizing  = "NORMALIZING"
	StageTranscribing = "TRANSCRIBING"
	StageDiarizing    = "DIARIZING"
	StageResolving    = "RESOLVING"
	StagePersisting   = "PERSISTING"
	StageNotifying    = "NOTIFYING"
)

// StageOrder lists every stage in the order the coordinator runs them.
var StageOrder = []string{
	StageProbing,
	StageNormalizing,
	StageTranscribing,
	StageDiarizing,
	StageResolving,
	StagePersisting,
	StageNotifying,
}

// StageWeights maps each stage to its share of overall progress.
// The weights sum to 100.
var StageWeights = map[string]int{
	StageProbing:      5,
	StageNormalizing:  10,
	StageTranscribing: 35,
	StageDiarizing:    25,
	StageResolving:    10,
	StagePersisting:   10,
	StageNotifying:    5,
}

// Error kind constants recorded on failed jobs
const (
	ErrKindTransient        = "TRANSIENT"
	ErrKindFatal            = "FATAL"
	ErrKindConflict         = "CONFLICT"
	ErrKindStuck            = "STUCK"
	ErrKindExhaustedRetries = "EXHAUSTED_RETRIES"
)

// Source type constants
const (
	SourceUpload  = "upload"
	SourceGDrive  = "gdrive"
	SourceYouTube = "youtube"
	SourceStream  = "stream"
)

// Suggestion status constants
const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionRejected = "rejected"
)

// Match candidate kinds
const (
	CandidateInstance = "instance"
	CandidateProfile  = "profile"
)

// MediaFile is one uploaded or captured media file in a user's library
type MediaFile struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	SourceType string    `json:"source_type"`
	Duration   float64   `json:"duration_seconds"`
	CreatedAt  time.Time `json:"created_at"`
}

// MediaJob is one processing attempt for a media file.
// At most one job per file may be in QUEUED or RUNNING state.
type MediaJob struct {
	ID              string    `json:"id"`
	FileID          string    `json:"file_id"`
	UserID          string    `json:"user_id"`
	Stage           string    `json:"stage"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress_percent"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	HeartbeatAt     time.Time `json:"heartbeat_at"`
	CancelRequested bool      `json:"cancel_requested"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the job still holds the per-file slot
func (j *MediaJob) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusRunning
}

// Terminal reports whether the job reached a final state
func (j *MediaJob) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TranscriptSegment is one timestamped span of transcript text.
// Segments of a file are contiguous in Ordinal and non-decreasing in Start.
type TranscriptSegment struct {
	ID         string  `json:"id"`
	FileID     string  `json:"file_id"`
	Ordinal    int     `json:"ordinal"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// SpeakerInstanceID is empty when the segment has no assigned speaker
	SpeakerInstanceID string `json:"speaker_instance_id,omitempty"`
}

// SpeakerInstance is one distinct voice detected within one file
type SpeakerInstance struct {
	ID          string    `json:"id"`
	FileID      string    `json:"file_id"`
	UserID      string    `json:"user_id"`
	Label       string    `json:"label"`
	DisplayName string    `json:"display_name,omitempty"`
	Verified    bool      `json:"verified"`
	ProfileID   string    `json:"profile_id,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Version     int       `json:"-"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SpeakerProfile is a global identity aggregating instances across files
// for one user. Centroid is the running mean of member embeddings.
type SpeakerProfile struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	Centroid      []float32 `json:"-"`
	InstanceCount int       `json:"instance_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MatchCandidate is one scored match suggestion for a speaker instance
type MatchCandidate struct {
	ID            string    `json:"id"`
	InstanceID    string    `json:"instance_id"`
	CandidateID   string    `json:"candidate_id"`
	CandidateKind string    `json:"candidate_kind"`
	DisplayName   string    `json:"display_name,omitempty"`
	Score         float64   `json:"score"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// MergeResult reports the outcome of merging one source instance
type MergeResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
