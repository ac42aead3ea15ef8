package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/media"
	"github.com/codebuildervaibhav/voicevault/internal/notify"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// normalizeResult is the durable payload of the normalize stage
type normalizeResult struct {
	NormalizedPath string `json:"normalized_path"`
}

// plannedInstance is one speaker instance prepared by the resolve stage,
// carried in the durable payload until the persist stage applies it
type plannedInstance struct {
	Instance    types.SpeakerInstance  `json:"instance"`
	Embedding   []float32              `json:"embedding,omitempty"`
	AutoLinked  bool                   `json:"auto_linked,omitempty"`
	Suggestions []types.MatchCandidate `json:"suggestions,omitempty"`
}

// persistPlan is the resolve stage's durable output: everything the
// persist stage needs to atomically replace the file's transcript data
type persistPlan struct {
	Language  string                    `json:"language,omitempty"`
	Segments  []types.TranscriptSegment `json:"segments"`
	Instances []plannedInstance         `json:"instances"`
}

// persistCounts is the persist stage's durable payload
type persistCounts struct {
	Segments    int `json:"segments"`
	Instances   int `json:"instances"`
	Suggestions int `json:"suggestions"`
}

// notifyResult is the notify stage's durable payload
type notifyResult struct {
	TranscriptPath string `json:"transcript_path,omitempty"`
	DriveURL       string `json:"drive_url,omitempty"`
}

// runStage executes one stage's work and returns its durable payload.
// Transcription and diarization hold a GPU slot; everything else holds a
// CPU slot.
func (c *Coordinator) runStage(job *types.MediaJob, file *types.MediaFile, stage string) ([]byte, error) {
	slot := c.cpuSlot
	if stage == types.StageTranscribing || stage == types.StageDiarizing {
		slot = c.gpuSlot
	}
	select {
	case slot <- struct{}{}:
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
	defer func() { <-slot }()

	switch stage {
	case types.StageProbing:
		return c.stageProbe(file)
	case types.StageNormalizing:
		return c.stageNormalize(file)
	case types.StageTranscribing:
		return c.stageTranscribe(job)
	case types.StageDiarizing:
		return c.stageDiarize(job)
	case types.StageResolving:
		return c.stageResolve(job, file)
	case types.StagePersisting:
		return c.stagePersist(job, file)
	case types.StageNotifying:
		return c.stageNotify(job, file)
	}
	return nil, fmt.Errorf("unknown stage %s", stage)
}

func (c *Coordinator) stageProbe(file *types.MediaFile) ([]byte, error) {
	probe, err := media.ProbeFile(file.Path)
	if err != nil {
		return nil, err
	}
	if err := c.db.UpdateFileDuration(file.ID, probe.Duration); err != nil {
		return nil, err
	}
	file.Duration = probe.Duration
	return json.Marshal(probe)
}

func (c *Coordinator) stageNormalize(file *types.MediaFile) ([]byte, error) {
	if err := os.MkdirAll(c.config.TempDir, 0755); err != nil {
		return nil, err
	}
	path, err := media.Normalize(file.Path, c.config.TempDir)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalizeResult{NormalizedPath: path})
}

// normalizedPath reads the normalize stage's committed payload
func (c *Coordinator) normalizedPath(jobID string) (string, error) {
	payload, err := c.db.StageResult(jobID, types.StageNormalizing)
	if err != nil {
		return "", fmt.Errorf("normalize result missing: %v", err)
	}
	var result normalizeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", err
	}
	return result.NormalizedPath, nil
}

func (c *Coordinator) stageTranscribe(job *types.MediaJob) ([]byte, error) {
	path, err := c.normalizedPath(job.ID)
	if err != nil {
		return nil, err
	}
	result, err := c.gw.Transcribe(c.ctx, job.ID, path, c.config.Language)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (c *Coordinator) stageDiarize(job *types.MediaJob) ([]byte, error) {
	path, err := c.normalizedPath(job.ID)
	if err != nil {
		return nil, err
	}
	result, err := c.gw.Diarize(c.ctx, job.ID, path, c.config.MinSpeakers, c.config.MaxSpeakers)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// stageResolve turns raw transcription and diarization output into a
// persist plan: segments attributed to speaker instances, with each
// instance either auto-linked to a known profile or annotated with
// match suggestions
func (c *Coordinator) stageResolve(job *types.MediaJob, file *types.MediaFile) ([]byte, error) {
	var transcript gatewayTranscript
	if err := c.stagePayload(job.ID, types.StageTranscribing, &transcript); err != nil {
		return nil, err
	}
	var diarization gatewayDiarization
	if err := c.stagePayload(job.ID, types.StageDiarizing, &diarization); err != nil {
		return nil, err
	}

	plan := buildPlan(file, &transcript, &diarization)

	for i := range plan.Instances {
		planned := &plan.Instances[i]
		inst := planned.Instance
		inst.Embedding = planned.Embedding

		resolution, err := c.engine.ResolveInstance(&inst)
		if err != nil {
			return nil, err
		}
		if resolution.AutoLinked {
			planned.AutoLinked = true
			planned.Instance.ProfileID = resolution.ProfileID
			planned.Instance.DisplayName = resolution.DisplayName
			planned.Instance.Confidence = resolution.Confidence
		} else {
			planned.Suggestions = resolution.Suggestions
		}
	}

	return json.Marshal(plan)
}

// stagePersist atomically replaces the file's transcript data with the
// plan and publishes the new embeddings to the similarity index
func (c *Coordinator) stagePersist(job *types.MediaJob, file *types.MediaFile) ([]byte, error) {
	var plan persistPlan
	if err := c.stagePayload(job.ID, types.StageResolving, &plan); err != nil {
		return nil, err
	}

	// Snapshot the file's current instances before the replace: rows that
	// are not in the plan need their vectors evicted from the index, and
	// planned rows that already exist mean this stage is a replay whose
	// previous run already folded their embeddings.
	prior, err := c.db.InstancesByFile(file.ID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(prior))
	for _, p := range prior {
		existing[p.ID] = true
	}

	instances := make([]types.SpeakerInstance, 0, len(plan.Instances))
	keep := make(map[string]bool, len(plan.Instances))
	for i := range plan.Instances {
		inst := plan.Instances[i].Instance
		inst.Embedding = plan.Instances[i].Embedding
		instances = append(instances, inst)
		keep[inst.ID] = true
	}

	if err := c.db.ReplaceFileData(file.ID, plan.Segments, instances); err != nil {
		return nil, err
	}

	for _, p := range prior {
		if keep[p.ID] {
			continue
		}
		if err := c.engine.DeindexInstance(p.UserID, p.ID); err != nil {
			log.Printf("Job %s: failed to evict replaced vector %s: %v", job.ID, p.ID, err)
		}
	}

	counts := persistCounts{Segments: len(plan.Segments), Instances: len(instances)}
	for i := range plan.Instances {
		planned := &plan.Instances[i]
		inst := instances[i]

		if err := c.engine.IndexInstance(&inst); err != nil {
			return nil, err
		}
		if planned.AutoLinked && inst.ProfileID != "" && !existing[inst.ID] {
			if err := c.engine.FoldIntoProfile(inst.ProfileID, inst.Embedding); err != nil {
				log.Printf("Job %s: centroid fold for profile %s failed: %v",
					job.ID, inst.ProfileID, err)
			}
		}
		if len(planned.Suggestions) > 0 {
			if err := c.db.ReplaceSuggestions(inst.ID, planned.Suggestions); err != nil {
				return nil, err
			}
			counts.Suggestions += len(planned.Suggestions)
		}
	}

	return json.Marshal(counts)
}

// stageNotify exports the finished transcript, optionally archives it to
// Drive, emits suggestion events, and releases the normalized temp file
func (c *Coordinator) stageNotify(job *types.MediaJob, file *types.MediaFile) ([]byte, error) {
	var plan persistPlan
	if err := c.stagePayload(job.ID, types.StageResolving, &plan); err != nil {
		return nil, err
	}

	names := make(map[string]string, len(plan.Instances))
	for i := range plan.Instances {
		inst := &plan.Instances[i].Instance
		if inst.DisplayName != "" {
			names[inst.ID] = inst.DisplayName
		} else {
			names[inst.ID] = inst.Label
		}
	}

	export := &storage.TranscriptExport{
		File:         file,
		Segments:     plan.Segments,
		SpeakerNames: names,
		Language:     plan.Language,
	}

	result := notifyResult{}
	if c.local != nil {
		path, err := c.local.SaveTranscript(export)
		if err != nil {
			return nil, err
		}
		result.TranscriptPath = path
	}

	if c.drive != nil {
		for attempt := 1; attempt <= 3; attempt++ {
			url, err := c.drive.Upload(export)
			if err == nil {
				result.DriveURL = url
				break
			}
			log.Printf("Job %s: Drive upload attempt %d/3 failed: %v", job.ID, attempt, err)
			if attempt < 3 {
				time.Sleep(time.Duration(attempt*attempt) * time.Second)
			}
		}
	}

	for i := range plan.Instances {
		planned := &plan.Instances[i]
		for _, s := range planned.Suggestions {
			c.bus.Publish(notify.SpeakerSuggestion(job.UserID, planned.Instance.ID,
				s.CandidateID, s.Score))
		}
	}

	if path, err := c.normalizedPath(job.ID); err == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Job %s: failed to remove temp audio %s: %v", job.ID, path, err)
		}
	}

	return json.Marshal(result)
}

// stagePayload loads and decodes a committed stage result
func (c *Coordinator) stagePayload(jobID, stage string, out interface{}) error {
	payload, err := c.db.StageResult(jobID, stage)
	if err == storage.ErrNotFound {
		return errors.New(stage + " result missing")
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

// gatewayTranscript and gatewayDiarization mirror the gateway response
// shapes for payload decoding
type gatewayTranscript struct {
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"segments"`
	DetectedLanguage string `json:"detected_language"`
}

type gatewayDiarization struct {
	Turns []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		SpeakerLabel string  `json:"speaker_label"`
	} `json:"turns"`
	Embeddings []struct {
		SpeakerLabel string    `json:"speaker_label"`
		Vector       []float32 `json:"vector"`
	} `json:"embeddings"`
}

// buildPlan assembles segments and speaker instances from the raw
// service output. Each segment is attributed to the speaker turn it
// overlaps the most; segments with no overlapping turn stay unassigned.
func buildPlan(file *types.MediaFile, transcript *gatewayTranscript, diarization *gatewayDiarization) *persistPlan {
	plan := &persistPlan{Language: transcript.DetectedLanguage}
	now := time.Now()

	labelToID := make(map[string]string, len(diarization.Embeddings))
	for _, emb := range diarization.Embeddings {
		inst := types.SpeakerInstance{
			ID:        uuid.New().String(),
			FileID:    file.ID,
			UserID:    file.UserID,
			Label:     emb.SpeakerLabel,
			CreatedAt: now,
			UpdatedAt: now,
		}
		labelToID[emb.SpeakerLabel] = inst.ID
		plan.Instances = append(plan.Instances, plannedInstance{
			Instance:  inst,
			Embedding: emb.Vector,
		})
	}

	for i, seg := range transcript.Segments {
		segment := types.TranscriptSegment{
			ID:         uuid.New().String(),
			FileID:     file.ID,
			Ordinal:    i,
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: seg.Confidence,
		}

		bestLabel := ""
		bestOverlap := 0.0
		for _, turn := range diarization.Turns {
			overlap := overlapSeconds(seg.Start, seg.End, turn.Start, turn.End)
			if overlap > bestOverlap {
				bestOverlap = overlap
				bestLabel = turn.SpeakerLabel
			}
		}
		if bestLabel != "" {
			segment.SpeakerInstanceID = labelToID[bestLabel]
		}

		plan.Segments = append(plan.Segments, segment)
	}

	return plan
}

// overlapSeconds returns how much of [aStart,aEnd] falls inside [bStart,bEnd]
func overlapSeconds(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}
