// Package speakers implements the speaker identity resolution engine:
// matching new voice embeddings against the user's known speakers,
// deciding when a label can be propagated automatically, and the merge
// and reassignment operations that keep transcript references intact.
package speakers

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/similarity"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// Errors surfaced to API callers
var (
	ErrNotFound = errors.New("speakers: not found")
	// ErrCrossUser rejects any reference to another user's data
	ErrCrossUser = errors.New("speakers: cross-user reference")
	// ErrConflict means a concurrent operation touched the same
	// instance; the caller may retry
	ErrConflict = errors.New("speakers: concurrent operation conflict")
	// ErrInvalidState rejects structurally invalid requests, e.g.
	// assigning a segment to an instance from a different file
	ErrInvalidState = errors.New("speakers: invalid state")
)

// Config holds the matching thresholds
type Config struct {
	// AutoPropagateThreshold is the minimum similarity for copying a
	// verified profile's name onto a new instance without confirmation
	AutoPropagateThreshold float64
	// SuggestThreshold is the minimum similarity for surfacing a match
	// suggestion at all
	SuggestThreshold float64
	// MaxCandidates is the k used for nearest-neighbor queries
	MaxCandidates int
	// MaxSuggestions caps how many candidates are kept per instance
	MaxSuggestions int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		AutoPropagateThreshold: 0.75,
		SuggestThreshold:       0.5,
		MaxCandidates:          10,
		MaxSuggestions:         3,
	}
}

// Engine resolves speaker identities for one deployment
type Engine struct {
	db     *storage.DB
	index  similarity.Index
	config Config
}

// NewEngine creates a resolution engine
func NewEngine(db *storage.DB, index similarity.Index, config Config) *Engine {
	if config.AutoPropagateThreshold == 0 {
		config.AutoPropagateThreshold = 0.75
	}
	if config.SuggestThreshold == 0 {
		config.SuggestThreshold = 0.5
	}
	if config.MaxCandidates == 0 {
		config.MaxCandidates = 10
	}
	if config.MaxSuggestions == 0 {
		config.MaxSuggestions = 3
	}
	return &Engine{db: db, index: index, config: config}
}

// WarmIndex loads every stored embedding into the similarity index.
// Called once at startup; the index itself is not durable.
func (e *Engine) WarmIndex() error {
	instances, err := e.db.AllInstances()
	if err != nil {
		return err
	}
	count := 0
	for _, inst := range instances {
		if len(inst.Embedding) == 0 {
			continue
		}
		if err := e.index.Upsert(inst.UserID, inst.ID, inst.FileID, inst.Embedding); err != nil {
			return err
		}
		count++
	}
	log.Printf("Similarity index warmed with %d embeddings", count)
	return nil
}

// Resolution is what the engine decided for one new instance
type Resolution struct {
	// AutoLinked is true when a verified profile's name was propagated
	AutoLinked  bool
	ProfileID   string
	DisplayName string
	Confidence  float64
	// Suggestions are surfaced candidates, best score first; empty when
	// auto-linked or when nothing cleared the suggest threshold
	Suggestions []types.MatchCandidate
}

// candidate is a scored neighbor with its match classification
type candidate struct {
	instance  *types.SpeakerInstance
	profile   *types.SpeakerProfile // nil for instance matches
	score     float64
	profileAt time.Time // profile recency, zero for instance matches
}

// ResolveInstance matches a freshly diarized instance against the
// owner's library and decides between auto-propagation, a suggestion,
// or nothing. The instance is not persisted here; the caller applies
// the returned resolution when it commits the persist stage.
func (e *Engine) ResolveInstance(inst *types.SpeakerInstance) (*Resolution, error) {
	resolution := &Resolution{}
	if len(inst.Embedding) == 0 {
		return resolution, nil
	}

	matches, err := e.index.Query(inst.UserID, inst.Embedding, e.config.MaxCandidates, inst.FileID)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %v", err)
	}

	candidates := make([]candidate, 0, len(matches))
	for _, m := range matches {
		if m.Score < e.config.SuggestThreshold {
			continue
		}
		neighbor, err := e.db.GetInstance(m.VectorID)
		if err == storage.ErrNotFound {
			// Index can lag behind deletions; skip orphans
			continue
		}
		if err != nil {
			return nil, err
		}

		c := candidate{instance: neighbor, score: m.Score}
		if neighbor.ProfileID != "" {
			profile, err := e.db.GetProfile(neighbor.ProfileID)
			if err == nil && profile.DisplayName != "" {
				c.profile = profile
				c.profileAt = profile.UpdatedAt
			}
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return resolution, nil
	}

	// Rank by score; break ties by profile recency, then neighbor recency
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.profileAt.Equal(b.profileAt) {
			return a.profileAt.After(b.profileAt)
		}
		return a.instance.UpdatedAt.After(b.instance.UpdatedAt)
	})

	top := candidates[0]
	if top.profile != nil && top.score >= e.config.AutoPropagateThreshold {
		resolution.AutoLinked = true
		resolution.ProfileID = top.profile.ID
		resolution.DisplayName = top.profile.DisplayName
		resolution.Confidence = top.score
		return resolution, nil
	}

	now := time.Now()
	for _, c := range candidates {
		if len(resolution.Suggestions) >= e.config.MaxSuggestions {
			break
		}
		mc := types.MatchCandidate{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			Score:      c.score,
			Status:     types.SuggestionPending,
			CreatedAt:  now,
		}
		if c.profile != nil {
			mc.CandidateID = c.profile.ID
			mc.CandidateKind = types.CandidateProfile
			mc.DisplayName = c.profile.DisplayName
		} else {
			mc.CandidateID = c.instance.ID
			mc.CandidateKind = types.CandidateInstance
			mc.DisplayName = c.instance.DisplayName
		}
		resolution.Suggestions = append(resolution.Suggestions, mc)
	}
	return resolution, nil
}

// IndexInstance publishes an instance's embedding to the similarity
// index. Idempotent: re-indexing the same id overwrites.
func (e *Engine) IndexInstance(inst *types.SpeakerInstance) error {
	if len(inst.Embedding) == 0 {
		return nil
	}
	return e.index.Upsert(inst.UserID, inst.ID, inst.FileID, inst.Embedding)
}

// DeindexInstance evicts an instance's vector, e.g. when a re-run of a
// file's pipeline replaced its instance rows
func (e *Engine) DeindexInstance(userID, instanceID string) error {
	return e.index.Delete(userID, instanceID)
}

// ListSuggestions returns an instance's pending match suggestions with
// candidate display names filled in
func (e *Engine) ListSuggestions(userID, instanceID string) ([]types.MatchCandidate, error) {
	inst, err := e.ownedInstance(userID, instanceID)
	if err != nil {
		return nil, err
	}

	all, err := e.db.SuggestionsByInstance(inst.ID)
	if err != nil {
		return nil, err
	}

	pending := make([]types.MatchCandidate, 0, len(all))
	for _, c := range all {
		if c.Status != types.SuggestionPending {
			continue
		}
		switch c.CandidateKind {
		case types.CandidateProfile:
			if p, err := e.db.GetProfile(c.CandidateID); err == nil {
				c.DisplayName = p.DisplayName
			}
		case types.CandidateInstance:
			if n, err := e.db.GetInstance(c.CandidateID); err == nil {
				if n.DisplayName != "" {
					c.DisplayName = n.DisplayName
				} else {
					c.DisplayName = n.Label
				}
			}
		}
		pending = append(pending, c)
	}
	return pending, nil
}

// AcceptSuggestion confirms a pending suggestion. A profile candidate
// links the instance to that profile; an instance candidate creates a
// new profile aggregating both voices so later files can auto-match.
func (e *Engine) AcceptSuggestion(userID, instanceID, suggestionID string) error {
	inst, err := e.ownedInstance(userID, instanceID)
	if err != nil {
		return err
	}

	suggestion, err := e.db.GetSuggestion(suggestionID)
	if err == storage.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if suggestion.InstanceID != inst.ID || suggestion.Status != types.SuggestionPending {
		return ErrInvalidState
	}

	switch suggestion.CandidateKind {
	case types.CandidateProfile:
		profile, err := e.db.GetProfile(suggestion.CandidateID)
		if err == storage.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if profile.UserID != userID {
			return ErrCrossUser
		}
		if err := e.linkToProfile(inst, profile, true, suggestion.Score); err != nil {
			return err
		}

	case types.CandidateInstance:
		other, err := e.db.GetInstance(suggestion.CandidateID)
		if err == storage.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if other.UserID != userID {
			return ErrCrossUser
		}
		if err := e.pairIntoProfile(inst, other, suggestion.Score); err != nil {
			return err
		}

	default:
		return ErrInvalidState
	}

	return e.db.SetSuggestionStatus(suggestionID, types.SuggestionAccepted)
}

// RejectSuggestion dismisses a pending suggestion
func (e *Engine) RejectSuggestion(userID, instanceID, suggestionID string) error {
	inst, err := e.ownedInstance(userID, instanceID)
	if err != nil {
		return err
	}
	suggestion, err := e.db.GetSuggestion(suggestionID)
	if err == storage.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if suggestion.InstanceID != inst.ID {
		return ErrInvalidState
	}
	return e.db.SetSuggestionStatus(suggestionID, types.SuggestionRejected)
}

// linkToProfile attaches the instance and folds its embedding into the
// profile centroid
func (e *Engine) linkToProfile(inst *types.SpeakerInstance, profile *types.SpeakerProfile, verified bool, confidence float64) error {
	err := e.db.LinkInstanceToProfile(inst.ID, profile.ID, profile.DisplayName, verified, confidence, inst.Version)
	if err == storage.ErrVersionConflict {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	centroid := foldCentroid(profile.Centroid, profile.InstanceCount, inst.Embedding)
	return e.db.UpdateProfileAggregate(profile.ID, centroid, profile.InstanceCount+1)
}

// FoldIntoProfile folds one more embedding into a profile's centroid.
// Used when a freshly persisted instance was auto-linked to the profile.
func (e *Engine) FoldIntoProfile(profileID string, embedding []float32) error {
	profile, err := e.db.GetProfile(profileID)
	if err == storage.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	centroid := foldCentroid(profile.Centroid, profile.InstanceCount, embedding)
	return e.db.UpdateProfileAggregate(profile.ID, centroid, profile.InstanceCount+1)
}

// pairIntoProfile creates a profile from two matched instances
func (e *Engine) pairIntoProfile(a, b *types.SpeakerInstance, confidence float64) error {
	name := a.DisplayName
	if name == "" {
		name = b.DisplayName
	}
	if name == "" {
		name = b.Label
	}

	profile := &types.SpeakerProfile{
		ID:            uuid.New().String(),
		UserID:        a.UserID,
		DisplayName:   name,
		Centroid:      foldCentroid(b.Embedding, 1, a.Embedding),
		InstanceCount: 2,
		UpdatedAt:     time.Now(),
	}
	if err := e.db.CreateProfile(profile); err != nil {
		return err
	}

	if err := e.db.LinkInstanceToProfile(a.ID, profile.ID, name, true, confidence, a.Version); err != nil {
		if err == storage.ErrVersionConflict {
			return ErrConflict
		}
		return err
	}
	if err := e.db.LinkInstanceToProfile(b.ID, profile.ID, name, b.Verified, confidence, b.Version); err != nil {
		if err == storage.ErrVersionConflict {
			return ErrConflict
		}
		return err
	}
	return nil
}

// foldCentroid returns the running mean after adding one embedding
func foldCentroid(centroid []float32, count int, embedding []float32) []float32 {
	if len(centroid) == 0 {
		cp := make([]float32, len(embedding))
		copy(cp, embedding)
		return cp
	}
	if len(embedding) != len(centroid) || count <= 0 {
		return centroid
	}
	next := make([]float32, len(centroid))
	n := float32(count)
	for i := range centroid {
		next[i] = (centroid[i]*n + embedding[i]) / (n + 1)
	}
	return next
}

// MergeSpeakers folds each source instance into the target: every
// segment referencing a source is repointed at the target, then the
// source is deleted. Failures are reported per source id; a failed
// source never loses segments.
func (e *Engine) MergeSpeakers(userID string, sourceIDs []string, targetID string) ([]types.MergeResult, error) {
	target, err := e.ownedInstance(userID, targetID)
	if err != nil {
		return nil, err
	}

	results := make([]types.MergeResult, 0, len(sourceIDs))
	for _, sourceID := range sourceIDs {
		result := types.MergeResult{ID: sourceID}

		if sourceID == targetID {
			result.Error = "source equals target"
			results = append(results, result)
			continue
		}

		source, err := e.db.GetInstance(sourceID)
		if err == storage.ErrNotFound {
			result.Error = "not found"
			results = append(results, result)
			continue
		}
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		if source.UserID != userID {
			result.Error = "cross-user reference"
			results = append(results, result)
			continue
		}

		err = e.db.MergeInstanceInto(source.ID, source.Version, target.ID, target.Version)
		if err == storage.ErrVersionConflict {
			result.Error = "concurrent operation conflict, retry"
			results = append(results, result)
			// Reload the target version for the remaining sources
			if fresh, rerr := e.db.GetInstance(target.ID); rerr == nil {
				target = fresh
			}
			continue
		}
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		// The target version was bumped by the merge
		target.Version++
		e.index.Delete(userID, source.ID)
		result.Success = true
		results = append(results, result)
		log.Printf("Merged speaker instance %s into %s", source.ID, target.ID)
	}
	return results, nil
}

// ReassignSegmentSpeaker points one segment at a different instance of
// the same file, or clears the assignment when instanceID is empty.
// Deliberately does not retrigger similarity matching.
func (e *Engine) ReassignSegmentSpeaker(userID, segmentID, instanceID string) (*types.TranscriptSegment, error) {
	segment, err := e.db.GetSegment(segmentID)
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	file, err := e.db.GetFile(segment.FileID)
	if err != nil {
		return nil, err
	}
	if file.UserID != userID {
		return nil, ErrCrossUser
	}

	if instanceID != "" {
		inst, err := e.db.GetInstance(instanceID)
		if err == storage.ErrNotFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if inst.UserID != userID {
			return nil, ErrCrossUser
		}
		if inst.FileID != segment.FileID {
			return nil, ErrInvalidState
		}
	}

	if err := e.db.UpdateSegmentSpeaker(segmentID, instanceID); err != nil {
		return nil, err
	}
	segment.SpeakerInstanceID = instanceID
	return segment, nil
}

// NameInstance records a human-entered display name for an instance
func (e *Engine) NameInstance(userID, instanceID, displayName string) error {
	inst, err := e.ownedInstance(userID, instanceID)
	if err != nil {
		return err
	}
	return e.db.SetInstanceName(inst.ID, displayName, true)
}

// Profiles lists the user's speaker profiles
func (e *Engine) Profiles(userID string) ([]*types.SpeakerProfile, error) {
	return e.db.ProfilesByUser(userID)
}

// RenameProfile changes a profile's display name
func (e *Engine) RenameProfile(userID, profileID, displayName string) error {
	profile, err := e.db.GetProfile(profileID)
	if err == storage.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if profile.UserID != userID {
		return ErrCrossUser
	}
	return e.db.RenameProfile(profileID, displayName)
}

// DeleteProfile removes a profile; member instances are detached, never
// deleted
func (e *Engine) DeleteProfile(userID, profileID string) error {
	profile, err := e.db.GetProfile(profileID)
	if err == storage.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if profile.UserID != userID {
		return ErrCrossUser
	}
	return e.db.DeleteProfile(profileID)
}

// ownedInstance loads an instance and enforces user ownership
func (e *Engine) ownedInstance(userID, instanceID string) (*types.SpeakerInstance, error) {
	inst, err := e.db.GetInstance(instanceID)
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, ErrCrossUser
	}
	return inst, nil
}
