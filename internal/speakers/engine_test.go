package speakers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/codebuildervaibhav/voicevault/internal/similarity"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

type fixture struct {
	db     *storage.DB
	index  *similarity.Memory
	engine *Engine
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	index := similarity.NewMemory()
	return &fixture{db: db, index: index, engine: NewEngine(db, index, config)}
}

// seedFile inserts a media file row plus its segments and instances,
// and publishes the embeddings to the index
func (f *fixture) seedFile(t *testing.T, fileID, userID string, segments []types.TranscriptSegment, instances []types.SpeakerInstance) {
	t.Helper()
	err := f.db.CreateFile(&types.MediaFile{
		ID: fileID, UserID: userID, Name: fileID, Path: "/tmp/" + fileID,
		SourceType: types.SourceUpload, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := f.db.ReplaceFileData(fileID, segments, instances); err != nil {
		t.Fatalf("seed data: %v", err)
	}
	for i := range instances {
		inst := &instances[i]
		if len(inst.Embedding) > 0 {
			if err := f.index.Upsert(inst.UserID, inst.ID, inst.FileID, inst.Embedding); err != nil {
				t.Fatalf("seed index: %v", err)
			}
		}
	}
}

func (f *fixture) seedProfile(t *testing.T, id, userID, name string, centroid []float32) {
	t.Helper()
	err := f.db.CreateProfile(&types.SpeakerProfile{
		ID: id, UserID: userID, DisplayName: name,
		Centroid: centroid, InstanceCount: 1, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

// TestResolveAutoPropagatesProfileMatch links a strong profile match and
// copies the display name unverified.
func TestResolveAutoPropagatesProfileMatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedProfile(t, "p1", "u1", "Alice", []float32{1, 0})
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			ProfileID: "p1", Embedding: []float32{1, 0}},
	})

	newInst := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00",
		Embedding: []float32{1, 0.01},
	}
	resolution, err := f.engine.ResolveInstance(newInst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolution.AutoLinked {
		t.Fatal("expected auto-link for strong profile match")
	}
	if resolution.ProfileID != "p1" || resolution.DisplayName != "Alice" {
		t.Fatalf("resolution = %+v", resolution)
	}
	if len(resolution.Suggestions) != 0 {
		t.Fatalf("auto-link should not also suggest, got %d", len(resolution.Suggestions))
	}
}

// TestResolveThresholdBoundary checks a score exactly at the threshold
// meets it (greater-or-equal, not strictly greater).
func TestResolveThresholdBoundary(t *testing.T) {
	// Orthogonal vectors give exactly 0.5 similarity, so thresholds of
	// 0.5 make the boundary exact in float arithmetic
	config := DefaultConfig()
	config.AutoPropagateThreshold = 0.5
	config.SuggestThreshold = 0.5

	f := newFixture(t, config)
	f.seedProfile(t, "p1", "u1", "Alice", []float32{0, 1})
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			ProfileID: "p1", Embedding: []float32{0, 1}},
	})

	atThreshold := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00",
		Embedding: []float32{1, 0},
	}
	resolution, err := f.engine.ResolveInstance(atThreshold)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolution.AutoLinked {
		t.Fatal("score equal to threshold must auto-link")
	}

	// A score below the threshold must not even suggest
	below := &types.SpeakerInstance{
		ID: "i3", FileID: "f2", UserID: "u1", Label: "SPEAKER_01",
		Embedding: []float32{1, -0.2},
	}
	resolution, err = f.engine.ResolveInstance(below)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.AutoLinked || len(resolution.Suggestions) != 0 {
		t.Fatalf("below threshold resolution = %+v, want nothing", resolution)
	}
}

// TestResolveProfileMatchBelowAutoSuggests keeps mid-confidence profile
// matches as suggestions.
func TestResolveProfileMatchBelowAutoSuggests(t *testing.T) {
	config := DefaultConfig()
	config.AutoPropagateThreshold = 0.99

	f := newFixture(t, config)
	f.seedProfile(t, "p1", "u1", "Alice", []float32{1, 0.5})
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			ProfileID: "p1", Embedding: []float32{1, 0.5}},
	})

	newInst := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00",
		Embedding: []float32{1, 0},
	}
	resolution, err := f.engine.ResolveInstance(newInst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.AutoLinked {
		t.Fatal("profile match below auto threshold must not auto-link")
	}
	if len(resolution.Suggestions) == 0 {
		t.Fatal("expected a suggestion")
	}
	top := resolution.Suggestions[0]
	if top.CandidateKind != types.CandidateProfile || top.CandidateID != "p1" {
		t.Fatalf("top suggestion = %+v", top)
	}
}

// TestResolveInstanceMatchNeverAutoLinks keeps even perfect instance
// matches as suggestions; auto-propagation needs a verified profile.
func TestResolveInstanceMatchNeverAutoLinks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			Embedding: []float32{1, 0}},
	})

	newInst := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00",
		Embedding: []float32{1, 0},
	}
	resolution, err := f.engine.ResolveInstance(newInst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.AutoLinked {
		t.Fatal("instance match must never auto-link")
	}
	if len(resolution.Suggestions) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(resolution.Suggestions))
	}
	if resolution.Suggestions[0].CandidateKind != types.CandidateInstance {
		t.Fatalf("kind = %s, want instance", resolution.Suggestions[0].CandidateKind)
	}
	if resolution.Suggestions[0].Score < 0.999 {
		t.Fatalf("score = %f, want ~1", resolution.Suggestions[0].Score)
	}
}

// TestCrossLibraryMatch is the two-files-same-voice scenario: the second
// file's instance surfaces the first file's instance as a suggestion
// above the suggest threshold.
func TestCrossLibraryMatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	voice := []float32{0.2, 0.9, 0.4}
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00", Embedding: voice},
	})

	almostSame := []float32{0.21, 0.88, 0.41}
	newInst := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00", Embedding: almostSame,
	}
	resolution, err := f.engine.ResolveInstance(newInst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolution.Suggestions) == 0 {
		t.Fatal("expected cross-file suggestion")
	}
	got := resolution.Suggestions[0]
	if got.CandidateID != "i1" {
		t.Fatalf("candidate = %s, want i1", got.CandidateID)
	}
	if got.Score < 0.5 {
		t.Fatalf("score = %f, want above suggest threshold", got.Score)
	}

	// Same voice in the same file must not match itself
	sameFile := &types.SpeakerInstance{
		ID: "i3", FileID: "f1", UserID: "u1", Label: "SPEAKER_01", Embedding: voice,
	}
	resolution, err = f.engine.ResolveInstance(sameFile)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolution.Suggestions) != 0 {
		t.Fatalf("same-file match leaked: %+v", resolution.Suggestions)
	}
}

// TestResolveScopedToUser never matches another user's voices.
func TestResolveScopedToUser(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedFile(t, "f1", "alice", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "alice", Label: "SPEAKER_00", Embedding: []float32{1, 0}},
	})

	newInst := &types.SpeakerInstance{
		ID: "i2", FileID: "f2", UserID: "bob", Label: "SPEAKER_00", Embedding: []float32{1, 0},
	}
	resolution, err := f.engine.ResolveInstance(newInst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.AutoLinked || len(resolution.Suggestions) != 0 {
		t.Fatalf("cross-user match leaked: %+v", resolution)
	}
}

// TestMergeSpeakersPreservesSegments verifies the segment-count
// invariant and per-item error reporting.
func TestMergeSpeakersPreservesSegments(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.seedFile(t, "f1", "u1", []types.TranscriptSegment{
		{ID: "s1", FileID: "f1", Ordinal: 0, Start: 0, End: 1, Text: "a", SpeakerInstanceID: "keep"},
		{ID: "s2", FileID: "f1", Ordinal: 1, Start: 1, End: 2, Text: "b", SpeakerInstanceID: "dup1"},
	}, []types.SpeakerInstance{
		{ID: "keep", FileID: "f1", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{1, 0}},
		{ID: "dup1", FileID: "f1", UserID: "u1", Label: "SPEAKER_01", Embedding: []float32{1, 0.1}},
	})
	f.seedFile(t, "f2", "u1", []types.TranscriptSegment{
		{ID: "s3", FileID: "f2", Ordinal: 0, Start: 0, End: 1, Text: "c", SpeakerInstanceID: "dup2"},
		{ID: "s4", FileID: "f2", Ordinal: 1, Start: 1, End: 2, Text: "d", SpeakerInstanceID: "dup2"},
	}, []types.SpeakerInstance{
		{ID: "dup2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{1, 0.2}},
	})
	f.seedFile(t, "f3", "eve", nil, []types.SpeakerInstance{
		{ID: "evil", FileID: "f3", UserID: "eve", Label: "SPEAKER_00", Embedding: []float32{0, 1}},
	})

	results, err := f.engine.MergeSpeakers("u1", []string{"dup1", "dup2", "missing", "evil"}, "keep")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	byID := map[string]types.MergeResult{}
	for _, r := range results {
		byID[r.ID] = r
	}
	if !byID["dup1"].Success || !byID["dup2"].Success {
		t.Fatalf("expected dup1 and dup2 to merge: %+v", results)
	}
	if byID["missing"].Success || byID["missing"].Error == "" {
		t.Fatalf("missing source should fail: %+v", byID["missing"])
	}
	if byID["evil"].Success {
		t.Fatal("cross-user source must be rejected")
	}

	// Every segment the sources held now references the target
	count, err := f.db.CountSegmentsBySpeaker("keep")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Fatalf("target segments = %d, want 4", count)
	}
	for _, id := range []string{"dup1", "dup2"} {
		if n, _ := f.db.CountSegmentsBySpeaker(id); n != 0 {
			t.Fatalf("source %s still owns %d segments", id, n)
		}
	}
	// The cross-user instance is untouched
	if _, err := f.db.GetInstance("evil"); err != nil {
		t.Fatalf("cross-user instance was touched: %v", err)
	}
}

// TestMergeSpeakersCrossUserTarget rejects the whole call.
func TestMergeSpeakersCrossUserTarget(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedFile(t, "f1", "eve", nil, []types.SpeakerInstance{
		{ID: "t1", FileID: "f1", UserID: "eve", Label: "SPEAKER_00", Embedding: []float32{1, 0}},
	})

	if _, err := f.engine.MergeSpeakers("u1", []string{"x"}, "t1"); err != ErrCrossUser {
		t.Fatalf("err = %v, want ErrCrossUser", err)
	}
}

// TestReassignSegmentSpeaker covers assignment, clearing, and rejection
// of cross-file and cross-user references.
func TestReassignSegmentSpeaker(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedFile(t, "f1", "u1", []types.TranscriptSegment{
		{ID: "s1", FileID: "f1", Ordinal: 0, Start: 0, End: 1, Text: "a", SpeakerInstanceID: "i1"},
	}, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{1, 0}},
		{ID: "i2", FileID: "f1", UserID: "u1", Label: "SPEAKER_01", Embedding: []float32{0, 1}},
	})
	f.seedFile(t, "f2", "u1", nil, []types.SpeakerInstance{
		{ID: "other-file", FileID: "f2", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{1, 1}},
	})

	segment, err := f.engine.ReassignSegmentSpeaker("u1", "s1", "i2")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if segment.SpeakerInstanceID != "i2" {
		t.Fatalf("speaker = %s, want i2", segment.SpeakerInstanceID)
	}

	segment, err = f.engine.ReassignSegmentSpeaker("u1", "s1", "")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if segment.SpeakerInstanceID != "" {
		t.Fatalf("speaker = %s, want unassigned", segment.SpeakerInstanceID)
	}

	if _, err := f.engine.ReassignSegmentSpeaker("u1", "s1", "other-file"); err != ErrInvalidState {
		t.Fatalf("cross-file err = %v, want ErrInvalidState", err)
	}
	if _, err := f.engine.ReassignSegmentSpeaker("eve", "s1", "i1"); err != ErrCrossUser {
		t.Fatalf("cross-user err = %v, want ErrCrossUser", err)
	}
	if _, err := f.engine.ReassignSegmentSpeaker("u1", "missing", "i1"); err != ErrNotFound {
		t.Fatalf("missing segment err = %v, want ErrNotFound", err)
	}
}

// TestAcceptInstanceSuggestionCreatesProfile pairs two instances into a
// fresh profile so later files can auto-propagate.
func TestAcceptInstanceSuggestionCreatesProfile(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			DisplayName: "Bob", Embedding: []float32{1, 0}},
	})
	f.seedFile(t, "f2", "u1", nil, []types.SpeakerInstance{
		{ID: "i2", FileID: "f2", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{1, 0.1}},
	})

	suggestion := types.MatchCandidate{
		ID: "c1", InstanceID: "i2", CandidateID: "i1",
		CandidateKind: types.CandidateInstance, Score: 0.98,
		Status: types.SuggestionPending, CreatedAt: time.Now(),
	}
	if err := f.db.ReplaceSuggestions("i2", []types.MatchCandidate{suggestion}); err != nil {
		t.Fatalf("seed suggestion: %v", err)
	}

	if err := f.engine.AcceptSuggestion("u1", "i2", "c1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	inst, err := f.db.GetInstance("i2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.ProfileID == "" {
		t.Fatal("instance not linked to a profile")
	}
	if inst.DisplayName != "Bob" {
		t.Fatalf("display name = %q, want Bob", inst.DisplayName)
	}

	other, _ := f.db.GetInstance("i1")
	if other.ProfileID != inst.ProfileID {
		t.Fatal("both instances should share the new profile")
	}

	profile, err := f.db.GetProfile(inst.ProfileID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.InstanceCount != 2 || profile.DisplayName != "Bob" {
		t.Fatalf("profile = %+v", profile)
	}

	got, _ := f.db.GetSuggestion("c1")
	if got.Status != types.SuggestionAccepted {
		t.Fatalf("suggestion status = %s, want accepted", got.Status)
	}
}

// TestAcceptProfileSuggestionUpdatesCentroid links and folds the new
// embedding into the profile aggregate.
func TestAcceptProfileSuggestionUpdatesCentroid(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedProfile(t, "p1", "u1", "Alice", []float32{1, 0})
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00", Embedding: []float32{0, 1}},
	})

	suggestion := types.MatchCandidate{
		ID: "c1", InstanceID: "i1", CandidateID: "p1",
		CandidateKind: types.CandidateProfile, Score: 0.7,
		Status: types.SuggestionPending, CreatedAt: time.Now(),
	}
	if err := f.db.ReplaceSuggestions("i1", []types.MatchCandidate{suggestion}); err != nil {
		t.Fatalf("seed suggestion: %v", err)
	}

	if err := f.engine.AcceptSuggestion("u1", "i1", "c1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	profile, err := f.db.GetProfile("p1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.InstanceCount != 2 {
		t.Fatalf("instance count = %d, want 2", profile.InstanceCount)
	}
	// Running mean of (1,0) and (0,1)
	if profile.Centroid[0] != 0.5 || profile.Centroid[1] != 0.5 {
		t.Fatalf("centroid = %v, want [0.5 0.5]", profile.Centroid)
	}

	inst, _ := f.db.GetInstance("i1")
	if inst.ProfileID != "p1" || !inst.Verified {
		t.Fatalf("instance = %+v, want verified link to p1", inst)
	}
}

// TestDeleteProfileDetachesInstances goes through the engine with
// ownership checks.
func TestDeleteProfileDetachesInstances(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedProfile(t, "p1", "u1", "Alice", []float32{1, 0})
	f.seedFile(t, "f1", "u1", nil, []types.SpeakerInstance{
		{ID: "i1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			ProfileID: "p1", Embedding: []float32{1, 0}},
	})

	if err := f.engine.DeleteProfile("eve", "p1"); err != ErrCrossUser {
		t.Fatalf("cross-user delete err = %v, want ErrCrossUser", err)
	}
	if err := f.engine.DeleteProfile("u1", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	inst, err := f.db.GetInstance("i1")
	if err != nil {
		t.Fatalf("instance deleted with profile: %v", err)
	}
	if inst.ProfileID != "" {
		t.Fatalf("instance still linked to %s", inst.ProfileID)
	}
}
