package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voicevault/internal/gateway"
	"github.com/codebuildervaibhav/voicevault/internal/media"
	"github.com/codebuildervaibhav/voicevault/internal/notify"
	"github.com/codebuildervaibhav/voicevault/internal/similarity"
	"github.com/codebuildervaibhav/voicevault/internal/speakers"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// fakeGateway scripts the external service responses
type fakeGateway struct {
	transcribe      func() (*gateway.TranscribeResult, error)
	diarize         func() (*gateway.DiarizeResult, error)
	task            func(taskID string) (*gateway.TaskState, error)
	transcribeCalls int64
	diarizeCalls    int64
}

func (f *fakeGateway) Transcribe(ctx context.Context, taskID, audioPath, language string) (*gateway.TranscribeResult, error) {
	atomic.AddInt64(&f.transcribeCalls, 1)
	if f.transcribe != nil {
		return f.transcribe()
	}
	return &gateway.TranscribeResult{}, nil
}

func (f *fakeGateway) Diarize(ctx context.Context, taskID, audioPath string, minSpeakers, maxSpeakers int) (*gateway.DiarizeResult, error) {
	atomic.AddInt64(&f.diarizeCalls, 1)
	if f.diarize != nil {
		return f.diarize()
	}
	return &gateway.DiarizeResult{}, nil
}

func (f *fakeGateway) TaskStatus(ctx context.Context, taskID string) (*gateway.TaskState, error) {
	if f.task != nil {
		return f.task(taskID)
	}
	return nil, gateway.ErrHistoryUnavailable
}

type pipeFixture struct {
	db        *storage.DB
	gw        *fakeGateway
	bus       *notify.Bus
	engine    *speakers.Engine
	index     *similarity.Memory
	coord     *Coordinator
	outputDir string
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gw := &fakeGateway{}
	bus := notify.NewBus(100)
	index := similarity.NewMemory()
	engine := speakers.NewEngine(db, index, speakers.DefaultConfig())
	outputDir := t.TempDir()
	local := storage.NewLocalStorage(t.TempDir(), outputDir)

	config := Config{
		Workers:           1,
		GPUSlots:          1,
		CPUSlots:          1,
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
		HeartbeatStale:    time.Minute,
		ReconcileInterval: 0, // swept manually in tests
		TempDir:           t.TempDir(),
	}

	coord := NewCoordinator(db, gw, engine, bus, local, nil, config)
	return &pipeFixture{db: db, gw: gw, bus: bus, engine: engine, index: index,
		coord: coord, outputDir: outputDir}
}

func (f *pipeFixture) newFile(t *testing.T, id, userID string) *types.MediaFile {
	t.Helper()
	file := &types.MediaFile{
		ID: id, UserID: userID, Name: id + ".wav", Path: "/tmp/" + id + ".wav",
		SourceType: types.SourceUpload, CreatedAt: time.Now(),
	}
	if err := f.db.CreateFile(file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return file
}

// enqueueAtTranscribe enqueues a job and pre-commits the probe and
// normalize stages, so the worker picks it up at the transcribe stage
// without needing ffmpeg on the test host
func (f *pipeFixture) enqueueAtTranscribe(t *testing.T, file *types.MediaFile) *types.MediaJob {
	t.Helper()
	job, err := f.coord.Enqueue(file)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	probe, _ := json.Marshal(media.Probe{Format: "wav", Duration: 2, HasAudio: true})
	if err := f.db.CommitStage(job.ID, types.StageProbing, probe,
		types.StageNormalizing, ProgressAfter(types.StageProbing)); err != nil {
		t.Fatalf("commit probe: %v", err)
	}
	norm, _ := json.Marshal(normalizeResult{NormalizedPath: filepath.Join(os.TempDir(), job.ID+".wav")})
	if err := f.db.CommitStage(job.ID, types.StageNormalizing, norm,
		types.StageTranscribing, ProgressAfter(types.StageNormalizing)); err != nil {
		t.Fatalf("commit normalize: %v", err)
	}
	return job
}

func (f *pipeFixture) waitTerminal(t *testing.T, jobID string) *types.MediaJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.db.GetJob(jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func TestEnqueueRejectsSecondActiveJob(t *testing.T) {
	f := newPipeFixture(t)
	file := f.newFile(t, "f1", "u1")

	if _, err := f.coord.Enqueue(file); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := f.coord.Enqueue(file); err != ErrActiveJob {
		t.Fatalf("second enqueue err = %v, want ErrActiveJob", err)
	}
}

func TestPipelineCompletesJob(t *testing.T) {
	f := newPipeFixture(t)
	f.gw.transcribe = func() (*gateway.TranscribeResult, error) {
		return &gateway.TranscribeResult{
			DetectedLanguage: "en",
			Segments: []gateway.Segment{
				{Start: 0, End: 1.5, Text: "hello there", Confidence: 0.9},
				{Start: 1.5, End: 3, Text: "hi yourself", Confidence: 0.8},
			},
		}, nil
	}
	f.gw.diarize = func() (*gateway.DiarizeResult, error) {
		return &gateway.DiarizeResult{
			Turns: []gateway.Turn{
				{Start: 0, End: 1.5, SpeakerLabel: "SPEAKER_00"},
				{Start: 1.5, End: 3, SpeakerLabel: "SPEAKER_01"},
			},
			Embeddings: []gateway.Embedding{
				{SpeakerLabel: "SPEAKER_00", Vector: []float32{1, 0}},
				{SpeakerLabel: "SPEAKER_01", Vector: []float32{0, 1}},
			},
		}, nil
	}

	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusSucceeded {
		t.Fatalf("status = %s (%s: %s), want SUCCEEDED", done.Status, done.ErrorKind, done.ErrorMessage)
	}
	if done.Progress != 100 {
		t.Fatalf("progress = %d, want 100", done.Progress)
	}

	segments, err := f.db.SegmentsByFile("f1")
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].SpeakerInstanceID == "" || segments[1].SpeakerInstanceID == "" {
		t.Fatal("segments not attributed to speakers")
	}
	if segments[0].SpeakerInstanceID == segments[1].SpeakerInstanceID {
		t.Fatal("different turns should map to different instances")
	}

	instances, err := f.db.InstancesByFile("f1")
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}

	// Transcript export landed on disk
	found := false
	filepath.Walk(f.outputDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".txt" {
			found = true
		}
		return nil
	})
	if !found {
		t.Fatal("transcript export not written")
	}

	// Progress and completion events were published
	var sawProgress, sawCompleted bool
	for _, ev := range f.bus.Since(0) {
		switch ev.Type {
		case notify.EventJobProgress:
			sawProgress = true
		case notify.EventJobCompleted:
			sawCompleted = true
			if ev.Status != types.StatusSucceeded {
				t.Fatalf("completed event status = %s", ev.Status)
			}
		}
	}
	if !sawProgress || !sawCompleted {
		t.Fatalf("events missing: progress=%v completed=%v", sawProgress, sawCompleted)
	}
}

// TestSilentClipSucceedsEmpty: silence-only audio completes with zero
// segments and zero instances rather than failing.
func TestSilentClipSucceedsEmpty(t *testing.T) {
	f := newPipeFixture(t)

	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", done.Status, done.ErrorMessage)
	}

	segments, _ := f.db.SegmentsByFile("f1")
	if len(segments) != 0 {
		t.Fatalf("got %d segments, want 0", len(segments))
	}
	instances, _ := f.db.InstancesByFile("f1")
	if len(instances) != 0 {
		t.Fatalf("got %d instances, want 0", len(instances))
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	f := newPipeFixture(t)
	f.gw.transcribe = func() (*gateway.TranscribeResult, error) {
		return nil, &gateway.CallError{Op: "transcribe", StatusCode: 503,
			Message: "overloaded", Transient: true}
	}

	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if done.ErrorKind != types.ErrKindExhaustedRetries {
		t.Fatalf("error kind = %s, want EXHAUSTED_RETRIES", done.ErrorKind)
	}
	if calls := atomic.LoadInt64(&f.gw.transcribeCalls); calls != 4 {
		t.Fatalf("transcribe calls = %d, want 4 (1 + 3 retries)", calls)
	}
}

func TestFatalFailureFailsImmediately(t *testing.T) {
	f := newPipeFixture(t)
	f.gw.transcribe = func() (*gateway.TranscribeResult, error) {
		return nil, &gateway.CallError{Op: "transcribe", StatusCode: 422,
			Message: "unsupported audio", Transient: false}
	}

	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusFailed || done.ErrorKind != types.ErrKindFatal {
		t.Fatalf("got %s/%s, want FAILED/FATAL", done.Status, done.ErrorKind)
	}
	if calls := atomic.LoadInt64(&f.gw.transcribeCalls); calls != 1 {
		t.Fatalf("transcribe calls = %d, want 1", calls)
	}
}

// TestCancelHonoredAtStageBoundary: a cancel during transcription lands
// after that stage commits; the committed result is kept and diarization
// never runs.
func TestCancelHonoredAtStageBoundary(t *testing.T) {
	f := newPipeFixture(t)

	file := f.newFile(t, "f1", "u1")
	var jobID string

	f.gw.transcribe = func() (*gateway.TranscribeResult, error) {
		if err := f.coord.Cancel(jobID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return &gateway.TranscribeResult{
			Segments: []gateway.Segment{{Start: 0, End: 1, Text: "kept", Confidence: 0.9}},
		}, nil
	}

	job := f.enqueueAtTranscribe(t, file)
	jobID = job.ID

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", done.Status)
	}

	// The transcribe stage committed before the cancel was honored
	if _, err := f.db.StageResult(job.ID, types.StageTranscribing); err != nil {
		t.Fatalf("transcribe result should be committed: %v", err)
	}
	if calls := atomic.LoadInt64(&f.gw.diarizeCalls); calls != 0 {
		t.Fatalf("diarize calls = %d, want 0", calls)
	}
}

// TestRedeliveredStageNotReExecuted: when a stage's result was already
// committed by a previous incarnation of the job, the worker advances
// past it using the stored payload instead of re-running the work.
func TestRedeliveredStageNotReExecuted(t *testing.T) {
	f := newPipeFixture(t)
	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	// The transcribe result landed durably but the job was handed back
	// still pointing at the transcribe stage
	payload, _ := json.Marshal(&gateway.TranscribeResult{
		Segments: []gateway.Segment{{Start: 0, End: 1, Text: "already done", Confidence: 0.9}},
	})
	if err := f.db.CommitStage(job.ID, types.StageTranscribing, payload,
		types.StageTranscribing, ProgressAfter(types.StageNormalizing)); err != nil {
		t.Fatalf("seed redelivered result: %v", err)
	}

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", done.Status, done.ErrorMessage)
	}
	if calls := atomic.LoadInt64(&f.gw.transcribeCalls); calls != 0 {
		t.Fatalf("transcribe calls = %d, want 0", calls)
	}

	segments, err := f.db.SegmentsByFile("f1")
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "already done" {
		t.Fatalf("segments = %+v, want the stored result applied", segments)
	}
}

// TestReconcileMarksStuckThenRetry: a running job with a stale heartbeat
// and no task history is marked stuck, freeing the file's slot for a
// fresh job.
func TestReconcileMarksStuckThenRetry(t *testing.T) {
	f := newPipeFixture(t)
	file := f.newFile(t, "f1", "u1")

	now := time.Now()
	job := &types.MediaJob{
		ID: uuid.New().String(), FileID: file.ID, UserID: file.UserID,
		Stage: types.StageTranscribing, Status: types.StatusRunning,
		MaxRetries: 3, HeartbeatAt: now.Add(-10 * time.Minute),
		CreatedAt: now.Add(-15 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute),
	}
	if err := f.db.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Retry is refused while the abandoned job still holds the slot
	if _, err := f.coord.Retry(file.ID); err != ErrActiveJob {
		t.Fatalf("retry err = %v, want ErrActiveJob", err)
	}

	if err := f.coord.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	swept, err := f.db.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if swept.Status != types.StatusFailed || swept.ErrorKind != types.ErrKindStuck {
		t.Fatalf("got %s/%s, want FAILED/STUCK", swept.Status, swept.ErrorKind)
	}

	fresh, err := f.coord.Retry(file.ID)
	if err != nil {
		t.Fatalf("retry after sweep: %v", err)
	}
	if fresh.Status != types.StatusQueued || fresh.Stage != types.StageProbing {
		t.Fatalf("retried job = %s/%s, want QUEUED/PROBING", fresh.Status, fresh.Stage)
	}
}

// TestReconcileGivesGraceToRunningTasks leaves a stale job alone when
// the service's task history still shows it in flight.
func TestReconcileGivesGraceToRunningTasks(t *testing.T) {
	f := newPipeFixture(t)
	f.gw.task = func(taskID string) (*gateway.TaskState, error) {
		return &gateway.TaskState{TaskID: taskID, State: "running"}, nil
	}

	file := f.newFile(t, "f1", "u1")
	now := time.Now()
	job := &types.MediaJob{
		ID: uuid.New().String(), FileID: file.ID, UserID: file.UserID,
		Stage: types.StageTranscribing, Status: types.StatusRunning,
		MaxRetries: 3, HeartbeatAt: now.Add(-10 * time.Minute),
		CreatedAt: now.Add(-15 * time.Minute), UpdatedAt: now,
	}
	if err := f.db.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := f.coord.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	kept, _ := f.db.GetJob(job.ID)
	if kept.Status != types.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", kept.Status)
	}
	if !kept.HeartbeatAt.After(now.Add(-time.Minute)) {
		t.Fatal("heartbeat should have been refreshed")
	}
}

// TestReconcileCorrelatesWithTaskHistory drives the sweep through a real
// HTTP gateway: a stale job whose upload reached the service stays alive
// because the service's task record, keyed by the id sent with the
// upload, still reports running; a stale job the service never saw is
// marked stuck.
func TestReconcileCorrelatesWithTaskHistory(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/transcribe":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			mu.Lock()
			seen[r.FormValue("task_id")] = true
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"segments":[],"detected_language":""}`))
		case strings.HasPrefix(r.URL.Path, "/v1/tasks/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
			mu.Lock()
			known := seen[id]
			mu.Unlock()
			if !known {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"task_id":%q,"state":"running"}`, id)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newPipeFixture(t)
	gw := gateway.NewHTTPGateway(srv.URL, srv.URL, time.Minute)
	coord := NewCoordinator(f.db, gw, f.engine, f.bus, nil, nil, Config{
		Workers:        1,
		HeartbeatStale: time.Minute,
	})

	now := time.Now()
	staleJob := func(fileID string) *types.MediaJob {
		file := f.newFile(t, fileID, "u1")
		job := &types.MediaJob{
			ID: uuid.New().String(), FileID: file.ID, UserID: file.UserID,
			Stage: types.StageTranscribing, Status: types.StatusRunning,
			MaxRetries: 3, HeartbeatAt: now.Add(-10 * time.Minute),
			CreatedAt: now.Add(-15 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute),
		}
		if err := f.db.CreateJob(job); err != nil {
			t.Fatalf("create job: %v", err)
		}
		return job
	}
	live := staleJob("f-live")
	lost := staleJob("f-lost")

	// The live job's upload reached the service before the worker died
	audio := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(audio, []byte("RIFFxxxxWAVE"), 0644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if _, err := gw.Transcribe(context.Background(), live.ID, audio, ""); err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if err := coord.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	kept, _ := f.db.GetJob(live.ID)
	if kept.Status != types.StatusRunning {
		t.Fatalf("live job status = %s (%s), want RUNNING", kept.Status, kept.ErrorKind)
	}
	if !kept.HeartbeatAt.After(now.Add(-time.Minute)) {
		t.Fatal("live job heartbeat should have been refreshed")
	}

	swept, _ := f.db.GetJob(lost.ID)
	if swept.Status != types.StatusFailed || swept.ErrorKind != types.ErrKindStuck {
		t.Fatalf("lost job = %s/%s, want FAILED/STUCK", swept.Status, swept.ErrorKind)
	}
}

// TestSecondFileSurfacesSuggestion: a voice already in the library makes
// the next file's matching instance arrive with a pending suggestion and
// a suggestion event.
func TestSecondFileSurfacesSuggestion(t *testing.T) {
	f := newPipeFixture(t)

	voice := []float32{0.3, 0.8, 0.5}
	prior := f.newFile(t, "f0", "u1")
	existing := types.SpeakerInstance{
		ID: "prior-inst", FileID: prior.ID, UserID: "u1",
		Label: "SPEAKER_00", Embedding: voice,
	}
	if err := f.db.ReplaceFileData(prior.ID, nil, []types.SpeakerInstance{existing}); err != nil {
		t.Fatalf("seed prior file: %v", err)
	}
	if err := f.engine.IndexInstance(&existing); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	f.gw.transcribe = func() (*gateway.TranscribeResult, error) {
		return &gateway.TranscribeResult{
			Segments: []gateway.Segment{{Start: 0, End: 2, Text: "same voice", Confidence: 0.9}},
		}, nil
	}
	f.gw.diarize = func() (*gateway.DiarizeResult, error) {
		return &gateway.DiarizeResult{
			Turns:      []gateway.Turn{{Start: 0, End: 2, SpeakerLabel: "SPEAKER_00"}},
			Embeddings: []gateway.Embedding{{SpeakerLabel: "SPEAKER_00", Vector: voice}},
		}, nil
	}

	file := f.newFile(t, "f1", "u1")
	job := f.enqueueAtTranscribe(t, file)

	f.coord.Start()
	defer f.coord.Stop()

	done := f.waitTerminal(t, job.ID)
	if done.Status != types.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", done.Status, done.ErrorMessage)
	}

	instances, err := f.db.InstancesByFile("f1")
	if err != nil || len(instances) != 1 {
		t.Fatalf("instances = %d (%v), want 1", len(instances), err)
	}
	suggestions, err := f.engine.ListSuggestions("u1", instances[0].ID)
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].CandidateID != "prior-inst" {
		t.Fatalf("suggestions = %+v, want one pointing at prior-inst", suggestions)
	}

	sawSuggestion := false
	for _, ev := range f.bus.Since(0) {
		if ev.Type == notify.EventSpeakerSuggestion && ev.CandidateID == "prior-inst" {
			sawSuggestion = true
		}
	}
	if !sawSuggestion {
		t.Fatal("speaker.suggestion event not published")
	}
}

// commitResolvePlan stores a hand-built persist plan as the job's
// committed resolve result, leaving the job at the persist stage
func (f *pipeFixture) commitResolvePlan(t *testing.T, jobID string, plan *persistPlan) {
	t.Helper()
	payload, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	if err := f.db.CommitStage(jobID, types.StageResolving, payload,
		types.StagePersisting, ProgressAfter(types.StageResolving)); err != nil {
		t.Fatalf("commit resolve: %v", err)
	}
}

// TestPersistReplayFoldsCentroidOnce: re-running the persist stage after
// a crash must not fold the same embedding into the profile centroid a
// second time.
func TestPersistReplayFoldsCentroidOnce(t *testing.T) {
	f := newPipeFixture(t)
	file := f.newFile(t, "f1", "u1")

	profile := &types.SpeakerProfile{
		ID: "p1", UserID: "u1", DisplayName: "Alice",
		Centroid: []float32{1, 0}, InstanceCount: 1, UpdatedAt: time.Now(),
	}
	if err := f.db.CreateProfile(profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	job, err := f.coord.Enqueue(file)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	f.commitResolvePlan(t, job.ID, &persistPlan{Instances: []plannedInstance{{
		Instance: types.SpeakerInstance{
			ID: "inst-1", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			ProfileID: "p1", DisplayName: "Alice", Confidence: 0.9,
			CreatedAt: now, UpdatedAt: now,
		},
		Embedding:  []float32{1, 0},
		AutoLinked: true,
	}}})

	if _, err := f.coord.stagePersist(job, file); err != nil {
		t.Fatalf("persist: %v", err)
	}
	// A crash before the stage commit re-runs the same stage
	if _, err := f.coord.stagePersist(job, file); err != nil {
		t.Fatalf("replayed persist: %v", err)
	}

	p, err := f.db.GetProfile("p1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.InstanceCount != 2 {
		t.Fatalf("instance count = %d after replay, want 2", p.InstanceCount)
	}
}

// TestPersistEvictsReplacedVectors: when a re-run replaces a file's
// instance rows, the superseded vectors leave the similarity index.
func TestPersistEvictsReplacedVectors(t *testing.T) {
	f := newPipeFixture(t)
	file := f.newFile(t, "f1", "u1")

	old := types.SpeakerInstance{
		ID: "old-inst", FileID: "f1", UserID: "u1",
		Label: "SPEAKER_00", Embedding: []float32{1, 0},
	}
	if err := f.db.ReplaceFileData("f1", nil, []types.SpeakerInstance{old}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.engine.IndexInstance(&old); err != nil {
		t.Fatalf("index: %v", err)
	}

	job, err := f.coord.Enqueue(file)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	f.commitResolvePlan(t, job.ID, &persistPlan{Instances: []plannedInstance{{
		Instance: types.SpeakerInstance{
			ID: "new-inst", FileID: "f1", UserID: "u1", Label: "SPEAKER_00",
			CreatedAt: now, UpdatedAt: now,
		},
		Embedding: []float32{0, 1},
	}}})

	if _, err := f.coord.stagePersist(job, file); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if got := f.index.Len("u1"); got != 1 {
		t.Fatalf("index size = %d, want 1", got)
	}
	matches, err := f.index.Query("u1", []float32{1, 0}, 5, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, m := range matches {
		if m.VectorID == "old-inst" {
			t.Fatal("replaced vector still in index")
		}
	}
}

func TestStageMachine(t *testing.T) {
	if got := NextStage(types.StageProbing); got != types.StageNormalizing {
		t.Fatalf("NextStage(PROBING) = %s", got)
	}
	if got := NextStage(types.StageNotifying); got != "" {
		t.Fatalf("NextStage(NOTIFYING) = %s, want empty", got)
	}
	if !ValidTransition(types.StageDiarizing, types.StageResolving) {
		t.Fatal("DIARIZING -> RESOLVING should be legal")
	}
	if ValidTransition(types.StageResolving, types.StageDiarizing) {
		t.Fatal("backward transition should be illegal")
	}
	if ValidTransition(types.StageProbing, types.StageTranscribing) {
		t.Fatal("stage skipping should be illegal")
	}
	if got := ProgressAfter(types.StageNotifying); got != 100 {
		t.Fatalf("ProgressAfter(NOTIFYING) = %d, want 100", got)
	}

	total := 0
	for _, s := range types.StageOrder {
		total += types.StageWeights[s]
	}
	if total != 100 {
		t.Fatalf("stage weights sum to %d, want 100", total)
	}
}
