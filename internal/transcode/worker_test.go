package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/encoder"
	"vodforge/internal/media"
	"vodforge/internal/pipeline"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
)

// fakeEncoder records the specs it is asked to run and writes the output
// file a real encode would leave behind.
type fakeEncoder struct {
	mu       sync.Mutex
	specs    []encoder.RunSpec
	duration time.Duration
	probeErr error
	fail     map[string]error
	progress []float64
}

func (f *fakeEncoder) Probe(ctx context.Context, input string) (time.Duration, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	if f.duration == 0 {
		return 10 * time.Second, nil
	}
	return f.duration, nil
}

func (f *fakeEncoder) Run(ctx context.Context, spec encoder.RunSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if err, ok := f.fail[spec.Name]; ok {
		return err
	}
	for _, fraction := range f.progress {
		spec.OnProgress(fraction)
	}
	out := spec.Args[len(spec.Args)-1]
	return os.WriteFile(out, []byte("encoded"), 0o644)
}

type capturedEnqueue struct {
	payload media.PackagingJob
	opts    queue.Options
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []capturedEnqueue
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, payload any, opts queue.Options) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var job media.PackagingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.enqueued = append(q.enqueued, capturedEnqueue{payload: job, opts: opts})
	q.mu.Unlock()
	return "job-1", nil
}

func (q *fakeQueue) Consume(ctx context.Context, handler queue.Handler) error { return nil }

func (q *fakeQueue) Name() string { return "video:package" }

type eventBus struct {
	mu     sync.Mutex
	events []progress.Event
}

func (b *eventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var event progress.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	return nil
}

func (b *eventBus) PSubscribe(pattern string) progress.Subscription { return nil }

func (b *eventBus) stages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, event := range b.events {
		out[i] = event.Stage
	}
	return out
}

func transcodeJob(t *testing.T, payload media.TranscodeJob) queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: "job-1", Payload: data, Attempt: 1, MaxAttempts: 5}
}

func seedInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.mp4")
	if err := os.WriteFile(path, []byte("raw"), 0o644); err != nil {
		t.Fatalf("seed input: %v", err)
	}
	return path
}

func TestWorkerTranscodesFullLadder(t *testing.T) {
	input := seedInput(t)
	base := t.TempDir()

	runner := &fakeEncoder{}
	bus := &eventBus{}
	packaging := &fakeQueue{}
	worker := NewWorker(Config{
		Runner:    runner,
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: bus}),
		Packaging: packaging,
	})

	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: base})
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(runner.specs) != 3 {
		t.Fatalf("encodes = %d, want 3", len(runner.specs))
	}
	outputDir := filepath.Join(base, "v1")
	for _, name := range []string{"360p", "720p", "1080p"} {
		if _, err := os.Stat(filepath.Join(outputDir, name+".mp4")); err != nil {
			t.Fatalf("rendition output missing: %v", err)
		}
	}
	// The upload is consumed once every rendition exists.
	if _, err := os.Stat(input); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("input not removed: %v", err)
	}

	stages := bus.stages()
	if stages[0] != "transcode_start" || stages[len(stages)-1] != "transcode_done" {
		t.Fatalf("stages = %v", stages)
	}

	if len(packaging.enqueued) != 1 {
		t.Fatalf("packaging enqueues = %d, want 1", len(packaging.enqueued))
	}
	next := packaging.enqueued[0]
	if next.payload.VideoID != "v1" || next.payload.OutputDir != outputDir {
		t.Fatalf("packaging payload = %+v", next.payload)
	}
	if len(next.payload.SourceFiles) != 3 {
		t.Fatalf("source files = %v", next.payload.SourceFiles)
	}
	if next.opts.Attempts != 3 {
		t.Fatalf("packaging attempts = %d, want 3", next.opts.Attempts)
	}
	if next.opts.Backoff.Type != queue.BackoffExponential || next.opts.Backoff.DelayMs != 5000 {
		t.Fatalf("packaging backoff = %+v", next.opts.Backoff)
	}
	if !next.opts.RemoveOnComplete || !next.opts.RemoveOnFail {
		t.Fatalf("packaging cleanup flags = %+v", next.opts)
	}
}

func TestWorkerEncodeArguments(t *testing.T) {
	input := seedInput(t)
	base := t.TempDir()

	runner := &fakeEncoder{duration: 42 * time.Second}
	worker := NewWorker(Config{
		Runner:    runner,
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: &eventBus{}}),
		Packaging: &fakeQueue{},
		Ladder:    []media.Rendition{{Name: "360p", Height: 360}},
	})
	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: base})
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	spec := runner.specs[0]
	if spec.Name != "transcode:360p" {
		t.Fatalf("spec name = %s", spec.Name)
	}
	if spec.Duration != 42*time.Second {
		t.Fatalf("spec duration = %v", spec.Duration)
	}
	wantArgs := []string{
		"-i", input,
		"-vf", "scale=-2:360",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		filepath.Join(base, "v1", "360p.mp4"),
	}
	if len(spec.Args) != len(wantArgs) {
		t.Fatalf("args = %v", spec.Args)
	}
	for i := range wantArgs {
		if spec.Args[i] != wantArgs[i] {
			t.Fatalf("arg[%d] = %s, want %s", i, spec.Args[i], wantArgs[i])
		}
	}
}

func TestWorkerRenditionFailureFailsAttempt(t *testing.T) {
	input := seedInput(t)
	base := t.TempDir()

	runner := &fakeEncoder{fail: map[string]error{"transcode:720p": errors.New("encoder crashed")}}
	bus := &eventBus{}
	packaging := &fakeQueue{}
	worker := NewWorker(Config{
		Runner:    runner,
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: bus}),
		Packaging: packaging,
	})

	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: base})
	err := worker.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure")
	}
	var encErr *pipeline.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("err = %v, want EncodingError", err)
	}
	if queue.IsRejected(err) {
		t.Fatalf("encoder failures must stay retryable: %v", err)
	}
	if len(packaging.enqueued) != 0 {
		t.Fatal("packaging enqueued despite failure")
	}
	// The input survives for the retry.
	if _, err := os.Stat(input); err != nil {
		t.Fatalf("input removed on failure: %v", err)
	}
	stages := bus.stages()
	if stages[len(stages)-1] != "error" {
		t.Fatalf("stages = %v", stages)
	}
}

// stallEncoder fails one rendition only after its siblings are mid-encode,
// and makes each sibling block until its context is cancelled.
type stallEncoder struct {
	failName string
	started  chan string

	mu       sync.Mutex
	observed map[string]error
}

func (s *stallEncoder) Probe(ctx context.Context, input string) (time.Duration, error) {
	return 10 * time.Second, nil
}

func (s *stallEncoder) Run(ctx context.Context, spec encoder.RunSpec) error {
	if spec.Name == s.failName {
		// Both siblings must be running before this rendition fails.
		<-s.started
		<-s.started
		return errors.New("encoder crashed")
	}
	s.started <- spec.Name
	<-ctx.Done()
	s.mu.Lock()
	s.observed[spec.Name] = ctx.Err()
	s.mu.Unlock()
	return ctx.Err()
}

func TestWorkerRenditionFailureCancelsSiblings(t *testing.T) {
	input := seedInput(t)
	base := t.TempDir()

	runner := &stallEncoder{
		failName: "transcode:720p",
		started:  make(chan string, 2),
		observed: make(map[string]error),
	}
	worker := NewWorker(Config{
		Runner:    runner,
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: &eventBus{}}),
		Packaging: &fakeQueue{},
	})

	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: base})
	err := worker.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure")
	}
	var encErr *pipeline.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("err = %v, want EncodingError", err)
	}
	if encErr.Rendition != "720p" {
		t.Fatalf("failed rendition = %s, want 720p", encErr.Rendition)
	}

	// The in-flight siblings must have seen cancellation, not run to
	// completion against a failed attempt.
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, name := range []string{"transcode:360p", "transcode:1080p"} {
		observed, ok := runner.observed[name]
		if !ok {
			t.Fatalf("%s never observed cancellation", name)
		}
		if !errors.Is(observed, context.Canceled) {
			t.Fatalf("%s context error = %v, want context.Canceled", name, observed)
		}
	}
}

func TestWorkerLogsCarryItemID(t *testing.T) {
	input := seedInput(t)
	base := t.TempDir()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	worker := NewWorker(Config{
		Runner:    &fakeEncoder{},
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: &eventBus{}}),
		Packaging: &fakeQueue{},
		Logger:    logger,
	})
	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: base})
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(buf.String(), "item_id=v1") {
		t.Fatalf("logs missing item_id attribute: %s", buf.String())
	}
}

func TestWorkerProbeFailure(t *testing.T) {
	input := seedInput(t)

	bus := &eventBus{}
	worker := NewWorker(Config{
		Runner:    &fakeEncoder{probeErr: errors.New("no such file")},
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: bus}),
		Packaging: &fakeQueue{},
	})
	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: t.TempDir()})
	if err := worker.Handle(context.Background(), job); err == nil {
		t.Fatal("expected probe failure")
	}
	stages := bus.stages()
	if stages[len(stages)-1] != "error" {
		t.Fatalf("stages = %v", stages)
	}
}

func TestWorkerProgressTracksSlowestRendition(t *testing.T) {
	input := seedInput(t)

	// Each encode reports the same fractions, so the aggregate climbs with
	// the slowest task and the published percent never regresses.
	runner := &fakeEncoder{progress: []float64{0.25, 0.5, 1}}
	bus := &eventBus{}
	worker := NewWorker(Config{
		Runner:    runner,
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: bus}),
		Packaging: &fakeQueue{},
	})
	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: t.TempDir()})
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	prev := -1
	for _, event := range bus.events {
		if event.Percent < prev {
			t.Fatalf("percent regressed: %+v", bus.events)
		}
		prev = event.Percent
	}
}

func TestWorkerEnqueueFailure(t *testing.T) {
	input := seedInput(t)

	bus := &eventBus{}
	worker := NewWorker(Config{
		Runner:    &fakeEncoder{},
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: bus}),
		Packaging: &fakeQueue{err: errors.New("redis down")},
	})
	job := transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: input, BaseOutputPath: t.TempDir()})
	err := worker.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected enqueue failure")
	}
	if queue.IsRejected(err) {
		t.Fatalf("enqueue failures must stay retryable: %v", err)
	}
	stages := bus.stages()
	if stages[len(stages)-1] != "error" {
		t.Fatalf("stages = %v", stages)
	}
}

func TestWorkerRejectsInvalidJobs(t *testing.T) {
	worker := NewWorker(Config{
		Runner:    &fakeEncoder{},
		Publisher: progress.NewPublisher(progress.PublisherConfig{Bus: &eventBus{}}),
		Packaging: &fakeQueue{},
	})
	ctx := context.Background()

	cases := []struct {
		name string
		job  queue.Job
	}{
		{name: "malformed payload", job: queue.Job{Payload: []byte("{")}},
		{name: "missing videoId", job: transcodeJob(t, media.TranscodeJob{InputPath: "/in.mp4", BaseOutputPath: "/out"})},
		{name: "missing inputPath", job: transcodeJob(t, media.TranscodeJob{VideoID: "v1", BaseOutputPath: "/out"})},
		{name: "missing baseOutputPath", job: transcodeJob(t, media.TranscodeJob{VideoID: "v1", InputPath: "/in.mp4"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := worker.Handle(ctx, tc.job)
			if !queue.IsRejected(err) {
				t.Fatalf("err = %v, want rejected", err)
			}
		})
	}
}

func TestEnqueueAppliesRetryPolicy(t *testing.T) {
	q := &fakeQueue{}
	id, err := Enqueue(context.Background(), q, media.TranscodeJob{
		VideoID:        "v1",
		InputPath:      "/uploads/v1.mp4",
		BaseOutputPath: "/videos",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a job id")
	}
	opts := q.enqueued[0].opts
	if opts.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", opts.Attempts)
	}
	if opts.Backoff.Type != queue.BackoffExponential || opts.Backoff.DelayMs != 1000 {
		t.Fatalf("backoff = %+v", opts.Backoff)
	}
	if !opts.RemoveOnComplete || !opts.RemoveOnFail {
		t.Fatalf("cleanup flags = %+v", opts)
	}
}

func TestEnqueueValidatesFields(t *testing.T) {
	q := &fakeQueue{}
	ctx := context.Background()
	cases := []media.TranscodeJob{
		{InputPath: "/in.mp4", BaseOutputPath: "/out"},
		{VideoID: "v1", BaseOutputPath: "/out"},
		{VideoID: "v1", InputPath: "/in.mp4"},
	}
	for _, job := range cases {
		if _, err := Enqueue(ctx, q, job); err == nil {
			t.Fatalf("expected validation error for %+v", job)
		}
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("invalid jobs reached the queue: %v", q.enqueued)
	}
}
