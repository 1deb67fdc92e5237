// Package transcode consumes upload jobs and produces one MP4 per rendition
// in the ladder, fanning the encodes out concurrently and reporting
// aggregate progress while they run.
package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/encoder"
	"vodforge/internal/media"
	"vodforge/internal/observability/logging"
	"vodforge/internal/pipeline"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
)

// QueueName is the durable queue transcode jobs travel on.
const QueueName = "video:transcode"

// Config wires a transcode Worker.
type Config struct {
	Runner    encoder.Runner
	Publisher *progress.Publisher
	Packaging queue.Queue
	Ladder    []media.Rendition
	Logger    *slog.Logger
}

// Worker consumes transcode jobs from the queue and hands finished outputs
// to the packaging queue.
type Worker struct {
	runner    encoder.Runner
	publisher *progress.Publisher
	packaging queue.Queue
	ladder    []media.Rendition
	logger    *slog.Logger
}

// NewWorker builds a transcode worker using the default rendition ladder
// unless one is supplied.
func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = media.DefaultLadder
	}
	return &Worker{
		runner:    cfg.Runner,
		publisher: cfg.Publisher,
		packaging: cfg.Packaging,
		ladder:    ladder,
		logger:    logger,
	}
}

// Handle processes one transcode job: probe, fan out one encode per
// rendition, delete the input, and enqueue packaging. The first rendition
// failure cancels its siblings and fails the attempt.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var payload media.TranscodeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Reject(fmt.Errorf("decode transcode job: %w", err))
	}
	if strings.TrimSpace(payload.VideoID) == "" {
		return queue.Reject(pipeline.MissingField("videoId"))
	}
	if strings.TrimSpace(payload.InputPath) == "" {
		return queue.Reject(pipeline.MissingField("inputPath"))
	}
	if strings.TrimSpace(payload.BaseOutputPath) == "" {
		return queue.Reject(pipeline.MissingField("baseOutputPath"))
	}

	ctx = logging.ContextWithItemID(ctx, payload.VideoID)
	logger := logging.WithContext(ctx, w.logger).With("attempt", job.Attempt)
	logger.Info("transcode started", "input", payload.InputPath)
	w.publisher.Stage(ctx, payload.VideoID, progress.StageTranscodeStart)

	outputDir := filepath.Join(payload.BaseOutputPath, payload.VideoID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return &pipeline.FilesystemError{Op: "mkdir", Path: outputDir, Err: err}
	}

	duration, err := w.runner.Probe(ctx, payload.InputPath)
	if err != nil {
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return fmt.Errorf("probe input: %w", err)
	}

	tracker := newMinTracker(w.ladder)
	sources := make([]string, len(w.ladder))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, rendition := range w.ladder {
		rendition := rendition
		out := filepath.Join(outputDir, rendition.Name+".mp4")
		sources[i] = out
		group.Go(func() error {
			spec := encoder.RunSpec{
				Name:     "transcode:" + rendition.Name,
				Duration: duration,
				Args: []string{
					"-i", payload.InputPath,
					"-vf", fmt.Sprintf("scale=-2:%d", rendition.Height),
					"-c:v", "libx264",
					"-preset", "veryfast",
					"-crf", "23",
					"-c:a", "aac",
					"-b:a", "128k",
					out,
				},
				OnProgress: func(fraction float64) {
					overall := tracker.update(rendition.Name, fraction)
					w.publisher.Advance(groupCtx, payload.VideoID, progress.StageTranscodeStart, overall)
				},
			}
			if err := w.runner.Run(groupCtx, spec); err != nil {
				return &pipeline.EncodingError{Rendition: rendition.Name, Err: err}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("transcode failed", "error", err)
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return err
	}

	logger.Info("transcode complete", "renditions", len(w.ladder))
	w.publisher.Stage(ctx, payload.VideoID, progress.StageTranscodeDone)

	if err := pipeline.RemoveFile(payload.InputPath, logger); err != nil {
		// The renditions are already on disk; losing the input cleanup
		// is not worth re-encoding everything.
		logger.Warn("input cleanup failed", "path", payload.InputPath, "error", err)
	}

	next := media.PackagingJob{
		VideoID:     payload.VideoID,
		OutputDir:   outputDir,
		SourceFiles: sources,
	}
	if _, err := w.packaging.Enqueue(ctx, next, queue.Options{
		Attempts:         3,
		Backoff:          queue.Exponential(5 * time.Second),
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}); err != nil {
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return fmt.Errorf("enqueue packaging: %w", err)
	}
	return nil
}

// minTracker aggregates per-rendition fractions into the slowest task's
// progress, so the published percent never runs ahead of unfinished work.
type minTracker struct {
	mu        sync.Mutex
	fractions map[string]float64
}

func newMinTracker(ladder []media.Rendition) *minTracker {
	fractions := make(map[string]float64, len(ladder))
	for _, rendition := range ladder {
		fractions[rendition.Name] = 0
	}
	return &minTracker{fractions: fractions}
}

func (t *minTracker) update(name string, fraction float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fraction > t.fractions[name] {
		t.fractions[name] = fraction
	}
	overall := 1.0
	for _, f := range t.fractions {
		if f < overall {
			overall = f
		}
	}
	return overall
}
