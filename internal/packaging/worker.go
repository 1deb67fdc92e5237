// Package packaging turns transcoded rendition files into HLS output: one
// segmented sub-playlist per rendition plus a master playlist, with each
// source file deleted as soon as its rendition is packaged.
package packaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/encoder"
	"vodforge/internal/media"
	"vodforge/internal/observability/logging"
	"vodforge/internal/pipeline"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
)

// QueueName is the durable queue packaging jobs travel on.
const QueueName = "video:package"

// Completer receives the packaged output tree once every rendition has been
// segmented and the master playlist written.
type Completer interface {
	Complete(ctx context.Context, videoID, hlsDir string, renditions []string) error
}

// Config wires a packaging Worker.
type Config struct {
	Runner    encoder.Runner
	Publisher *progress.Publisher
	Completer Completer
	Logger    *slog.Logger
}

// Worker consumes packaging jobs from the queue.
type Worker struct {
	runner    encoder.Runner
	publisher *progress.Publisher
	completer Completer
	logger    *slog.Logger
}

// NewWorker builds a packaging worker. Completer may be nil when no
// post-packaging step is wanted.
func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner:    cfg.Runner,
		publisher: cfg.Publisher,
		completer: cfg.Completer,
		logger:    logger,
	}
}

// Handle processes one packaging job. Validation failures reject the job so
// the queue will not retry them.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var payload media.PackagingJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Reject(fmt.Errorf("decode packaging job: %w", err))
	}
	if strings.TrimSpace(payload.VideoID) == "" {
		return queue.Reject(pipeline.MissingField("videoId"))
	}
	if strings.TrimSpace(payload.OutputDir) == "" {
		return queue.Reject(pipeline.MissingField("outputDir"))
	}

	ctx = logging.ContextWithItemID(ctx, payload.VideoID)
	logger := logging.WithContext(ctx, w.logger).With("attempt", job.Attempt)
	logger.Info("packaging started", "dir", payload.OutputDir)
	w.publisher.Stage(ctx, payload.VideoID, progress.StagePackageStart)

	sources, err := scanSources(payload.OutputDir)
	if err != nil {
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return err
	}
	if len(sources) == 0 {
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return queue.Reject(fmt.Errorf("no packageable sources in %s", payload.OutputDir))
	}

	hlsDir := filepath.Join(payload.OutputDir, "hls")

	var (
		mu        sync.Mutex
		completed []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for name, source := range sources {
		name, source := name, source
		group.Go(func() error {
			if err := w.segment(groupCtx, name, source, filepath.Join(hlsDir, name)); err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, name)
			mu.Unlock()
			// The source is consumed the moment its rendition is packaged;
			// a retry after partial failure packages whatever remains.
			return pipeline.RemoveFile(source, logger)
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("packaging failed", "error", err)
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return err
	}

	sort.Strings(completed)
	if _, err := WriteMaster(hlsDir, completed); err != nil {
		logger.Error("master playlist write failed", "error", err)
		w.publisher.Stage(ctx, payload.VideoID, progress.StageError)
		return err
	}

	logger.Info("packaging complete", "renditions", len(completed))
	w.publisher.Stage(ctx, payload.VideoID, progress.StagePackageDone)

	if w.completer != nil {
		if err := w.completer.Complete(ctx, payload.VideoID, hlsDir, completed); err != nil {
			logger.Warn("completion hook failed", "error", err)
		}
	}
	return nil
}

// segment packages one rendition into its own playlist directory.
func (w *Worker) segment(ctx context.Context, name, source, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &pipeline.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	spec := encoder.RunSpec{
		Name: "package:" + name,
		Args: []string{
			"-i", source,
			"-profile:v", "baseline",
			"-level", "3.0",
			"-start_number", "0",
			"-hls_time", "4",
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(dir, "index%d.ts"),
			"-force_key_frames", "expr:gte(t,n_forced*2)",
			"-f", "hls",
			filepath.Join(dir, "index.m3u8"),
		},
	}
	if err := w.runner.Run(ctx, spec); err != nil {
		return &pipeline.EncodingError{Rendition: name, Err: err}
	}
	return nil
}

// scanSources lists the packageable rendition files in dir, keyed by
// rendition name. Files outside the extension allowlist or the rendition
// ladder are skipped.
func scanSources(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &pipeline.FilesystemError{Op: "readdir", Path: dir, Err: err}
	}
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !media.IsVideoFile(entry.Name()) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, ok := media.LookupRendition(name); !ok {
			continue
		}
		sources[name] = filepath.Join(dir, entry.Name())
	}
	return sources, nil
}
