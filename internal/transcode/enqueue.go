package transcode

import (
	"context"
	"strings"
	"time"

	"vodforge/internal/media"
	"vodforge/internal/pipeline"
	"vodforge/internal/queue"
)

// Enqueue submits a transcode job with the pipeline's retry policy: five
// attempts with exponential backoff from one second, terminal jobs removed.
func Enqueue(ctx context.Context, q queue.Queue, job media.TranscodeJob) (string, error) {
	if strings.TrimSpace(job.VideoID) == "" {
		return "", pipeline.MissingField("videoId")
	}
	if strings.TrimSpace(job.InputPath) == "" {
		return "", pipeline.MissingField("inputPath")
	}
	if strings.TrimSpace(job.BaseOutputPath) == "" {
		return "", pipeline.MissingField("baseOutputPath")
	}
	return q.Enqueue(ctx, job, queue.Options{
		Attempts:         5,
		Backoff:          queue.Exponential(time.Second),
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	})
}
