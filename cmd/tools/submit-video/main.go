// Command submit-video stages a local media file and enqueues it for
// transcoding, emitting the upload progress stages a front-end would.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"vodforge/internal/media"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/transcode"
)

func main() {
	input := flag.String("input", "", "path to the source media file")
	videoID := flag.String("video-id", "", "catalog ID of the video (generated when empty)")
	stagingDir := flag.String("staging", "", "directory the source is copied into before transcoding (optional)")
	outputRoot := flag.String("output-root", "./work", "base directory for transcoded output")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisPassword := flag.String("redis-password", "", "Redis password")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	source := strings.TrimSpace(*input)
	if source == "" {
		logger.Error("input file required", "hint", "set --input")
		os.Exit(1)
	}
	if !media.IsVideoFile(source) {
		logger.Error("unsupported media extension", "path", source)
		os.Exit(1)
	}

	id := strings.TrimSpace(*videoID)
	if id == "" {
		id = uuid.NewString()
	}

	addr := strings.TrimSpace(*redisAddr)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv("VODFORGE_REDIS_ADDR"))
	}
	password := strings.TrimSpace(*redisPassword)
	if password == "" {
		password = os.Getenv("VODFORGE_REDIS_PASSWORD")
	}

	client, err := queue.NewRedisClient(queue.RedisConfig{Addr: addr, Password: password})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx := context.Background()
	publisher := progress.NewPublisher(progress.PublisherConfig{
		Bus:    progress.NewRedisBus(client, 0),
		Logger: logger,
	})

	publisher.Stage(ctx, id, progress.StageUploadStart)
	inputPath := source
	if staging := strings.TrimSpace(*stagingDir); staging != "" {
		staged, err := stageFile(source, staging, id)
		if err != nil {
			logger.Error("failed to stage input", "error", err)
			publisher.Stage(ctx, id, progress.StageError)
			os.Exit(1)
		}
		inputPath = staged
	}
	publisher.Stage(ctx, id, progress.StageUploadComplete)

	transcodeQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client: client,
		Name:   transcode.QueueName,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise transcode queue", "error", err)
		os.Exit(1)
	}
	jobID, err := transcode.Enqueue(ctx, transcodeQueue, media.TranscodeJob{
		VideoID:        id,
		InputPath:      inputPath,
		BaseOutputPath: *outputRoot,
	})
	if err != nil {
		logger.Error("failed to enqueue transcode job", "error", err)
		publisher.Stage(ctx, id, progress.StageError)
		os.Exit(1)
	}
	logger.Info("video submitted", "video", id, "job", jobID, "input", inputPath)
}

// stageFile copies the source into the staging directory under a
// video-scoped name so the original stays untouched.
func stageFile(source, staging, videoID string) (string, error) {
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(staging, videoID+filepath.Ext(source))
	in, err := os.Open(source)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return target, nil
}
