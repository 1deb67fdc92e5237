// Command drain-queues empties the pipeline job queues, dropping ready and
// delayed jobs alike. Useful when a bad deploy has filled the queues with
// jobs that should not run.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"vodforge/internal/packaging"
	"vodforge/internal/queue"
	"vodforge/internal/transcode"
)

func main() {
	queueNames := flag.String("queues", transcode.QueueName+","+packaging.QueueName, "comma-separated queue names to drain")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisPassword := flag.String("redis-password", "", "Redis password")
	timeout := flag.Duration("timeout", 10*time.Second, "overall time budget")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := false
	for _, name := range strings.Split(*queueNames, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		q, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Client: client,
			Name:   name,
			Logger: logger,
		})
		if err != nil {
			logger.Error("failed to initialise queue", "queue", name, "error", err)
			failed = true
			continue
		}
		ready, delayed, err := q.Drain(ctx)
		if err != nil {
			logger.Error("failed to drain queue", "queue", name, "error", err)
			failed = true
			continue
		}
		logger.Info("queue drained", "queue", name, "ready", ready, "delayed", delayed)
	}
	if failed {
		os.Exit(1)
	}
}
