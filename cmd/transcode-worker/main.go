// Command transcode-worker consumes transcode jobs and produces the
// per-rendition MP4 outputs consumed by the packaging stage.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/catalog"
	"vodforge/internal/encoder"
	"vodforge/internal/observability/logging"
	"vodforge/internal/packaging"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/transcode"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	workers := flag.Int("workers", 0, "concurrent jobs consumed from the queue")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the video catalog")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})

	client, err := queue.NewRedisClient(queue.RedisConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("VODFORGE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODFORGE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("VODFORGE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("VODFORGE_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("VODFORGE_REDIS_SENTINEL_MASTER")),
		PoolSize:   *redisPoolSize,
		TLS: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VODFORGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VODFORGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VODFORGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VODFORGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: *redisTLSSkipVerify,
		},
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var records catalog.Repository
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"))
	if dsn != "" {
		repo, err := catalog.NewPostgresRepository(ctx, catalog.PostgresConfig{
			DSN:             dsn,
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME")),
		})
		if err != nil {
			logger.Error("failed to open catalog", "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = repo.Close(closeCtx)
		}()
		records = repo
	}

	publisher := progress.NewPublisher(progress.PublisherConfig{
		Bus:     progress.NewRedisBus(client, 0),
		Records: records,
		Logger:  logging.WithComponent(logger, "progress"),
	})

	packagingQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client: client,
		Name:   packaging.QueueName,
		Logger: logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to initialise packaging queue", "error", err)
		os.Exit(1)
	}
	transcodeQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client:  client,
		Name:    transcode.QueueName,
		Workers: *workers,
		Logger:  logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to initialise transcode queue", "error", err)
		os.Exit(1)
	}

	worker := transcode.NewWorker(transcode.Config{
		Runner: encoder.New(encoder.Config{
			FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("VODFORGE_FFMPEG")),
			FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("VODFORGE_FFPROBE")),
			Logger:      logging.WithComponent(logger, "ffmpeg"),
		}),
		Publisher: publisher,
		Packaging: packagingQueue,
		Logger:    logging.WithComponent(logger, "transcode"),
	})

	logger.Info("transcode worker started", "queue", transcodeQueue.Name())
	if err := transcodeQueue.Consume(ctx, worker.Handle); err != nil && ctx.Err() == nil {
		logger.Error("queue consumption stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("transcode worker stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
