package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the shared Redis client used by the queues and the
// progress bus.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedisClient builds a universal client from the configuration. The
// caller owns the client and is responsible for closing it.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		Protocol:         2,
		DisableIndentity: true,
	}), nil
}

// RedisQueueConfig configures a Redis-backed queue.
type RedisQueueConfig struct {
	Client        redis.UniversalClient
	Name          string
	Workers       int
	BlockTimeout  time.Duration
	PromoteEvery  time.Duration
	PromoteBatch  int
	Logger        *slog.Logger
}

// NewRedisQueue initialises a queue backed by a Redis list plus a sorted
// set holding delayed retries.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = 2 * time.Second
	}
	promoteEvery := cfg.PromoteEvery
	if promoteEvery <= 0 {
		promoteEvery = 250 * time.Millisecond
	}
	promoteBatch := cfg.PromoteBatch
	if promoteBatch <= 0 {
		promoteBatch = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:       cfg.Client,
		name:         name,
		readyKey:     "vodforge:q:" + name,
		delayedKey:   "vodforge:q:" + name + ":delayed",
		workers:      workers,
		blockTimeout: blockTimeout,
		promoteEvery: promoteEvery,
		promoteBatch: promoteBatch,
		logger:       logger,
	}, nil
}

// RedisQueue stores ready jobs in a list and delayed retries in a sorted
// set scored by their due time in epoch milliseconds. A promotion loop
// moves due jobs back onto the ready list.
type RedisQueue struct {
	client       redis.UniversalClient
	name         string
	readyKey     string
	delayedKey   string
	workers      int
	blockTimeout time.Duration
	promoteEvery time.Duration
	promoteBatch int
	logger       *slog.Logger
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Enqueue(ctx context.Context, payload any, opts Options) (string, error) {
	env, err := newEnvelope(uuid.NewString(), payload, opts)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, string(data)).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return env.ID, nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	go q.promoteLoop(ctx)

	done := make(chan struct{})
	for i := 0; i < q.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			q.workerLoop(ctx, handler)
		}()
	}
	for i := 0; i < q.workers; i++ {
		<-done
	}
	return ctx.Err()
}

func (q *RedisQueue) workerLoop(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		vals, err := q.client.BRPop(ctx, q.blockTimeout, q.readyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue read failed", "queue", q.name, "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if len(vals) != 2 {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(vals[1]), &env); err != nil {
			q.logger.Error("queue decode failed", "queue", q.name, "error", err)
			continue
		}
		q.process(ctx, &env, handler)
	}
}

func (q *RedisQueue) process(ctx context.Context, env *envelope, handler Handler) {
	err := handler(ctx, env.job())
	if err == nil {
		return
	}
	if ctx.Err() != nil && !IsRejected(err) {
		// Consumer shutdown interrupted the job. Return it to the queue
		// unchanged so another worker picks it up without losing an attempt.
		q.requeue(env)
		return
	}
	env.Attempt++
	env.LastError = err.Error()
	if IsRejected(err) {
		q.logger.Error("job rejected", "queue", q.name, "job_id", env.ID, "error", err)
		return
	}
	if env.Attempt >= env.Opts.Attempts {
		q.logger.Error("job failed permanently",
			"queue", q.name, "job_id", env.ID, "attempts", env.Attempt, "error", err)
		return
	}
	delay := env.Opts.delayFor(env.Attempt)
	q.logger.Warn("job failed, scheduling retry",
		"queue", q.name, "job_id", env.ID, "attempt", env.Attempt, "delay", delay, "error", err)
	data, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		q.logger.Error("marshal retry envelope failed", "queue", q.name, "job_id", env.ID, "error", marshalErr)
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	// Detached from the consume context so a shutdown racing the handler
	// cannot drop the retry write.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if zErr := q.client.ZAdd(writeCtx, q.delayedKey, redis.Z{Score: due, Member: string(data)}).Err(); zErr != nil {
		q.logger.Error("schedule retry failed", "queue", q.name, "job_id", env.ID, "error", zErr)
	}
}

// requeue puts a claimed envelope back at the head of the ready list. The
// consume context is already cancelled by the time this runs, so the write
// uses its own bounded context.
func (q *RedisQueue) requeue(env *envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		q.logger.Error("marshal interrupted job failed", "queue", q.name, "job_id", env.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.readyKey, string(data)).Err(); err != nil {
		q.logger.Error("return interrupted job failed", "queue", q.name, "job_id", env.ID, "error", err)
		return
	}
	q.logger.Info("returned interrupted job to queue", "queue", q.name, "job_id", env.ID)
}

// Drain discards every queued job, ready and delayed, and reports how many
// of each were dropped.
func (q *RedisQueue) Drain(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count ready jobs for %s: %w", q.name, err)
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count delayed jobs for %s: %w", q.name, err)
	}
	if err = q.client.Del(ctx, q.readyKey, q.delayedKey).Err(); err != nil {
		return 0, 0, fmt.Errorf("drain %s: %w", q.name, err)
	}
	return ready, delayed, nil
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

// promoteDue moves delayed jobs whose due time has passed back onto the
// ready list. ZREM arbitrates between competing promoters so each job is
// promoted exactly once.
func (q *RedisQueue) promoteDue(ctx context.Context) {
	max := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    max,
		Offset: 0,
		Count:  int64(q.promoteBatch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("promote delayed jobs failed", "queue", q.name, "error", err)
		}
		return
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			q.logger.Error("requeue delayed job failed", "queue", q.name, "error", err)
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
