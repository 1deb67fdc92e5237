// Command progress-gateway serves the WebSocket endpoint that streams
// pipeline progress events to viewers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
)

func main() {
	addr := flag.String("addr", ":8085", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "WebSocket ping interval, 0 disables")
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

	gateway := progress.NewGateway(progress.GatewayConfig{
		Bus:               progress.NewRedisBus(client, 0),
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: *heartbeat,
	})
	gateway.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/progress", gateway.HandleConnection)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("VODFORGE_GATEWAY_ADDR"))
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           logging.RequestLogger(logging.WithComponent(logger, "http"))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("progress gateway listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	_ = gateway.Shutdown(shutdownCtx)
	logger.Info("progress gateway stopped")
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
