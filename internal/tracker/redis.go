// Package tracker provides session.Tracker implementations. RedisTracker
// pushes fire-and-forget analytics events onto a Redis stream, adapting
// the connection/flag pattern of utils/redis/redis_client.go to XAdd
// instead of direct key access.
package tracker

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration for the tracker.
type Config struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
	StreamName string
}

// RedisTracker implements session.Tracker by XAdd-ing events onto a
// Redis stream. TrackEvent never returns an error to the caller: per
// spec, tracking must never block or fail admission, so failures are
// logged and swallowed.
type RedisTracker struct {
	client     *redis.Client
	streamName string
	logger     *slog.Logger
}

// NewRedisTracker connects to Redis and verifies connectivity.
func NewRedisTracker(ctx context.Context, config Config, logger *slog.Logger) (*RedisTracker, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLSEnabled {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	streamName := config.StreamName
	if streamName == "" {
		streamName = "vpnhood:session-events"
	}

	logger.Info("tracker connected to redis",
		slog.String("address", fmt.Sprintf("%s:%d", config.Host, config.Port)),
		slog.String("stream", streamName),
	)

	return &RedisTracker{client: client, streamName: streamName, logger: logger}, nil
}

// Close closes the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// TrackEvent implements session.Tracker.
func (t *RedisTracker) TrackEvent(ctx context.Context, category, action string) {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamName,
		Values: map[string]interface{}{
			"category": category,
			"action":   action,
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		t.logger.Warn("tracker event dropped", slog.String("error", err.Error()))
	}
}

// FlagPointers holds pointers to flag values for tracker configuration.
type FlagPointers struct {
	host       *string
	port       *int
	password   *string
	db         *int
	tlsEnabled *bool
	streamName *string
}

// RegisterFlags registers tracker-related command-line flags; call
// ToConfig after flag.Parse().
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		host:       flag.String("tracker-redis-host", getEnv("VPNHOOD_TRACKER_REDIS_HOST", "localhost"), "Redis host for session event tracking"),
		port:       flag.Int("tracker-redis-port", getEnvInt("VPNHOOD_TRACKER_REDIS_PORT", 6379), "Redis port for session event tracking"),
		password:   flag.String("tracker-redis-password", getEnv("VPNHOOD_TRACKER_REDIS_PASSWORD", ""), "Redis password for session event tracking"),
		db:         flag.Int("tracker-redis-db", getEnvInt("VPNHOOD_TRACKER_REDIS_DB", 0), "Redis database number for session event tracking"),
		tlsEnabled: flag.Bool("tracker-redis-tls-enable", getEnvBool("VPNHOOD_TRACKER_REDIS_TLS_ENABLE", false), "Enable TLS for the tracker Redis connection"),
		streamName: flag.String("tracker-redis-stream", getEnv("VPNHOOD_TRACKER_REDIS_STREAM", "vpnhood:session-events"), "Redis stream name for session events"),
	}
}

// ToConfig converts flag pointers to Config.
func (p *FlagPointers) ToConfig() Config {
	return Config{
		Host:       *p.host,
		Port:       *p.port,
		Password:   *p.password,
		DB:         *p.db,
		TLSEnabled: *p.tlsEnabled,
		StreamName: *p.streamName,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
