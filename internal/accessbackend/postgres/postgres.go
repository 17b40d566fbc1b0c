// Package postgres implements session.AccessBackend against a Postgres
// access table, reusing the teacher's client/flags/config split
// (utils/postgres/postgres_client.go) but replacing its query surface
// with access-token resolution and usage accounting.
package postgres

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vpnhood/vpnhood-go/internal/session"
)

// Config holds PostgreSQL connection configuration for the access backend.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	SSLMode         string
}

// Backend is a pgxpool-backed session.AccessBackend.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Backend with a connection pool, verifying connectivity
// with a bounded ping before returning.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Backend, error) {
	connURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.User, config.Password, config.Host, config.Port, config.Database, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("access backend connected to postgres",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	return &Backend{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() {
	b.logger.Info("closing postgres access backend")
	b.pool.Close()
}

// GetAccess resolves the Access row for a client's token id. Returns
// (nil, nil) when the token has no matching row (session.AccessBackend's
// "null" contract).
func (b *Backend) GetAccess(ctx context.Context, identity session.ClientIdentity) (*session.Access, error) {
	const q = `
		SELECT access_id, secret, max_client_count, status_code, message,
		       sent, received, max_traffic, last_used_time, expiration_time
		FROM access
		WHERE token_id = $1`

	row := b.pool.QueryRow(ctx, q, identity.TokenID)

	var access session.Access
	var statusCode int
	err := row.Scan(
		&access.AccessID, &access.Secret, &access.MaxClientCount, &statusCode, &access.Message,
		&access.Usage.Sent, &access.Usage.Received, &access.Usage.MaxTraffic,
		&access.Usage.LastUsedTime, &access.Usage.ExpirationTime,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query access: %w", err)
	}
	access.StatusCode = session.AccessStatusCode(statusCode)
	return &access, nil
}

// AddUsage applies a usage delta atomically and returns the refreshed row.
func (b *Backend) AddUsage(ctx context.Context, accessID uuid.UUID, delta session.AccessUsageDelta) (*session.Access, error) {
	const q = `
		UPDATE access
		SET sent = sent + $2, received = received + $3, last_used_time = now()
		WHERE access_id = $1
		RETURNING access_id, secret, max_client_count, status_code, message,
		          sent, received, max_traffic, last_used_time, expiration_time`

	row := b.pool.QueryRow(ctx, q, accessID, delta.Sent, delta.Received)

	var access session.Access
	var statusCode int
	err := row.Scan(
		&access.AccessID, &access.Secret, &access.MaxClientCount, &statusCode, &access.Message,
		&access.Usage.Sent, &access.Usage.Received, &access.Usage.MaxTraffic,
		&access.Usage.LastUsedTime, &access.Usage.ExpirationTime,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update usage: %w", err)
	}
	access.StatusCode = session.AccessStatusCode(statusCode)
	return &access, nil
}

// FlagPointers holds pointers to flag values for the Postgres access backend.
type FlagPointers struct {
	host               *string
	port               *int
	user               *string
	password           *string
	database           *string
	maxConns           *int
	minConns           *int
	maxConnLifetimeMin *int
	sslMode            *string
}

// RegisterFlags registers Postgres connection flags; call ToConfig after flag.Parse().
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		host:     flag.String("postgres-host", getEnv("VPNHOOD_POSTGRES_HOST", "localhost"), "PostgreSQL host"),
		port:     flag.Int("postgres-port", getEnvInt("VPNHOOD_POSTGRES_PORT", 5432), "PostgreSQL port"),
		user:     flag.String("postgres-user", getEnv("VPNHOOD_POSTGRES_USER", "postgres"), "PostgreSQL user"),
		password: flag.String("postgres-password", getEnv("VPNHOOD_POSTGRES_PASSWORD", ""), "PostgreSQL password"),
		database: flag.String("postgres-database", getEnv("VPNHOOD_POSTGRES_DATABASE", "vpnhood"), "PostgreSQL database name"),
		maxConns: flag.Int("postgres-max-conns", getEnvInt("VPNHOOD_POSTGRES_MAX_CONNS", 10), "PostgreSQL maximum connections in pool"),
		minConns: flag.Int("postgres-min-conns", getEnvInt("VPNHOOD_POSTGRES_MIN_CONNS", 2), "PostgreSQL minimum connections in pool"),
		maxConnLifetimeMin: flag.Int("postgres-max-conn-lifetime", getEnvInt("VPNHOOD_POSTGRES_MAX_CONN_LIFETIME", 5),
			"PostgreSQL maximum connection lifetime in minutes"),
		sslMode: flag.String("postgres-ssl-mode", getEnv("VPNHOOD_POSTGRES_SSL_MODE", "disable"), "PostgreSQL SSL mode"),
	}
}

// ToConfig converts flag pointers to Config. Call after flag.Parse().
func (p *FlagPointers) ToConfig() Config {
	return Config{
		Host:            *p.host,
		Port:            *p.port,
		Database:        *p.database,
		User:            *p.user,
		Password:        *p.password,
		MaxConns:        int32(*p.maxConns),
		MinConns:        int32(*p.minConns),
		MaxConnLifetime: time.Duration(*p.maxConnLifetimeMin) * time.Minute,
		SSLMode:         *p.sslMode,
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
