// Package vpnconfig holds the server-wide configuration recognized by
// the session core (§6 of the spec): session/reap timeouts, the
// concurrency cap, and the transport/backend selection needed to wire a
// runnable binary around it.
package vpnconfig

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the session core and its surrounding
// transport. Zero values are invalid; use Default() or flag parsing.
type Config struct {
	// SessionTimeout is the idle timeout after which a disposed session
	// becomes eligible for reaping. Spec §5: default 300s.
	SessionTimeout time.Duration

	// ReapInterval bounds how often a reap pass may run; defaults to
	// SessionTimeout per spec §6.
	ReapInterval time.Duration

	// MaxConcurrentSessions is an optional hard cap across all accesses,
	// beyond any per-access max_client_count. Zero means unlimited.
	MaxConcurrentSessions int

	// ListenAddr is the raw TCP address the Client Stream listener binds.
	ListenAddr string

	// TLSCertFile / TLSKeyFile configure the listener's TLS identity.
	// Empty disables TLS (development only).
	TLSCertFile string
	TLSKeyFile  string

	// HandshakeTimeout bounds how long a freshly accepted connection may
	// take to deliver its Hello handshake before the listener gives up
	// on it.
	HandshakeTimeout time.Duration

	// WSListenAddr, if non-empty, starts a second Client Stream listener
	// that upgrades incoming HTTP requests to WebSocket connections and
	// frames them with the non-reuse-capable WebSocket framing, for
	// clients behind an HTTP-only egress path. Empty disables it.
	WSListenAddr string

	// ReuseRateLimitBPS caps the byte rate, in each direction, of a
	// Client Stream socket once it has been handed back to the reuse
	// pool. Zero means unlimited.
	ReuseRateLimitBPS int
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		SessionTimeout:        300 * time.Second,
		ReapInterval:          300 * time.Second,
		MaxConcurrentSessions: 0,
		ListenAddr:            ":8017",
		HandshakeTimeout:      10 * time.Second,
		WSListenAddr:          "",
		ReuseRateLimitBPS:     0,
	}
}

// FlagPointers holds pointers to flag values, converted to Config via
// ToConfig after flag.Parse(), following the teacher's
// RegisterFlags/ToConfig split (utils/logging, utils/redis, utils/postgres).
type FlagPointers struct {
	sessionTimeoutSec   *int
	reapIntervalSec     *int
	maxConcurrent       *int
	listenAddr          *string
	tlsCertFile         *string
	tlsKeyFile          *string
	handshakeTimeoutSec *int
	wsListenAddr        *string
	reuseRateLimitBPS   *int
}

// RegisterFlags registers config flags against the default flag.CommandLine.
func RegisterFlags() *FlagPointers {
	d := Default()
	return &FlagPointers{
		sessionTimeoutSec: flag.Int("session-timeout-seconds",
			getEnvInt("VPNHOOD_SESSION_TIMEOUT_SECONDS", int(d.SessionTimeout.Seconds())),
			"Session idle timeout in seconds"),
		reapIntervalSec: flag.Int("reap-interval-seconds",
			getEnvInt("VPNHOOD_REAP_INTERVAL_SECONDS", int(d.ReapInterval.Seconds())),
			"Maximum frequency of reap passes, in seconds"),
		maxConcurrent: flag.Int("max-concurrent-sessions",
			getEnvInt("VPNHOOD_MAX_CONCURRENT_SESSIONS", d.MaxConcurrentSessions),
			"Hard cap on live sessions across all accesses (0 = unlimited)"),
		listenAddr: flag.String("listen-addr",
			getEnv("VPNHOOD_LISTEN_ADDR", d.ListenAddr),
			"Address the client-stream listener binds"),
		tlsCertFile: flag.String("tls-cert", getEnv("VPNHOOD_TLS_CERT", ""), "TLS certificate file"),
		tlsKeyFile:  flag.String("tls-key", getEnv("VPNHOOD_TLS_KEY", ""), "TLS key file"),
		handshakeTimeoutSec: flag.Int("handshake-timeout-seconds",
			getEnvInt("VPNHOOD_HANDSHAKE_TIMEOUT_SECONDS", int(d.HandshakeTimeout.Seconds())),
			"Maximum time a new connection has to deliver its Hello handshake, in seconds"),
		wsListenAddr: flag.String("ws-listen-addr",
			getEnv("VPNHOOD_WS_LISTEN_ADDR", d.WSListenAddr),
			"Address for the WebSocket-framed client-stream listener (empty disables it)"),
		reuseRateLimitBPS: flag.Int("reuse-rate-limit-bytes-per-second",
			getEnvInt("VPNHOOD_REUSE_RATE_LIMIT_BPS", d.ReuseRateLimitBPS),
			"Byte-rate cap, per direction, applied to pooled reused client streams (0 = unlimited)"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	// ReapInterval mirrors SessionTimeout unless the reap-interval flag or
	// its environment variable was set explicitly.
	sessionTimeout := time.Duration(*f.sessionTimeoutSec) * time.Second
	reap := time.Duration(*f.reapIntervalSec) * time.Second
	reapSet := os.Getenv("VPNHOOD_REAP_INTERVAL_SECONDS") != ""
	flag.Visit(func(fl *flag.Flag) {
		if fl.Name == "reap-interval-seconds" {
			reapSet = true
		}
	})
	if !reapSet {
		reap = sessionTimeout
	}
	return Config{
		SessionTimeout:        sessionTimeout,
		ReapInterval:          reap,
		MaxConcurrentSessions: *f.maxConcurrent,
		ListenAddr:            *f.listenAddr,
		TLSCertFile:           *f.tlsCertFile,
		TLSKeyFile:            *f.tlsKeyFile,
		HandshakeTimeout:      time.Duration(*f.handshakeTimeoutSec) * time.Second,
		WSListenAddr:          *f.wsListenAddr,
		ReuseRateLimitBPS:     *f.reuseRateLimitBPS,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
