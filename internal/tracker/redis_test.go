package tracker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

// TestConfig mirrors utils/redis/redis_client_test.go's TestRedisConfig:
// a plain struct-literal sanity check.
func TestConfig(t *testing.T) {
	config := Config{
		Host:       "redis.example.com",
		Port:       6380,
		Password:   "secret123",
		DB:         2,
		TLSEnabled: true,
		StreamName: "custom-stream",
	}

	if config.Host != "redis.example.com" {
		t.Errorf("expected host redis.example.com, got %s", config.Host)
	}
	if config.Port != 6380 {
		t.Errorf("expected port 6380, got %d", config.Port)
	}
	if !config.TLSEnabled {
		t.Error("expected TLSEnabled true")
	}
	if config.StreamName != "custom-stream" {
		t.Errorf("expected stream custom-stream, got %s", config.StreamName)
	}
}

// TestFlagPointersToConfig mirrors utils/redis/redis_client_test.go's
// TestToRedisConfig: conversion from flag pointers to Config.
func TestFlagPointersToConfig(t *testing.T) {
	host, port, password, db, tlsEnabled, stream := "redis.local", 6379, "testpass", 1, true, "events"
	flagPtrs := &FlagPointers{
		host:       &host,
		port:       &port,
		password:   &password,
		db:         &db,
		tlsEnabled: &tlsEnabled,
		streamName: &stream,
	}

	config := flagPtrs.ToConfig()
	if config.Host != host || config.Port != port || config.Password != password ||
		config.DB != db || config.TLSEnabled != tlsEnabled || config.StreamName != stream {
		t.Errorf("ToConfig mismatch: got %+v", config)
	}
}

// TestNewRedisTracker_ConnectError verifies the constructor surfaces a
// ping failure instead of returning a tracker backed by a dead connection
// (no Redis listens on this port in the test environment).
func TestNewRedisTracker_ConnectError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisTracker(ctx, Config{Host: "127.0.0.1", Port: 1}, logger)
	if err == nil {
		t.Fatal("expected an error connecting to a port nothing listens on")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	if got := getEnv("VPNHOOD_TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("getEnv fallback: got %s", got)
	}
	if got := getEnvInt("VPNHOOD_TEST_UNSET_KEY", 42); got != 42 {
		t.Errorf("getEnvInt fallback: got %d", got)
	}
	if got := getEnvBool("VPNHOOD_TEST_UNSET_KEY", true); got != true {
		t.Errorf("getEnvBool fallback: got %v", got)
	}
}
