package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ensemble-trading-engine/config"
	"ensemble-trading-engine/internal/logging"
)

const (
	mirrorKey     = "engine:checkpoint:latest"
	mirrorTTL     = 24 * time.Hour
	mirrorTimeout = 3 * time.Second
	maxFailures   = 3

	// recoveryInterval spaces probe attempts while the mirror is unhealthy.
	recoveryInterval = 30 * time.Second
)

// RedisMirror pushes the latest checkpoint to Redis so a warm standby can
// read state without touching the primary database. It is strictly
// best-effort: failures are counted, never surfaced, and after a few in a
// row the mirror stops trying until a publish succeeds again.
type RedisMirror struct {
	client *redis.Client
	logger *logging.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	lastAttempt  time.Time
}

// NewRedisMirror connects to Redis. A failed initial ping returns the mirror
// in unhealthy state rather than an error; mirroring is optional.
func NewRedisMirror(cfg config.RedisConfig, logger *logging.Logger) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	m := &RedisMirror{client: client, logger: logger.WithComponent("store.redis")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.logger.Warn("initial redis connection failed, mirror disabled until recovery", "error", err)
		return m
	}

	m.healthy = true
	m.logger.Info("redis mirror connected", "address", cfg.Address)
	return m
}

// Publish writes the encoded checkpoint under a fixed key with a TTL.
// While unhealthy only one probe attempt per recovery interval goes through.
func (m *RedisMirror) Publish(ctx context.Context, data []byte) {
	m.mu.Lock()
	now := time.Now()
	if !m.healthy && now.Sub(m.lastAttempt) < recoveryInterval {
		m.mu.Unlock()
		return
	}
	m.lastAttempt = now
	m.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.client.Set(opCtx, mirrorKey, data, mirrorTTL).Err(); err != nil {
		m.recordFailure(err)
		return
	}
	m.recordSuccess()
}

// Latest reads the mirrored checkpoint, nil when absent or Redis is down.
func (m *RedisMirror) Latest(ctx context.Context) []byte {
	opCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	data, err := m.client.Get(opCtx, mirrorKey).Bytes()
	if err != nil {
		return nil
	}
	return data
}

func (m *RedisMirror) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCount++
	if m.failureCount >= maxFailures && m.healthy {
		m.logger.Warn("redis mirror unhealthy, suspending publishes",
			"failures", m.failureCount, "error", err)
		m.healthy = false
	}
}

func (m *RedisMirror) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.healthy && m.failureCount >= maxFailures {
		m.logger.Info("redis mirror recovered")
	}
	m.failureCount = 0
	m.healthy = true
}

func (m *RedisMirror) Close() {
	if err := m.client.Close(); err != nil {
		m.logger.Warn("closing redis client", "error", err)
	}
}
