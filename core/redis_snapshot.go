package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/whisperfleet/whisperfleet/resilience"
)

// RedisSnapshotStore keeps the flat state snapshot in a Redis hash keyed by
// agent id, under "<namespace>:snapshot". One HGETALL at startup, one
// transactional rewrite at shutdown.
type RedisSnapshotStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisSnapshotStore connects to Redis and verifies the connection with
// a bounded retry before returning.
func NewRedisSnapshotStore(redisURL, namespace string) (*RedisSnapshotStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	err = resilience.Retry(context.Background(), &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", ErrConnectionFailed)
	}

	if namespace == "" {
		namespace = "whisperfleet"
	}
	return &RedisSnapshotStore{
		client:    client,
		namespace: namespace,
		logger:    &NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this store.
func (s *RedisSnapshotStore) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *RedisSnapshotStore) key() string {
	return fmt.Sprintf("%s:snapshot", s.namespace)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snapshot map[string]*AgentSnapshot) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key())
	for id, snap := range snapshot {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot for %s: %w", id, err)
		}
		pipe.HSet(ctx, s.key(), id, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to save snapshot", map[string]interface{}{
			"error":  err.Error(),
			"agents": len(snapshot),
		})
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Info("Snapshot saved", map[string]interface{}{"agents": len(snapshot)})
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (map[string]*AgentSnapshot, error) {
	entries, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snapshot := make(map[string]*AgentSnapshot, len(entries))
	for id, raw := range entries {
		var snap AgentSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("Skipping corrupted snapshot entry", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
			continue
		}
		snapshot[id] = &snap
	}
	return snapshot, nil
}

// Close releases the Redis connection.
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
