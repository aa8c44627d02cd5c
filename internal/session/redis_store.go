// Package session persists per-draft workflow step indicators in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lexdraft/api/internal/model"
	"lexdraft/api/internal/workflow"
)

// DefaultTTL keeps an untouched indicator around for a month.
const DefaultTTL = 30 * 24 * time.Hour

type stepData struct {
	Current          int       `json:"current"`
	CompletedThrough int       `json:"completed_through"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RedisStore implements workflow.StepStore
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "lexdraft:step:",
		ttl:    DefaultTTL,
	}
}

func (s *RedisStore) key(draftID string) string {
	return s.prefix + draftID
}

// SaveStep stores the indicator and refreshes its expiry.
func (s *RedisStore) SaveStep(ctx context.Context, draftID string, state workflow.State) error {
	payload, err := json.Marshal(stepData{
		Current:          int(state.Current),
		CompletedThrough: int(state.CompletedThrough),
		UpdatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if err := s.client.Set(ctx, s.key(draftID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// LoadStep returns ok=false when no indicator is stored.
func (s *RedisStore) LoadStep(ctx context.Context, draftID string) (workflow.State, bool, error) {
	raw, err := s.client.Get(ctx, s.key(draftID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.State{}, false, nil
	}
	if err != nil {
		return workflow.State{}, false, fmt.Errorf("load step: %w", err)
	}
	var data stepData
	if err := json.Unmarshal(raw, &data); err != nil {
		return workflow.State{}, false, fmt.Errorf("unmarshal step: %w", err)
	}
	return workflow.State{
		Current:          model.Step(data.Current),
		CompletedThrough: model.Step(data.CompletedThrough),
	}, true, nil
}

// ForgetStep deletes the indicator of a draft.
func (s *RedisStore) ForgetStep(ctx context.Context, draftID string) error {
	if err := s.client.Del(ctx, s.key(draftID)).Err(); err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
