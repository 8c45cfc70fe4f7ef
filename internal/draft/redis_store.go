// Package draft stores in-progress questionnaire edits in Redis. Draft
// data lives outside the database until the user saves a step, so an
// abandoned session leaves no trace once its TTL runs out.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qcat/internal/qdata"
)

// NewCode is the pseudo code used for drafts of questionnaires that have
// not been created yet.
const NewCode = "new"

// Draft is one user's uncommitted edit of a questionnaire.
type Draft struct {
	UserID     int64      `json:"user_id"`
	ConfigCode string     `json:"config_code"`
	Code       string     `json:"code"`
	Data       qdata.Data `json:"data"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RedisStore keeps drafts in Redis with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(userID int64, configCode, code string) string {
	if code == "" {
		code = NewCode
	}
	return fmt.Sprintf("%s%d:%s:%s", s.prefix, userID, configCode, code)
}

// Put merges new step data into the draft. Question groups present in data
// replace the draft's copy wholesale; groups the caller did not touch stay
// as they were. Every write refreshes the TTL.
func (s *RedisStore) Put(ctx context.Context, userID int64, configCode, code string, data qdata.Data) (Draft, error) {
	draft, err := s.Get(ctx, userID, configCode, code)
	if err != nil && err != ErrNoDraft {
		return Draft{}, err
	}
	if err == ErrNoDraft {
		draft = Draft{
			UserID:     userID,
			ConfigCode: configCode,
			Code:       code,
			Data:       qdata.Data{},
		}
	}

	for keyword, groups := range data {
		if len(groups) == 0 {
			delete(draft.Data, keyword)
			continue
		}
		draft.Data[keyword] = groups
	}
	draft.UpdatedAt = time.Now().UTC()

	encoded, err := json.Marshal(draft)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, configCode, code), encoded, s.ttl).Err(); err != nil {
		return Draft{}, fmt.Errorf("save draft: %w", err)
	}
	return draft, nil
}

// ErrNoDraft is returned when no draft exists for the key.
var ErrNoDraft = fmt.Errorf("no draft")

func (s *RedisStore) Get(ctx context.Context, userID int64, configCode, code string) (Draft, error) {
	encoded, err := s.client.Get(ctx, s.key(userID, configCode, code)).Result()
	if err == redis.Nil {
		return Draft{}, ErrNoDraft
	}
	if err != nil {
		return Draft{}, fmt.Errorf("load draft: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(encoded), &draft); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	if draft.Data == nil {
		draft.Data = qdata.Data{}
	}
	return draft, nil
}

// Clear removes a draft after it was committed or discarded.
func (s *RedisStore) Clear(ctx context.Context, userID int64, configCode, code string) error {
	if err := s.client.Del(ctx, s.key(userID, configCode, code)).Err(); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// ClearConfig removes every draft a user holds for one configuration.
func (s *RedisStore) ClearConfig(ctx context.Context, userID int64, configCode string) error {
	return s.clearPattern(ctx, fmt.Sprintf("%s%d:%s:*", s.prefix, userID, configCode))
}

// ClearAll removes every draft a user holds.
func (s *RedisStore) ClearAll(ctx context.Context, userID int64) error {
	return s.clearPattern(ctx, fmt.Sprintf("%s%d:*", s.prefix, userID))
}

func (s *RedisStore) clearPattern(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clear drafts: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan drafts: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
