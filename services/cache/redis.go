package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"data_gateway/models"
)

const redisPrefix = "dg:cache:"

// RedisStore shares the cache across gateway replicas
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

type redisRecord struct {
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// DialRedis parses a redis:// URL and verifies the connection
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache record %s: %w", key, err)
	}
	// redis expiry has millisecond precision but the record's own expiry is authoritative
	if !s.now().Before(rec.ExpiresAt) {
		return Entry{}, false, nil
	}

	payload, err := models.DecodePayload(rec.Payload)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{
		Payload:   payload,
		Source:    rec.Source,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key Key, payload models.Payload, source string, ttl time.Duration) error {
	body, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}

	now := s.now()
	raw, err := json.Marshal(redisRecord{
		Source:    source,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("encode cache record %s: %w", key, err)
	}

	// SET replaces the value and TTL in one command
	if err := s.client.Set(ctx, redisPrefix+key.String(), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, redisPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Evict is a no-op: redis expires keys itself
func (s *RedisStore) Evict(context.Context) (int, error) {
	return 0, nil
}
