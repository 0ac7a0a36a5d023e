package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/propflow/propflow/typedjson"
)

const defaultKeyPrefix = "propflow:data:"

// RedisStorage persists artifacts in Redis so that workers spread
// across machines share one artifact store.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds the connection settings for a Redis backend.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(config RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", config.Addr, err)
	}

	return NewRedisStorageWithClient(client, config.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client, useful when the
// caller manages the connection or injects a test server.
func NewRedisStorageWithClient(client *redis.Client, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStorage) dataKey(key string) string {
	return s.keyPrefix + key
}

// StoreData implements Backend.
func (s *RedisStorage) StoreData(ctx context.Context, key string, data any) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage key must not be empty")
	}
	encoded, err := typedjson.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode artifact %q: %w", key, err)
	}
	dataKey := s.dataKey(key)
	if err := s.client.Set(ctx, dataKey, encoded, 0).Err(); err != nil {
		return "", fmt.Errorf("store artifact %q: %w", key, err)
	}
	return "redis://" + dataKey, nil
}

// RetrieveData implements Backend.
func (s *RedisStorage) RetrieveData(ctx context.Context, key string) (any, error) {
	encoded, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve artifact %q: %w", key, err)
	}
	data, err := typedjson.Unmarshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode artifact %q: %w", key, err)
	}
	return data, nil
}

// HasData implements Backend.
func (s *RedisStorage) HasData(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Exists(ctx, s.dataKey(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteData implements Backend.
func (s *RedisStorage) DeleteData(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.dataKey(key)).Err()
}

// Close implements Backend.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
