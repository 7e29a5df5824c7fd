package verification

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisCodeStore struct {
	client *redis.Client
}

func NewRedisCodeStore(addr string, password string, db int) *RedisCodeStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCodeStore{client: client}
}

func (s *RedisCodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCodeStore) Close() error {
	return s.client.Close()
}

func (s *RedisCodeStore) Issue(ctx context.Context, recipient, purpose string, ttl time.Duration) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, codeKey(recipient, purpose), code, ttl).Err(); err != nil {
		return "", err
	}
	return code, nil
}

func (s *RedisCodeStore) Consume(ctx context.Context, recipient, purpose, code string) error {
	key := codeKey(recipient, purpose)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCodeMismatch
	}
	if err != nil {
		return err
	}
	if val != code {
		return ErrCodeMismatch
	}
	return s.client.Del(ctx, key).Err()
}
