package bufferstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-playback/common/database"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

const keyPrefix = "buffer:"

// RedisStore keeps each BufferRecord as a JSON string under buffer:<partition_key>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership of it.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, rec models.BufferRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal buffer record: %w", err)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, keyPrefix+rec.PartitionKey, data, 0).Err(); err != nil {
		return fmt.Errorf("put buffer record %s: %w", rec.PartitionKey, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.BufferRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get buffer record %s: %w", key, err)
	}

	var rec models.BufferRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal buffer record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete buffer record %s: %w", key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN, using the Redis cursor as the page
// cursor. limit is a COUNT hint, so a page may hold more or fewer records,
// including none while the scan is still in progress.
func (s *RedisStore) Scan(ctx context.Context, cursor string, limit int) (Page, error) {
	var cur uint64
	if cursor != "" {
		c, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		cur = c
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	keys, next, err := s.client.Scan(ctx, cur, keyPrefix+"*", int64(limit)).Result()
	if err != nil {
		return Page{}, fmt.Errorf("scan buffer store: %w", err)
	}

	page := Page{}
	if next != 0 {
		page.Cursor = strconv.FormatUint(next, 10)
	}
	if len(keys) == 0 {
		return page, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Page{}, fmt.Errorf("load buffer records: %w", err)
	}

	page.Records = make([]models.BufferRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		var rec models.BufferRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return Page{}, fmt.Errorf("unmarshal buffer record %s: %w", keys[i], err)
		}
		page.Records = append(page.Records, rec)
	}

	return page, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
