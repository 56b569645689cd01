package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/4xmen/chatsync/internal/remote"
)

const redisIndexKey = "chatsync:documents"

// RedisBackend persists local store documents in Redis, one string key per
// document plus a set indexing them.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func documentKey(collection, key string) string {
	return fmt.Sprintf("chatsync:doc:%s/%s", collection, key)
}

func (r *RedisBackend) LoadAll(ctx context.Context) ([]remote.Document, error) {
	defer observe("redis", "load", time.Now())

	members, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		collection, key, _ := strings.Cut(m, "/")
		keys[i] = documentKey(collection, key)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	docs := make([]remote.Document, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// indexed but gone; a concurrent delete
			continue
		}
		collection, key, _ := strings.Cut(members[i], "/")
		docs = append(docs, remote.Document{Collection: collection, Key: key, Data: []byte(data)})
	}
	return docs, nil
}

func (r *RedisBackend) SaveDocument(ctx context.Context, doc remote.Document) error {
	defer observe("redis", "save", time.Now())

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, documentKey(doc.Collection, doc.Key), doc.Data, 0)
		pipe.SAdd(ctx, redisIndexKey, doc.Collection+"/"+doc.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save document %s/%s: %w", doc.Collection, doc.Key, err)
	}
	return nil
}

func (r *RedisBackend) DeleteDocument(ctx context.Context, collection, key string) error {
	defer observe("redis", "delete", time.Now())

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, documentKey(collection, key))
		pipe.SRem(ctx, redisIndexKey, collection+"/"+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
	}
	return nil
}
