package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements Broker on top of github.com/redis/go-redis/v9,
// the same client family used by brokle-ai-brokle's evaluation worker for
// this exact consumer-group/queue shape.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker dials addr (host:port) with the given password/db index.
func NewRedisBroker(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, newQueueError("ping", err)
	}
	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an already-constructed client, primarily
// so tests can point it at a miniredis instance.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Append(ctx context.Context, queue string, payload []byte) error {
	return newQueueError("append", b.client.RPush(ctx, queue, payload).Err())
}

func (b *RedisBroker) PopHead(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		val, err := b.client.LPop(ctx, queue).Bytes()
		if err == nil {
			return val, nil
		}
		if err != redis.Nil {
			return nil, newQueueError("pop_head", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, newQueueError("pop_head", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) Length(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	return n, newQueueError("length", err)
}

func (b *RedisBroker) Clear(ctx context.Context, queue string) error {
	return newQueueError("clear", b.client.Del(ctx, queue).Err())
}

func (b *RedisBroker) HashSet(ctx context.Context, key, field string, value []byte) error {
	return newQueueError("hash_set", b.client.HSet(ctx, key, field, value).Err())
}

func (b *RedisBroker) HashLen(ctx context.Context, key string) (int64, error) {
	n, err := b.client.HLen(ctx, key).Result()
	return n, newQueueError("hash_len", err)
}

func (b *RedisBroker) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, newQueueError("hash_get_all", err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *RedisBroker) Del(ctx context.Context, key string) error {
	return newQueueError("del", b.client.Del(ctx, key).Err())
}

func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return newQueueError("expire", b.client.Expire(ctx, key, ttl).Err())
}

func (b *RedisBroker) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return newQueueError("set_ex", b.client.Set(ctx, key, value, ttl).Err())
}

func (b *RedisBroker) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newQueueError("get", err)
	}
	return val, nil
}

func (b *RedisBroker) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, newQueueError("mget", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = []byte(s)
	}
	return out, nil
}

func (b *RedisBroker) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("scan_keys iteration error")
		return keys, newQueueError("scan_keys", err)
	}
	return keys, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
