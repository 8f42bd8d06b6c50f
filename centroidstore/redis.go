package centroidstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

// scanCount is the COUNT hint per SCAN page.
const scanCount = 256

// RedisStore persists centroids in Redis. Vector and metadata are written in
// one pipeline so they land with the same TTL; Redis string GET/SET gives
// the per-key linearizability the store contract asks for.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ fedsearch.CentroidStore = (*RedisStore)(nil)

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	logger.Info("redis centroid store connected", zap.String("addr", cfg.Addr))
	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// nothing: Close closes the client.
func NewRedisFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, tenant, tag string) (fedsearch.Centroid, bool, error) {
	pipe := s.client.Pipeline()
	vcmd := pipe.Get(ctx, vectorKey(tenant, tag))
	mcmd := pipe.Get(ctx, metaKey(tenant, tag))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fedsearch.Centroid{}, false, fmt.Errorf("get centroid %s:%s: %w", tenant, tag, err)
	}

	vb, err := vcmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return fedsearch.Centroid{}, false, nil
	}
	if err != nil {
		return fedsearch.Centroid{}, false, fmt.Errorf("get centroid %s:%s: %w", tenant, tag, err)
	}
	vec, err := decodeVector(vb)
	if err != nil {
		return fedsearch.Centroid{}, false, fmt.Errorf("decode centroid %s:%s: %w", tenant, tag, err)
	}

	// Metadata missing is a legacy entry, not an error.
	mb, err := mcmd.Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fedsearch.Centroid{}, false, fmt.Errorf("get centroid meta %s:%s: %w", tenant, tag, err)
	}
	return assemble(vec, mb), true, nil
}

func (s *RedisStore) Put(ctx context.Context, tenant, tag string, c fedsearch.Centroid, ttl time.Duration) error {
	if len(c.Vector) == 0 {
		return fmt.Errorf("put centroid %s:%s: empty vector", tenant, tag)
	}
	mb, err := encodeMeta(c)
	if err != nil {
		return fmt.Errorf("encode centroid meta %s:%s: %w", tenant, tag, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, vectorKey(tenant, tag), encodeVector(c.Vector), ttl)
		pipe.Set(ctx, metaKey(tenant, tag), mb, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put centroid %s:%s: %w", tenant, tag, err)
	}
	s.logger.Debug("centroid stored",
		zap.String("tenant", tenant), zap.String("tag", tag),
		zap.Int("dimension", len(c.Vector)), zap.Duration("ttl", ttl))
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tenant, tag string) error {
	if err := s.client.Del(ctx, vectorKey(tenant, tag), metaKey(tenant, tag)).Err(); err != nil {
		return fmt.Errorf("delete centroid %s:%s: %w", tenant, tag, err)
	}
	return nil
}

// Scan lists the tags with a stored centroid for the tenant. Uses the SCAN
// cursor rather than KEYS so large keyspaces do not block the server.
func (s *RedisStore) Scan(ctx context.Context, tenant string) ([]string, error) {
	prefix := vectorPrefix + tenant + ":"
	var tags []string
	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		tags = append(tags, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan centroids for %s: %w", tenant, err)
	}
	return tags, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
