package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"
)

// ErrCacheMiss is returned by a KV store when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// KV is the key-value surface the cache needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// CachedEmbedder memoises Embed results in a KV store keyed by model and text.
// Batch calls pass straight through; ingestion texts are rarely repeated.
type CachedEmbedder struct {
	inner      Embedder
	store      KV
	cacheTotal *prometheus.CounterVec
	logger     *slog.Logger
}

// NewCachedEmbedder wraps inner. cacheTotal is a counter vec with label
// "result" ("hit"/"miss") and may be nil.
func NewCachedEmbedder(inner Embedder, store KV, cacheTotal *prometheus.CounterVec, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		inner:      inner,
		store:      store,
		cacheTotal: cacheTotal,
		logger:     logger.With("component", "embedding_cache"),
	}
}

// Embed returns a cached embedding or calls the inner embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	if vec, ok := c.get(ctx, key); ok {
		c.inc("hit")
		return vec, nil
	}
	c.inc("miss")

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}

	if err := c.store.Set(ctx, key, vectorToBytes(vec)); err != nil {
		c.logger.Warn("failed to cache embedding", "key", key, "error", err)
	}
	return vec, nil
}

// EmbedBatch delegates to the inner embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

// Dimension returns the dimensionality of the inner embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// ModelName returns the model of the inner embedder.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

func (c *CachedEmbedder) inc(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *CachedEmbedder) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.inner.ModelName() + "\x00" + text))
	return "tendersense:emb:" + hex.EncodeToString(h[:])
}

func (c *CachedEmbedder) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("failed to read cached embedding", "key", key, "error", err)
		}
		return nil, false
	}
	vec, err := bytesToVector(data)
	if err != nil || len(vec) == 0 {
		c.logger.Warn("discarding malformed cached embedding", "key", key, "error", err)
		return nil, false
	}
	return vec, true
}

func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// RedisKV is a KV backed by Redis through rueidis.
type RedisKV struct {
	client rueidis.Client
	ttl    time.Duration
}

// NewRedisKV connects to addr. A zero ttl keeps entries until evicted.
func NewRedisKV(addr, password string, ttl time.Duration) (*RedisKV, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return &RedisKV{client: client, ttl: ttl}, nil
}

// Get returns ErrCacheMiss for absent keys.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores value, with the configured TTL when non-zero.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	var cmd rueidis.Completed
	if r.ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Ex(r.ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (r *RedisKV) Close() {
	r.client.Close()
}

var _ Embedder = (*CachedEmbedder)(nil)
