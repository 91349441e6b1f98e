// Package state persists serialized session state across a hot Redis
// tier and a cold S3 archive tier, with a background archivist moving
// idle sessions between them.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensandbox/runbox/pkg/types"
)

const (
	stateKeyPrefix   = "state:"
	sessionKeyPrefix = "session:"
	lastAccessKey    = "state:last-access"

	sessionMetaTTL = 24 * time.Hour
)

// RedisTier is the hot tier: state blobs with a sliding TTL, session
// metadata, and a last-access index for the archivist.
type RedisTier struct {
	client   *redis.Client
	ttl      time.Duration
	maxBytes int64
}

// NewRedisTier connects to redisURL and verifies the connection.
func NewRedisTier(redisURL string, ttl time.Duration, maxBytes int64) (*RedisTier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTier{client: client, ttl: ttl, maxBytes: maxBytes}, nil
}

// Save stores the state blob under a sliding TTL and records the access
// time. Blobs over the size cap are rejected before touching Redis.
func (r *RedisTier) Save(ctx context.Context, sessionID string, blob []byte) error {
	if r.maxBytes > 0 && int64(len(blob)) > r.maxBytes {
		return fmt.Errorf("%w: state is %d bytes, cap is %d", types.ErrStateTooLarge, len(blob), r.maxBytes)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, stateKeyPrefix+sessionID, blob, r.ttl)
	pipe.ZAdd(ctx, lastAccessKey, redis.Z{Score: float64(time.Now().Unix()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis save: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Load returns the state blob and refreshes both the TTL and the
// last-access index. Missing sessions return ErrNotFound.
func (r *RedisTier) Load(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := r.Peek(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, stateKeyPrefix+sessionID, r.ttl)
	pipe.ZAdd(ctx, lastAccessKey, redis.Z{Score: float64(time.Now().Unix()), Member: sessionID})
	_, _ = pipe.Exec(ctx) // refresh is best effort

	return blob, nil
}

// Peek returns the state blob without touching the TTL or the
// last-access index. The archivist reads with Peek so a failed move
// does not push its own retry out by a full idle window.
func (r *RedisTier) Peek(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := r.client.Get(ctx, stateKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis load: %v", types.ErrStorageUnavailable, err)
	}
	return blob, nil
}

// Delete removes the state blob and its last-access entry.
func (r *RedisTier) Delete(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, stateKeyPrefix+sessionID)
	pipe.ZRem(ctx, lastAccessKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis delete: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Idle returns session ids whose last access is older than cutoff.
func (r *RedisTier) Idle(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, lastAccessKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis idle scan: %v", types.ErrStorageUnavailable, err)
	}
	return ids, nil
}

// SaveMeta stores session metadata with its own fixed TTL.
func (r *RedisTier) SaveMeta(ctx context.Context, meta *types.SessionMeta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+meta.SessionID, body, sessionMetaTTL).Err(); err != nil {
		return fmt.Errorf("%w: redis meta save: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadMeta returns session metadata, or ErrNotFound.
func (r *RedisTier) LoadMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error) {
	body, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis meta load: %v", types.ErrStorageUnavailable, err)
	}
	var meta types.SessionMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	return &meta, nil
}

// Close releases the Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}

// Healthy pings Redis with a short deadline.
func (r *RedisTier) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}
