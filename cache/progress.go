// Package cache keeps the last computed progress of every quest (or squad
// run of a quest) in Redis so readers do not aggregate on each request.
// The store stays authoritative; a lost or stale entry is harmless.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "quest:progress"

var (
	ErrCacheMiss   = errors.New("progress not cached")
	ErrUnavailable = errors.New("progress cache unavailable")
)

// Progress is the cached value, encoded as {"current","goal","updated_at"}.
type Progress struct {
	Current   float64   `json:"current"`
	Goal      float64   `json:"goal"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key builds <prefix>:<questId> for community quests and
// <prefix>:<questId>_squad_<squadId> for a squad's progress.
func Key(prefix, questID, squadID string) string {
	if squadID == "" {
		return fmt.Sprintf("%s:%s", prefix, questID)
	}
	return fmt.Sprintf("%s:%s_squad_%s", prefix, questID, squadID)
}

// ProgressCache is a last-write-wins store of Progress values.
type ProgressCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New wraps an existing client. A zero ttl keeps entries until overwritten.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *ProgressCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ProgressCache{client: client, prefix: prefix, ttl: ttl}
}

// Open parses a redis:// URL, pings the server and returns the cache.
func Open(ctx context.Context, url, prefix string, ttl time.Duration) (*ProgressCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	return New(client, prefix, ttl), nil
}

func (c *ProgressCache) Set(ctx context.Context, questID, squadID string, p Progress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode progress")
	}
	if err := c.client.Set(ctx, Key(c.prefix, questID, squadID), body, c.ttl).Err(); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return nil
}

func (c *ProgressCache) Get(ctx context.Context, questID, squadID string) (Progress, error) {
	var p Progress
	body, err := c.client.Get(ctx, Key(c.prefix, questID, squadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return p, ErrCacheMiss
	}
	if err != nil {
		return p, errors.Wrap(ErrUnavailable, err.Error())
	}
	if err := json.Unmarshal(body, &p); err != nil {
		// a corrupt entry is treated like a miss and gets overwritten
		return p, ErrCacheMiss
	}
	return p, nil
}

func (c *ProgressCache) Close() error {
	return c.client.Close()
}
