package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// ProbabilityCache implements domain.ProbabilityCache using Redis hashes.
// Each event is stored at "probs:{eventID}" with one field per outcome id.
type ProbabilityCache struct {
	client *Client
	ttl    time.Duration
}

// NewProbabilityCache creates a ProbabilityCache. ttl <= 0 keeps entries until
// they are invalidated.
func NewProbabilityCache(c *Client, ttl time.Duration) *ProbabilityCache {
	return &ProbabilityCache{client: c, ttl: ttl}
}

func (pc *ProbabilityCache) key(eventID string) string {
	return pc.client.Key("probs:" + eventID)
}

// Set replaces the cached probabilities of an event atomically.
func (pc *ProbabilityCache) Set(ctx context.Context, eventID string, probs map[string]int) error {
	if len(probs) == 0 {
		return pc.Invalidate(ctx, eventID)
	}
	fields := make(map[string]interface{}, len(probs))
	for id, pct := range probs {
		fields[id] = strconv.Itoa(pct)
	}

	key := pc.key(eventID)
	pipe := pc.client.Underlying().TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set probabilities %s: %w", eventID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound when the event is not cached.
func (pc *ProbabilityCache) Get(ctx context.Context, eventID string) (map[string]int, error) {
	vals, err := pc.client.Underlying().HGetAll(ctx, pc.key(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get probabilities %s: %w", eventID, err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}

	out := make(map[string]int, len(vals))
	for id, v := range vals {
		pct, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redis: parse probability %s/%s: %w", eventID, id, err)
		}
		out[id] = pct
	}
	return out, nil
}

// Invalidate drops the cached probabilities of an event.
func (pc *ProbabilityCache) Invalidate(ctx context.Context, eventID string) error {
	if err := pc.client.Underlying().Del(ctx, pc.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate probabilities %s: %w", eventID, err)
	}
	return nil
}

var _ domain.ProbabilityCache = (*ProbabilityCache)(nil)
