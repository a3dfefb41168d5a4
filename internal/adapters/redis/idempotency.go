package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempKeyPrefix namespaces replay entries away from the scan locks
// and rate-limit counters sharing the same redis.
const idempKeyPrefix = "idemp:post:"

// Idempotency stores the first response produced under an
// Idempotency-Key so a retried POST replays it instead of re-running
// the mutation.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

// IdempResponse is the cached response body and status for one key.
type IdempResponse struct {
	Status int    `json:"status"`
	Result []byte `json:"result"`
}

// Get returns the cached response for key, or nil when the key has not
// been seen.
func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, idempKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp IdempResponse
	err = json.Unmarshal(val, &resp)
	return &resp, err
}

func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, idempKeyPrefix+key, data, ttl).Err()
}
