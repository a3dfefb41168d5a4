package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// AcquireScanLock serializes concurrent gate scans of one ticket. The
// TTL is a crash backstop; finished scans release explicitly so a
// sequential rescan is judged by the heuristics, not the lock.
func (c *Cache) AcquireScanLock(ctx context.Context, ticketID string, ttl time.Duration) (bool, error) {
	res := c.client.SetNX(ctx, "scan:"+ticketID, "1", ttl)
	return res.Val(), res.Err()
}

// ReleaseScanLock frees the scan lock once the scan has finished.
func (c *Cache) ReleaseScanLock(ctx context.Context, ticketID string) error {
	return c.client.Del(ctx, "scan:"+ticketID).Err()
}
