package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/billsync/billsync/pkg/entities"
)

// CustomerCache is a two-level read-through cache for customers keyed by
// processor identifier. Level one is an in-process LRU, level two is
// Redis so replicas share lookups. Redis failures degrade to a miss; the
// database stays authoritative.
type CustomerCache struct {
	local  *lru.LRU[string, *entities.Customer]
	client *redis.Client
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCustomerCache creates a CustomerCache. The Redis client is optional;
// pass nil to cache in process only.
func NewCustomerCache(client *redis.Client, size int, ttl time.Duration) *CustomerCache {
	if size < 16 {
		size = 16
	}
	return &CustomerCache{
		local:  lru.NewLRU[string, *entities.Customer](size, nil, ttl),
		client: client,
		ttl:    ttl,
	}
}

// NewRedisClient connects to Redis and verifies connectivity
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func customerKey(stripeID string) string {
	return "customer:" + stripeID
}

// Get returns the cached customer, checking the local LRU before Redis
func (c *CustomerCache) Get(ctx context.Context, stripeID string) (*entities.Customer, bool) {
	if cust, ok := c.local.Get(stripeID); ok {
		c.hits.Add(1)
		return cust, true
	}

	if c.client != nil {
		data, err := c.client.Get(ctx, customerKey(stripeID)).Result()
		if err == nil {
			var cust entities.Customer
			if err := json.Unmarshal([]byte(data), &cust); err != nil {
				// Corrupt entry; drop it and fall through to the database.
				c.client.Del(ctx, customerKey(stripeID))
			} else {
				c.local.Add(stripeID, &cust)
				c.hits.Add(1)
				return &cust, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores a customer in both levels
func (c *CustomerCache) Set(ctx context.Context, cust *entities.Customer) {
	c.local.Add(cust.StripeID, cust)

	if c.client != nil {
		if data, err := json.Marshal(cust); err == nil {
			c.client.Set(ctx, customerKey(cust.StripeID), data, c.ttl)
		}
	}
}

// Invalidate removes a customer from both levels
func (c *CustomerCache) Invalidate(ctx context.Context, stripeID string) {
	c.local.Remove(stripeID)

	if c.client != nil {
		c.client.Del(ctx, customerKey(stripeID))
	}
}

// CacheStats holds hit and miss counts
type CacheStats struct {
	Hits   int64
	Misses int64
}

// Stats returns cumulative hit and miss counts
func (c *CustomerCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
