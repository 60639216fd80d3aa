package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cachedDevice struct {
	rec      DeviceRecord
	notFound bool
}

// CachedReader fronts an AccessReader with an expiring LRU. Misses
// (ErrNotFound) are cached too; other errors are not.
type CachedReader struct {
	next AccessReader
	lru  *expirable.LRU[string, cachedDevice]
}

func NewCachedReader(next AccessReader, size int, ttl time.Duration) *CachedReader {
	return &CachedReader{
		next: next,
		lru:  expirable.NewLRU[string, cachedDevice](size, nil, ttl),
	}
}

func (c *CachedReader) Device(ctx context.Context, deviceID string) (DeviceRecord, error) {
	if hit, ok := c.lru.Get(deviceID); ok {
		if hit.notFound {
			return DeviceRecord{}, ErrNotFound
		}
		return hit.rec, nil
	}
	rec, err := c.next.Device(ctx, deviceID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.lru.Add(deviceID, cachedDevice{notFound: true})
	case err == nil:
		c.lru.Add(deviceID, cachedDevice{rec: rec})
	}
	return rec, err
}

func (c *CachedReader) AllowedUsers(ctx context.Context, deviceID string) ([]string, error) {
	rec, err := c.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.AllowedUsers, nil
}

// Invalidate drops a cached entry so the next lookup reaches the backend.
func (c *CachedReader) Invalidate(deviceID string) {
	c.lru.Remove(deviceID)
}
