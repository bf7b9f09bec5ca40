package rbac

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// snapshotCache holds the last consistent Snapshot of the store and the
// registry built from its catalog. A cached snapshot is served only while
// its version matches the store generation: reads re-check the generation
// (always, or once per verifyInterval) and writes made through the service
// invalidate before they return. Concurrent reloads share one store read.
type snapshotCache struct {
	store          Store
	verifyInterval time.Duration
	now            func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	current    *cachedSnapshot
	verifiedAt time.Time
	generation uint64 // incremented by invalidate
}

type cachedSnapshot struct {
	*Snapshot
	registry *registry
}

const snapshotKey = "snapshot"

// snapshotLoadTimeout bounds a shared reload, which outlives the caller that
// started it.
const snapshotLoadTimeout = 10 * time.Second

func newSnapshotCache(store Store, verifyInterval time.Duration, now func() time.Time) *snapshotCache {
	return &snapshotCache{
		store:          store,
		verifyInterval: verifyInterval,
		now:            now,
	}
}

// get returns a snapshot no older than the store generation at the time of
// the call, or no older than verifyInterval when one is configured.
func (c *snapshotCache) get(ctx context.Context) (*cachedSnapshot, error) {
	c.mu.RLock()
	current, verifiedAt := c.current, c.verifiedAt
	c.mu.RUnlock()

	if current != nil {
		if c.verifyInterval > 0 && c.now().Sub(verifiedAt) < c.verifyInterval {
			return current, nil
		}
		version, err := c.store.Version(ctx)
		if err != nil {
			return nil, err
		}
		if version == current.Version {
			c.mu.Lock()
			if c.current == current {
				c.verifiedAt = c.now()
			}
			c.mu.Unlock()
			return current, nil
		}
	}
	return c.reload(ctx)
}

func (c *snapshotCache) reload(ctx context.Context) (*cachedSnapshot, error) {
	c.mu.RLock()
	generation := c.generation
	c.mu.RUnlock()

	ch := c.group.DoChan(snapshotKey, func() (any, error) {
		// Other callers may be waiting on this load, so it must not end
		// when the caller that started it goes away.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotLoadTimeout)
		defer cancel()

		snap, err := c.store.Snapshot(loadCtx)
		if err != nil {
			return nil, err
		}
		loaded := &cachedSnapshot{Snapshot: snap, registry: snap.Catalog.index()}

		c.mu.Lock()
		// An invalidation during the load means the snapshot may predate a
		// write; hand it to the waiting callers but do not keep it.
		if c.generation == generation {
			c.current = loaded
			c.verifiedAt = c.now()
		}
		c.mu.Unlock()
		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cachedSnapshot), nil //nolint:forcetypeassert // only *cachedSnapshot is stored
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate drops the cached snapshot. Subsequent reads start a fresh load
// instead of joining one that is already in flight.
func (c *snapshotCache) invalidate() {
	c.mu.Lock()
	c.current = nil
	c.generation++
	c.mu.Unlock()
	c.group.Forget(snapshotKey)
}

// version returns the version of the cached snapshot, or 0 when empty.
func (c *snapshotCache) version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return 0
	}
	return c.current.Version
}
