package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	defaultCachePrefix = "authz:identity"
	// generation keys must outlive any snapshot they guard
	generationTTL = 24 * time.Hour
)

// fillScript writes a snapshot only if no invalidation happened since the
// caller read the generation.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidateScript bumps the generation and drops the snapshot atomically
var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// IdentityCache is a Redis read-through cache of resolved identity snapshots.
// Entries have a fixed TTL and are never extended on read.
type IdentityCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewIdentityCache creates a cache on client. An empty prefix uses "authz:identity".
func NewIdentityCache(client *redis.Client, prefix string) *IdentityCache {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &IdentityCache{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (c *IdentityCache) snapshotKey(userID int64) string {
	return fmt.Sprintf("%s:%d", c.prefix, userID)
}

func (c *IdentityCache) generationKey(userID int64) string {
	return fmt.Sprintf("%s:%d:gen", c.prefix, userID)
}

// Generation returns the invalidation counter for a user. Read it before
// loading from the store and pass it to Store.
func (c *IdentityCache) Generation(ctx context.Context, userID int64) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// Get returns the cached snapshot. A snapshot past its own expiry or past
// its role expiry is reported as a miss.
func (c *IdentityCache) Get(ctx context.Context, userID int64) (*IdentitySnapshot, bool, error) {
	raw, err := c.client.Get(ctx, c.snapshotKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached identity: %w", err)
	}

	var snap IdentitySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached identity: %w", err)
	}

	now := c.now()
	if !now.Before(snap.ExpiresAt) {
		return nil, false, nil
	}
	if snap.RoleExpiresAt != nil && !now.Before(*snap.RoleExpiresAt) {
		return nil, false, nil
	}
	return &snap, true, nil
}

// GetCachedRole returns the cached role. A hit with a nil role means the
// user is cached as having no role.
func (c *IdentityCache) GetCachedRole(ctx context.Context, userID int64) (*Role, bool, error) {
	snap, hit, err := c.Get(ctx, userID)
	if err != nil || !hit {
		return nil, false, err
	}
	return snap.Role, true, nil
}

// GetCachedPermissions returns the cached permission names
func (c *IdentityCache) GetCachedPermissions(ctx context.Context, userID int64) ([]string, bool, error) {
	snap, hit, err := c.Get(ctx, userID)
	if err != nil || !hit {
		return nil, false, err
	}
	return snap.Permissions, true, nil
}

// Store writes a snapshot for ttl, shortened to the role expiry when that
// comes first. The write is skipped, and false returned, when the user was
// invalidated after generation was read.
func (c *IdentityCache) Store(ctx context.Context, snap *IdentitySnapshot, ttl time.Duration, generation int64) (bool, error) {
	now := c.now()
	if snap.RoleExpiresAt != nil {
		if untilExpiry := snap.RoleExpiresAt.Sub(now); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	if ttl < time.Millisecond {
		return false, nil
	}

	snap.CachedAt = now
	snap.ExpiresAt = now.Add(ttl)
	if snap.Permissions == nil {
		snap.Permissions = []string{}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode identity: %w", err)
	}

	stored, err := fillScript.Run(ctx, c.client,
		[]string{c.snapshotKey(snap.UserID), c.generationKey(snap.UserID)},
		generation, raw, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to store cached identity: %w", err)
	}
	return stored == 1, nil
}

// Invalidate drops the user's snapshot and fences out in-flight fills
func (c *IdentityCache) Invalidate(ctx context.Context, userID int64) error {
	err := invalidateScript.Run(ctx, c.client,
		[]string{c.snapshotKey(userID), c.generationKey(userID)},
		generationTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate cached identity %d: %w", userID, err)
	}
	return nil
}

// CacheInvalidator subscribes the cache to identity events. Role events
// fan out to every user holding the role.
type CacheInvalidator struct {
	cache   *IdentityCache
	store   Store
	metrics *Metrics
	logger  logrus.FieldLogger
}

// NewCacheInvalidator creates an event handler for cache
func NewCacheInvalidator(cache *IdentityCache, store Store, metrics *Metrics, logger logrus.FieldLogger) *CacheInvalidator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CacheInvalidator{cache: cache, store: store, metrics: metrics, logger: logger}
}

// HandleIdentityEvent implements IdentityHandler
func (ci *CacheInvalidator) HandleIdentityEvent(ctx context.Context, event IdentityEvent) error {
	switch {
	case event.UserID != nil:
		ci.metrics.cacheInvalidation("user")
		return ci.cache.Invalidate(ctx, *event.UserID)
	case event.Role != nil:
		users, err := ci.store.ListUsersWithRole(ctx, *event.Role)
		if err != nil {
			return fmt.Errorf("failed to resolve holders of role %s: %w", *event.Role, err)
		}
		ci.metrics.cacheInvalidation("role")
		var errs []error
		for _, userID := range users {
			if err := ci.cache.Invalidate(ctx, userID); err != nil {
				errs = append(errs, err)
			}
		}
		ci.logger.WithFields(logrus.Fields{
			"role":  string(*event.Role),
			"users": len(users),
			"cause": event.Cause,
		}).Debug("invalidated role holders")
		return errors.Join(errs...)
	default:
		return nil
	}
}
