package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/sharehub/pkg/audit"
)

// Config holds RBAC configuration
type Config struct {
	// Dialect selects the migration flavour
	Dialect Dialect

	// CacheTTL is how long an identity snapshot may be served from Redis
	CacheTTL time.Duration

	// CachePrefix is the Redis key prefix for identity snapshots
	CachePrefix string

	// PolicyFile is an optional YAML seed applied on Initialize
	PolicyFile string

	// SweepSchedule is the cron spec for the expired role sweep
	SweepSchedule string
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		Dialect:       DialectPostgres,
		CacheTTL:      DefaultCacheTTL,
		CachePrefix:   defaultCachePrefix,
		SweepSchedule: DefaultSweepSchedule,
	}
}

// Manager wires the authorization components together
type Manager struct {
	db       *sql.DB
	store    *SQLStore
	cache    *IdentityCache
	engine   *Engine
	bus      *EventBus
	admin    *Admin
	guards   *Guards
	handlers *Handlers
	sweeper  *ExpirySweeper
	config   Config
	logger   logrus.FieldLogger
}

// NewManager creates a new RBAC manager. redisClient may be nil, in which
// case every decision reads the store.
func NewManager(db *sql.DB, redisClient *redis.Client, auditLogger audit.Logger, registry prometheus.Registerer, logger logrus.FieldLogger, config Config) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := NewMetrics(registry)
	store := NewSQLStore(db)
	bus := NewEventBus(logger)

	engineOpts := []EngineOption{WithMetrics(metrics), WithLogger(logger)}
	var cache *IdentityCache
	if redisClient != nil {
		cache = NewIdentityCache(redisClient, config.CachePrefix)
		engineOpts = append(engineOpts, WithCache(cache, config.CacheTTL))
		bus.Subscribe(NewCacheInvalidator(cache, store, metrics, logger))
	}
	engine := NewEngine(store, engineOpts...)

	admin := NewAdmin(store, auditLogger, bus, logger)
	guards := NewGuards(engine, WithGuardMetrics(metrics), WithGuardLogger(logger))

	return &Manager{
		db:       db,
		store:    store,
		cache:    cache,
		engine:   engine,
		bus:      bus,
		admin:    admin,
		guards:   guards,
		handlers: NewHandlers(admin, engine, guards, logger),
		sweeper:  NewExpirySweeper(store, bus, logger),
		config:   config,
		logger:   logger,
	}
}

// Initialize runs migrations and applies the configured policy seed
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.db, m.config.Dialect, m.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if m.config.PolicyFile == "" {
		return nil
	}
	result, err := m.admin.SeedFromFile(ctx, m.config.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to apply policy: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"policy":              m.config.PolicyFile,
		"permissions_created": result.PermissionsCreated,
		"mappings_assigned":   result.MappingsAssigned,
	}).Info("policy applied")
	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// ScheduleSweeps registers the expired role sweep on c
func (m *Manager) ScheduleSweeps(c *cron.Cron) error {
	_, err := m.sweeper.Schedule(c, m.config.SweepSchedule)
	return err
}

// WatchPolicy reapplies the policy file on change until ctx is done
func (m *Manager) WatchPolicy(ctx context.Context) error {
	if m.config.PolicyFile == "" {
		return nil
	}
	return m.admin.WatchPolicy(ctx, m.config.PolicyFile, m.logger)
}

// Engine returns the resolution engine
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Guards returns the enforcement middleware factory
func (m *Manager) Guards() *Guards {
	return m.guards
}

// Admin returns the mutation service
func (m *Manager) Admin() *Admin {
	return m.admin
}

// Events returns the identity event bus
func (m *Manager) Events() *EventBus {
	return m.bus
}

// Stats summarizes the stored authorization state
type Stats struct {
	Permissions    int64 `json:"permissions"`
	RoleMappings   int64 `json:"role_mappings"`
	UserRoles      int64 `json:"user_roles"`
	ExpiredRoles   int64 `json:"expired_roles"`
	ResourceGrants int64 `json:"resource_grants"`
}

// GetStats returns RBAC statistics
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		dest  *int64
		query string
		args  []interface{}
	}{
		{&stats.Permissions, "SELECT COUNT(*) FROM authz_permissions", nil},
		{&stats.RoleMappings, "SELECT COUNT(*) FROM authz_role_permissions", nil},
		{&stats.UserRoles, "SELECT COUNT(*) FROM authz_user_roles", nil},
		{&stats.ExpiredRoles, "SELECT COUNT(*) FROM authz_user_roles WHERE expires_at IS NOT NULL AND expires_at <= $1", []interface{}{time.Now().UTC()}},
		{&stats.ResourceGrants, "SELECT COUNT(*) FROM authz_resource_grants", nil},
	}
	for _, q := range queries {
		if err := m.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to collect rbac stats: %w", err)
		}
	}
	return stats, nil
}
