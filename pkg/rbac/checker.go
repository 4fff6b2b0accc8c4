package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName      = "github.com/platinummonkey/sharehub/pkg/rbac"
	DefaultCacheTTL = 5 * time.Minute
)

// Checker resolves authorization decisions for an identity
type Checker interface {
	// HasRole reports whether the user's effective role ranks at or above role
	HasRole(ctx context.Context, userID int64, role Role) (bool, error)

	// HasPermission reports whether the user's role grants resource:action
	HasPermission(ctx context.Context, userID int64, resource, action string) (bool, error)

	// CheckPermission extends HasPermission with resource-level grants
	CheckPermission(ctx context.Context, userID int64, resource, action string, rc ResourceContext) (Decision, error)

	// GetUserRole returns the effective role, or nil when the user has none
	GetUserRole(ctx context.Context, userID int64) (*Role, error)
}

// CheckError is a dependency fault raised while evaluating a check.
// The accompanying decision is always a denial.
type CheckError struct {
	Op     string
	UserID int64
	Err    error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s for user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// Engine implements Checker over a Store with an optional IdentityCache
type Engine struct {
	store    Store
	cache    *IdentityCache
	cacheTTL time.Duration
	metrics  *Metrics
	tracer   trace.Tracer
	logger   logrus.FieldLogger
	now      func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCache enables the identity cache with a fixed TTL
func WithCache(cache *IdentityCache, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache = cache
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithMetrics records decisions on m
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger
func WithLogger(logger logrus.FieldLogger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer overrides the global tracer
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithClock overrides time.Now, used for expiry checks
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a resolution engine
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		cacheTTL: DefaultCacheTTL,
		tracer:   otel.Tracer(tracerName),
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasRole implements Checker
func (e *Engine) HasRole(ctx context.Context, userID int64, role Role) (allowed bool, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rbac.HasRole", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("authz.role", string(role)),
	))
	defer func() {
		e.finish(span, "has_role", allowed, err, start)
	}()

	if !role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	snap, _, err := e.resolve(ctx, userID)
	if err != nil {
		return false, &CheckError{Op: "resolve role", UserID: userID, Err: err}
	}
	effective, ok := snap.EffectiveRole(e.now())
	return ok && effective.AtLeast(role), nil
}

// HasPermission implements Checker
func (e *Engine) HasPermission(ctx context.Context, userID int64, resource, action string) (allowed bool, err error) {
	start := time.Now()
	name := PermissionName(resource, action)
	ctx, span := e.tracer.Start(ctx, "rbac.HasPermission", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("authz.permission", name),
	))
	defer func() {
		e.finish(span, "has_permission", allowed, err, start)
	}()

	allowed, _, err = e.rolePermits(ctx, userID, name)
	return allowed, err
}

// CheckPermission implements Checker. The role path and the resource grant
// path run concurrently and are combined with OR. A grant path fault alone
// degrades to a logged denial; a role path fault that leaves the request
// denied is returned as a *CheckError.
func (e *Engine) CheckPermission(ctx context.Context, userID int64, resource, action string, rc ResourceContext) (decision Decision, err error) {
	start := time.Now()
	name := PermissionName(resource, action)
	ctx, span := e.tracer.Start(ctx, "rbac.CheckPermission", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("authz.permission", name),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("authz.source", string(decision.Source)),
			attribute.Bool("authz.cache_hit", decision.CacheHit),
		)
		e.finish(span, "check_permission", decision.Allowed, err, start)
	}()

	var (
		roleAllowed, cacheHit bool
		roleErr               error
		grantAllowed          bool
		grantErr              error
		g                     errgroup.Group
	)

	g.Go(func() error {
		roleAllowed, cacheHit, roleErr = e.rolePermits(ctx, userID, name)
		return nil
	})

	if resourceID := resourceIDOf(rc); resourceID != "" {
		span.SetAttributes(attribute.String("authz.resource_id", resourceID))
		g.Go(func() error {
			grantAllowed, grantErr = e.store.HasResourceGrant(ctx, resourceID, userID, name)
			return nil
		})
	}
	_ = g.Wait()

	log := e.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"permission": name,
	})
	if roleErr != nil {
		log.WithError(roleErr).Warn("role permission path failed")
	}
	if grantErr != nil {
		log.WithError(grantErr).Warn("resource grant path failed")
	}

	decision = Decision{CacheHit: cacheHit, CheckedAt: e.now()}
	switch {
	case roleAllowed:
		decision.Allowed = true
		decision.Source = SourceRole
		decision.Reason = "granted by role"
	case grantAllowed:
		decision.Allowed = true
		decision.Source = SourceResourceGrant
		decision.Reason = "granted on resource"
	case roleErr != nil:
		decision.Reason = "permission check failed"
		return decision, &CheckError{Op: "check permission " + name, UserID: userID, Err: errors.Join(roleErr, grantErr)}
	default:
		decision.Reason = "no role or resource grant allows " + name
	}
	return decision, nil
}

// GetUserRole implements Checker
func (e *Engine) GetUserRole(ctx context.Context, userID int64) (*Role, error) {
	snap, _, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, &CheckError{Op: "resolve role", UserID: userID, Err: err}
	}
	role, ok := snap.EffectiveRole(e.now())
	if !ok {
		return nil, nil
	}
	return &role, nil
}

// EffectivePermissions returns the resolved snapshot for a user
func (e *Engine) EffectivePermissions(ctx context.Context, userID int64) (*IdentitySnapshot, error) {
	snap, _, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, &CheckError{Op: "resolve permissions", UserID: userID, Err: err}
	}
	return snap, nil
}

func (e *Engine) rolePermits(ctx context.Context, userID int64, name string) (bool, bool, error) {
	snap, hit, err := e.resolve(ctx, userID)
	if err != nil {
		return false, false, err
	}
	if _, ok := snap.EffectiveRole(e.now()); !ok {
		return false, hit, nil
	}
	return snap.HasPermission(name), hit, nil
}

// resolve returns the identity snapshot, reading through the cache. Cache
// faults fall back to the store; store faults are returned.
func (e *Engine) resolve(ctx context.Context, userID int64) (*IdentitySnapshot, bool, error) {
	if e.cache == nil {
		snap, err := e.load(ctx, userID)
		return snap, false, err
	}

	snap, hit, err := e.cache.Get(ctx, userID)
	switch {
	case err != nil:
		e.metrics.cacheResult("error")
		e.logger.WithError(err).WithField("user_id", userID).Warn("identity cache read failed, using store")
	case hit:
		e.metrics.cacheResult("hit")
		return snap, true, nil
	default:
		e.metrics.cacheResult("miss")
	}

	gen, genErr := e.cache.Generation(ctx, userID)

	snap, err = e.load(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	if genErr != nil {
		e.logger.WithError(genErr).WithField("user_id", userID).Warn("skipping identity cache fill")
		return snap, false, nil
	}
	fill := *snap
	if _, err := e.cache.Store(ctx, &fill, e.cacheTTL, gen); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("identity cache fill failed")
	}
	return snap, false, nil
}

// load builds a snapshot from the store
func (e *Engine) load(ctx context.Context, userID int64) (*IdentitySnapshot, error) {
	snap := &IdentitySnapshot{UserID: userID, Permissions: []string{}}

	assignment, err := e.store.GetUserRole(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if !assignment.ActiveAt(e.now()) {
		return snap, nil
	}

	perms, err := e.store.PermissionNamesForRole(ctx, assignment.Role)
	if err != nil {
		return nil, err
	}

	role := assignment.Role
	snap.Role = &role
	snap.RoleExpiresAt = assignment.ExpiresAt
	snap.Permissions = perms
	return snap, nil
}

func (e *Engine) finish(span trace.Span, check string, allowed bool, err error, start time.Time) {
	span.SetAttributes(attribute.Bool("authz.allowed", allowed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	e.metrics.decision(check, allowed, err, start)
}
