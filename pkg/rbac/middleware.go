package rbac

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/sharehub/pkg/httputil"
	"github.com/platinummonkey/sharehub/pkg/middleware"
)

// Guard response codes
const (
	CodeAuthRequired            = "AUTH_REQUIRED"
	CodeInsufficientPermission  = "INSUFFICIENT_PERMISSION"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeNoPermission            = "NO_PERMISSION"
	CodeInsufficientRole        = "INSUFFICIENT_ROLE"
	CodeNotOwner                = "NOT_OWNER"
	CodeOwnerIDMissing          = "OWNER_ID_MISSING"
	CodePermissionCheckError    = "PERMISSION_CHECK_ERROR"
	CodeRoleCheckError          = "ROLE_CHECK_ERROR"
	CodeOwnershipCheckError     = "OWNERSHIP_CHECK_ERROR"
	CodeRoleEscalation          = "ROLE_ESCALATION"
	CodeTargetOutranksActor     = "TARGET_OUTRANKS_ACTOR"

	codeAllowed = "ALLOWED"
)

// PermissionRef names a resource:action pair required by a guard
type PermissionRef struct {
	Resource string
	Action   string
}

// Perm builds a PermissionRef
func Perm(resource, action string) PermissionRef {
	return PermissionRef{Resource: resource, Action: action}
}

func (p PermissionRef) String() string {
	return PermissionName(p.Resource, p.Action)
}

// ContextFunc extracts the resource a request targets. It may return nil.
type ContextFunc func(r *http.Request) ResourceContext

// OwnerFunc resolves the owner of the resource a request targets.
// ok is false when the request does not identify an owner.
type OwnerFunc func(r *http.Request) (ownerID int64, ok bool, err error)

// Guards builds enforcement middleware over a Checker
type Guards struct {
	checker Checker
	metrics *Metrics
	logger  logrus.FieldLogger
}

// GuardOption configures Guards
type GuardOption func(*Guards)

// WithGuardMetrics records guard outcomes on m
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *Guards) { g.metrics = m }
}

// WithGuardLogger sets the logger for guard faults
func WithGuardLogger(logger logrus.FieldLogger) GuardOption {
	return func(g *Guards) { g.logger = logger }
}

// NewGuards creates guard middleware factories
func NewGuards(checker Checker, opts ...GuardOption) *Guards {
	g := &Guards{
		checker: checker,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OwnershipOption configures RequireOwnership
type OwnershipOption func(*ownershipConfig)

type ownershipConfig struct {
	allowAdmin bool
}

// WithoutAdminBypass makes RequireOwnership reject admins who are not the owner
func WithoutAdminBypass() OwnershipOption {
	return func(c *ownershipConfig) { c.allowAdmin = false }
}

// RequirePermission allows the request when the caller holds resource:action
// through their role or a grant on the resource returned by contextFn.
func (g *Guards) RequirePermission(resource, action string, contextFn ContextFunc) func(http.Handler) http.Handler {
	required := PermissionName(resource, action)

	return g.guard("require_permission", CodePermissionCheckError, func(w http.ResponseWriter, r *http.Request, userID int64) bool {
		decision, err := g.checker.CheckPermission(r.Context(), userID, resource, action, resourceFor(r, contextFn))
		if err != nil {
			g.fault(w, r, "require_permission", CodePermissionCheckError, "Permission check failed", err)
			return false
		}
		if !decision.Allowed {
			g.deny(w, "require_permission", http.StatusForbidden, "Insufficient permissions", CodeInsufficientPermission, required)
			return false
		}
		return true
	})
}

// RequireRole allows the request when the caller's role ranks at or above minRole
func (g *Guards) RequireRole(minRole Role) func(http.Handler) http.Handler {
	return g.guard("require_role", CodeRoleCheckError, func(w http.ResponseWriter, r *http.Request, userID int64) bool {
		ok, err := g.checker.HasRole(r.Context(), userID, minRole)
		if err != nil {
			g.fault(w, r, "require_role", CodeRoleCheckError, "Role check failed", err)
			return false
		}
		if !ok {
			g.deny(w, "require_role", http.StatusForbidden, "Insufficient role", CodeInsufficientRole, string(minRole))
			return false
		}
		return true
	})
}

// RequireOwnership allows the request when the caller owns the target
// resource. Admins pass as well unless WithoutAdminBypass is given.
func (g *Guards) RequireOwnership(ownerFn OwnerFunc, opts ...OwnershipOption) func(http.Handler) http.Handler {
	const guard = "require_ownership"
	cfg := ownershipConfig{allowAdmin: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	required := "owner"
	if cfg.allowAdmin {
		required = "owner_or_admin"
	}

	return g.guard(guard, CodeOwnershipCheckError, func(w http.ResponseWriter, r *http.Request, userID int64) bool {
		var (
			ownerID           int64
			ownerOK, isAdmin  bool
			ownerErr, roleErr error
			eg                errgroup.Group
		)
		eg.Go(safely(func() error {
			ownerID, ownerOK, ownerErr = ownerFn(r)
			return nil
		}))
		if cfg.allowAdmin {
			eg.Go(safely(func() error {
				isAdmin, roleErr = g.checker.HasRole(r.Context(), userID, RoleAdmin)
				return nil
			}))
		}
		if err := eg.Wait(); err != nil {
			g.fault(w, r, guard, CodeOwnershipCheckError, "Ownership check failed", err)
			return false
		}

		switch {
		case ownerErr != nil:
			g.fault(w, r, guard, CodeOwnershipCheckError, "Ownership check failed", ownerErr)
			return false
		case !ownerOK:
			g.deny(w, guard, http.StatusBadRequest, "Resource owner could not be determined", CodeOwnerIDMissing, nil)
			return false
		case ownerID == userID:
			return true
		case roleErr != nil:
			g.fault(w, r, guard, CodeOwnershipCheckError, "Ownership check failed", roleErr)
			return false
		case isAdmin:
			return true
		default:
			g.deny(w, guard, http.StatusForbidden, "You do not own this resource", CodeNotOwner, required)
			return false
		}
	})
}

// RequireAllPermissions allows the request only when every permission is held.
// A clean denial of any member decides the outcome even if another member faulted.
func (g *Guards) RequireAllPermissions(perms []PermissionRef, contextFn ContextFunc) func(http.Handler) http.Handler {
	const guard = "require_all_permissions"
	required := permissionNames(perms)

	return g.guard(guard, CodePermissionCheckError, func(w http.ResponseWriter, r *http.Request, userID int64) bool {
		results, err := g.checkEach(r, userID, perms, contextFn)
		if err != nil {
			g.fault(w, r, guard, CodePermissionCheckError, "Permission check failed", err)
			return false
		}

		var fault error
		for _, res := range results {
			if res.err != nil {
				fault = res.err
				continue
			}
			if !res.allowed {
				g.deny(w, guard, http.StatusForbidden, "Insufficient permissions", CodeInsufficientPermissions, required)
				return false
			}
		}
		if fault != nil {
			g.fault(w, r, guard, CodePermissionCheckError, "Permission check failed", fault)
			return false
		}
		return true
	})
}

// RequireAnyPermission allows the request when at least one permission is held.
// An empty list never allows.
func (g *Guards) RequireAnyPermission(perms []PermissionRef, contextFn ContextFunc) func(http.Handler) http.Handler {
	const guard = "require_any_permission"
	required := permissionNames(perms)

	return g.guard(guard, CodePermissionCheckError, func(w http.ResponseWriter, r *http.Request, userID int64) bool {
		results, err := g.checkEach(r, userID, perms, contextFn)
		if err != nil {
			g.fault(w, r, guard, CodePermissionCheckError, "Permission check failed", err)
			return false
		}

		var fault error
		for _, res := range results {
			if res.err != nil {
				fault = res.err
				continue
			}
			if res.allowed {
				return true
			}
		}
		if fault != nil {
			g.fault(w, r, guard, CodePermissionCheckError, "Permission check failed", fault)
			return false
		}

		g.deny(w, guard, http.StatusForbidden, "None of the required permissions are granted", CodeNoPermission, required)
		return false
	})
}

// evalFunc writes a response and returns false to stop the request
type evalFunc func(w http.ResponseWriter, r *http.Request, userID int64) bool

// guard wraps eval with identity extraction and panic recovery. Panics in
// downstream handlers are not attributed to the guard.
func (g *Guards) guard(name, faultCode string, eval evalFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := middleware.GetAuthContext(r)
			if identity == nil {
				g.deny(w, name, http.StatusUnauthorized, "Authentication required", CodeAuthRequired, nil)
				return
			}

			if !g.evaluate(w, r, name, faultCode, identity.UserID, eval) {
				return
			}
			g.metrics.guardResponse(name, codeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guards) evaluate(w http.ResponseWriter, r *http.Request, name, faultCode string, userID int64, eval evalFunc) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			g.fault(w, r, name, faultCode, "Authorization check failed", fmt.Errorf("panic: %v", rec))
			ok = false
		}
	}()
	return eval(w, r, userID)
}

type checkResult struct {
	allowed bool
	err     error
}

// checkEach evaluates every permission concurrently. Per-permission faults
// are reported in the results; the returned error is only set on panic.
func (g *Guards) checkEach(r *http.Request, userID int64, perms []PermissionRef, contextFn ContextFunc) ([]checkResult, error) {
	rc := resourceFor(r, contextFn)
	results := make([]checkResult, len(perms))

	var eg errgroup.Group
	for i, p := range perms {
		eg.Go(safely(func() error {
			decision, err := g.checker.CheckPermission(r.Context(), userID, p.Resource, p.Action, rc)
			results[i] = checkResult{allowed: decision.Allowed, err: err}
			return nil
		}))
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// authorizeRoleChange rejects assigning a role above the caller's own and
// changing a user who outranks the caller. granted is nil for removals.
func (g *Guards) authorizeRoleChange(w http.ResponseWriter, r *http.Request, targetID int64, granted *Role) bool {
	const guard = "role_change"
	identity := middleware.GetAuthContext(r)
	if identity == nil {
		g.deny(w, guard, http.StatusUnauthorized, "authentication required", CodeAuthRequired, nil)
		return false
	}

	ctx := r.Context()
	actorRole, err := g.checker.GetUserRole(ctx, identity.UserID)
	if err != nil {
		g.fault(w, r, guard, CodeRoleCheckError, "role check failed", err)
		return false
	}
	if actorRole == nil {
		g.deny(w, guard, http.StatusForbidden, "insufficient role", CodeInsufficientRole, RoleAdmin)
		return false
	}
	if granted != nil && granted.Rank() > actorRole.Rank() {
		g.deny(w, guard, http.StatusForbidden, "cannot assign a role above your own", CodeRoleEscalation, *actorRole)
		return false
	}

	targetRole, err := g.checker.GetUserRole(ctx, targetID)
	if err != nil {
		g.fault(w, r, guard, CodeRoleCheckError, "role check failed", err)
		return false
	}
	if targetRole != nil && targetRole.Rank() > actorRole.Rank() {
		g.deny(w, guard, http.StatusForbidden, "target user outranks you", CodeTargetOutranksActor, *targetRole)
		return false
	}
	return true
}

func (g *Guards) deny(w http.ResponseWriter, guard string, status int, message, code string, required interface{}) {
	g.metrics.guardResponse(guard, code)
	httputil.WriteCodedError(w, status, message, code, required)
}

func (g *Guards) fault(w http.ResponseWriter, r *http.Request, guard, code, message string, err error) {
	g.logger.WithError(err).WithFields(logrus.Fields{
		"guard": guard,
		"path":  r.URL.Path,
	}).Error("authorization check failed")
	g.metrics.guardResponse(guard, code)
	httputil.WriteCodedError(w, http.StatusInternalServerError, message, code, nil)
}

// safely converts a panic in fn into an error
func safely(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn()
	}
}

func resourceFor(r *http.Request, contextFn ContextFunc) ResourceContext {
	if contextFn == nil {
		return nil
	}
	return contextFn(r)
}

func permissionNames(perms []PermissionRef) []string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.String()
	}
	return names
}
