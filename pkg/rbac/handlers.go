package rbac

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/sharehub/pkg/httputil"
	"github.com/platinummonkey/sharehub/pkg/middleware"
)

// SnapshotResolver returns the effective authorization state of a user
type SnapshotResolver interface {
	EffectivePermissions(ctx context.Context, userID int64) (*IdentitySnapshot, error)
}

// Handlers provides HTTP handlers for RBAC administration
type Handlers struct {
	admin    *Admin
	resolver SnapshotResolver
	guards   *Guards
	logger   logrus.FieldLogger
}

// NewHandlers creates new RBAC handlers. With nil guards the routes are
// registered unprotected.
func NewHandlers(admin *Admin, resolver SnapshotResolver, guards *Guards, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{admin: admin, resolver: resolver, guards: guards, logger: logger}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	adminOnly := h.protect(func(g *Guards) func(http.Handler) http.Handler { return g.RequireRole(RoleAdmin) })
	grantManager := h.protect(func(g *Guards) func(http.Handler) http.Handler {
		return g.RequirePermission("resource_grants", "manage", ResourceFromVar("resourceId"))
	})
	selfOrAdmin := h.protect(func(g *Guards) func(http.Handler) http.Handler {
		return g.RequireOwnership(OwnerFromVar("id"))
	})

	// Permission definitions
	router.Handle("/rbac/permissions", adminOnly(h.ListPermissions)).Methods("GET")
	router.Handle("/rbac/permissions", adminOnly(h.CreatePermission)).Methods("POST")
	router.Handle("/rbac/permissions/{id:[0-9]+}", adminOnly(h.UpdatePermission)).Methods("PATCH")
	router.Handle("/rbac/permissions/{id:[0-9]+}", adminOnly(h.DeletePermission)).Methods("DELETE")

	// Role to permission mappings
	router.Handle("/rbac/roles/{role}/permissions", adminOnly(h.AssignPermission)).Methods("POST")
	router.Handle("/rbac/roles/{role}/permissions/{id:[0-9]+}", adminOnly(h.RevokePermission)).Methods("DELETE")

	// User role assignments
	router.Handle("/rbac/users/{id:[0-9]+}/role", adminOnly(h.SetUserRole)).Methods("PUT")
	router.Handle("/rbac/users/{id:[0-9]+}/role", adminOnly(h.RemoveUserRole)).Methods("DELETE")
	router.Handle("/rbac/users/{id:[0-9]+}/permissions", selfOrAdmin(h.GetUserPermissions)).Methods("GET")

	// Resource grants
	router.Handle("/rbac/resources/{resourceId}/grants", grantManager(h.ListResourceGrants)).Methods("GET")
	router.Handle("/rbac/resources/{resourceId}/grants", grantManager(h.GrantResource)).Methods("POST")
	router.Handle("/rbac/resources/{resourceId}/grants/{userId:[0-9]+}/{permission}", grantManager(h.RevokeResource)).Methods("DELETE")
}

// ListPermissions returns every permission definition
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.admin.ListPermissions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, perms)
}

// CreatePermission defines a new permission
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource    string `json:"resource"`
		Action      string `json:"action"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Resource, "resource") || !httputil.RequireNonEmpty(w, req.Action, "action") {
		return
	}

	perm, err := h.admin.CreatePermission(r.Context(), actorOf(r), req.Resource, req.Action, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// UpdatePermission changes a permission description
func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Description *string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Description == nil {
		httputil.WriteBadRequest(w, "description is required")
		return
	}

	perm, err := h.admin.UpdatePermission(r.Context(), actorOf(r), id, *req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// DeletePermission removes a permission and its role mappings
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.admin.DeletePermission(r.Context(), actorOf(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignPermission maps a permission into a role
func (h *Handlers) AssignPermission(w http.ResponseWriter, r *http.Request) {
	role, ok := roleFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		PermissionID int64 `json:"permissionId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PermissionID <= 0 {
		httputil.WriteBadRequest(w, "permissionId must be positive")
		return
	}

	changed, err := h.admin.AssignPermission(r.Context(), actorOf(r), role, req.PermissionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]interface{}{
		"role":         role,
		"permissionId": req.PermissionID,
		"changed":      changed,
	}
	if changed {
		httputil.WriteCreated(w, body)
		return
	}
	httputil.WriteSuccess(w, body)
}

// RevokePermission removes a permission from a role
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	role, ok := roleFromPath(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.admin.RevokePermission(r.Context(), actorOf(r), role, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetUserRole replaces a user's role
func (h *Handlers) SetUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Role      string     `json:"role"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteBadRequest(w, "expiresAt must be in the future")
		return
	}

	if h.guards != nil && !h.guards.authorizeRoleChange(w, r, userID, &role) {
		return
	}

	assignment, err := h.admin.SetUserRole(r.Context(), actorOf(r), userID, role, req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, assignment)
}

// RemoveUserRole deletes a user's role assignment
func (h *Handlers) RemoveUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if h.guards != nil && !h.guards.authorizeRoleChange(w, r, userID, nil) {
		return
	}

	if err := h.admin.RemoveUserRole(r.Context(), actorOf(r), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserPermissions returns the effective role and permission set of a user
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	snap, err := h.resolver.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, snap)
}

// ListResourceGrants returns every grant on a resource
func (h *Handlers) ListResourceGrants(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := httputil.ParsePathStringOrError(w, r, "resourceId")
	if !ok {
		return
	}

	grants, err := h.admin.ListResourceGrants(r.Context(), resourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []ResourceGrant{}
	}
	httputil.WriteSuccess(w, grants)
}

// GrantResource creates a per-resource grant
func (h *Handlers) GrantResource(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := httputil.ParsePathStringOrError(w, r, "resourceId")
	if !ok {
		return
	}

	var req struct {
		UserID     int64  `json:"userId"`
		Permission string `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "userId must be positive")
		return
	}
	if _, _, err := SplitPermissionName(req.Permission); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	grant, err := h.admin.GrantResource(r.Context(), actorOf(r), resourceID, req.UserID, req.Permission)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, grant)
}

// RevokeResource deletes a per-resource grant
func (h *Handlers) RevokeResource(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := httputil.ParsePathStringOrError(w, r, "resourceId")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	permission, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	if err := h.admin.RevokeResource(r.Context(), actorOf(r), resourceID, userID, permission); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ResourceFromVar targets the resource named by a mux path variable
func ResourceFromVar(name string) ContextFunc {
	return func(r *http.Request) ResourceContext {
		id := mux.Vars(r)[name]
		if id == "" {
			return nil
		}
		return ResourceInstance{ResourceID: id}
	}
}

// OwnerFromVar treats a numeric mux path variable as the owner id
func OwnerFromVar(name string) OwnerFunc {
	return func(r *http.Request) (int64, bool, error) {
		raw := mux.Vars(r)[name]
		if raw == "" {
			return 0, false, nil
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return id, true, nil
	}
}

func (h *Handlers) protect(build func(*Guards) func(http.Handler) http.Handler) func(http.HandlerFunc) http.Handler {
	if h.guards == nil {
		return func(fn http.HandlerFunc) http.Handler { return fn }
	}
	mw := build(h.guards)
	return func(fn http.HandlerFunc) http.Handler { return mw(fn) }
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidation):
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("mutation saved without cache invalidation")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "change saved but cache invalidation failed")
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrDuplicate):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidPermission):
		httputil.WriteBadRequest(w, err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("rbac request failed")
		httputil.WriteInternalError(w, errors.New("internal server error"))
	}
}

func actorOf(r *http.Request) *int64 {
	identity := middleware.GetAuthContext(r)
	if identity == nil {
		return nil
	}
	id := identity.UserID
	return &id
}

func roleFromPath(w http.ResponseWriter, r *http.Request) (Role, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "role")
	if !ok {
		return "", false
	}
	role, err := ParseRole(raw)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return "", false
	}
	return role, true
}
