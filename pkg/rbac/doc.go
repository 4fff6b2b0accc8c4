// Package rbac provides role-based authorization and enforcement middleware for Sharehub.
//
// # Overview
//
// Every user holds at most one role from a fixed hierarchy:
//
//	guest < user < moderator < admin < super_admin
//
// Role checks are hierarchical: a moderator satisfies RequireRole(RoleUser).
// Permission checks are not. A permission is a "resource:action" name mapped
// explicitly into a role, and a role holds exactly the permissions mapped to
// it. Individual users can additionally be granted a permission on a single
// resource instance, which CheckPermission considers when a ResourceContext
// is supplied.
//
// Role assignments may carry an expiry. An expired assignment is treated as
// absent everywhere, and ExpirySweeper deletes them on a cron schedule.
//
// # Resolution
//
// Engine resolves decisions from a Store, reading through an optional
// Redis-backed IdentityCache:
//
//	store := rbac.NewSQLStore(db)
//	cache := rbac.NewIdentityCache(redisClient, "")
//	engine := rbac.NewEngine(store, rbac.WithCache(cache, rbac.DefaultCacheTTL))
//
//	ok, err := engine.HasRole(ctx, userID, rbac.RoleModerator)
//	decision, err := engine.CheckPermission(ctx, userID, "posts", "delete",
//		rbac.ResourceInstance{ResourceID: postID})
//
// The engine fails closed. A store fault is returned as a *CheckError alongside
// a denial; a cache fault falls back to the store. Cached snapshots have a
// fixed TTL that is never extended and never outlives the role expiry.
//
// # Invalidation
//
// Mutations go through Admin, which writes an audit entry and publishes an
// IdentityEvent on the EventBus. CacheInvalidator drops the snapshot of the
// affected user, or of every holder of the affected role. Invalidation bumps a
// per-user generation so a reader that loaded stale state cannot repopulate
// the cache after the mutation.
//
// # Enforcement
//
// Guards wraps HTTP handlers:
//
//	guards := rbac.NewGuards(engine)
//	router.Handle("/posts/{id}", guards.RequirePermission("posts", "delete",
//		rbac.ResourceFromVar("id"))(deleteHandler))
//	router.Handle("/users/{id}/settings", guards.RequireOwnership(
//		rbac.OwnerFromVar("id"))(settingsHandler))
//
// Requests without an authenticated identity receive 401 AUTH_REQUIRED.
// Denials are 403 with a code and the requirement that was not met. Faults
// are 500 with a *_CHECK_ERROR code and are never treated as an allow.
//
// # Policy
//
// A YAML policy file seeds permissions and role mappings. Applying it is
// additive and idempotent, runs through the audited mutation path, and can be
// reapplied on change with Admin.WatchPolicy:
//
//	permissions:
//	  - name: posts:delete
//	    description: delete any post
//	roles:
//	  moderator:
//	    - posts:delete
//
// # Wiring
//
// Manager assembles the components, runs migrations and registers the
// administration routes under /rbac.
package rbac
