// Package audit records authorization mutations in an append-only trail.
//
// # Overview
//
// Every create, update or delete of a permission definition and every
// role mapping, role assignment or resource grant change produces one
// Entry. Writes are best-effort: LogAction returns nil on failure and logs
// the error instead of aborting the mutation being audited.
//
// # Actions
//
//	PERMISSION_CREATED, PERMISSION_UPDATED, PERMISSION_DELETED
//	PERMISSION_ASSIGNED, PERMISSION_REVOKED
//	ROLE_ASSIGNED, ROLE_REVOKED
//	RESOURCE_GRANTED, RESOURCE_REVOKED
//
// # Usage Example
//
//	trail := audit.NewTrail(store, logger, prometheus.DefaultRegisterer)
//	trail.LogAction(ctx, audit.Payload{
//		ActorUserID:  &adminID,
//		Action:       audit.ActionPermissionAssigned,
//		TargetRole:   "moderator",
//		PermissionID: &perm.ID,
//	})
//
//	page, err := trail.ListLogs(ctx, audit.ListFilter{
//		Action: audit.ActionPermissionAssigned,
//		Page:   1,
//		Limit:  50,
//	})
//
// Pages default to page 1 with 20 entries, the limit is clamped to
// [1, 100] and entries are ordered newest first.
//
// # Related Packages
//
//   - pkg/rbac: emits entries from its admin service
//   - pkg/httputil: JSON response helpers used by the handlers
package audit
