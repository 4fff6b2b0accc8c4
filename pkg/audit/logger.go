package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/sharehub/pkg/contextkeys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Logger records authorization mutations
type Logger interface {
	// LogAction appends an entry. It returns nil when the write failed;
	// the failure is logged and never propagated.
	LogAction(ctx context.Context, payload Payload) *Entry
}

// Trail is the audit trail over a Store
type Trail struct {
	store  Store
	logger logrus.FieldLogger
	writes *prometheus.CounterVec
	now    func() time.Time
}

// NewTrail creates a trail. registry may be nil.
func NewTrail(store Store, logger logrus.FieldLogger, registry prometheus.Registerer) *Trail {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharehub_audit_writes_total",
			Help: "Audit trail writes by action and result",
		},
		[]string{"action", "result"},
	)
	if registry != nil {
		registry.MustRegister(writes)
	}
	return &Trail{
		store:  store,
		logger: logger,
		writes: writes,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LogAction implements Logger
func (t *Trail) LogAction(ctx context.Context, payload Payload) *Entry {
	log := t.logger.WithField("action", string(payload.Action))

	if !payload.Action.Valid() {
		log.Error("refusing to record unknown audit action")
		t.writes.WithLabelValues(string(payload.Action), "invalid").Inc()
		return nil
	}

	entry := &Entry{
		ActorUserID:  payload.ActorUserID,
		Action:       payload.Action,
		PermissionID: payload.PermissionID,
		Metadata:     map[string]interface{}{},
		CreatedAt:    t.now(),
	}
	if payload.TargetRole != "" {
		role := payload.TargetRole
		entry.TargetRole = &role
	}
	if payload.PermissionName != "" {
		name := payload.PermissionName
		entry.PermissionName = &name
	}
	for k, v := range payload.Metadata {
		entry.Metadata[k] = v
	}
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		entry.Metadata["request_id"] = requestID
	}

	if err := t.store.Insert(ctx, entry); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"actor_user_id":   formatInt64Ptr(payload.ActorUserID),
			"target_role":     payload.TargetRole,
			"permission_name": payload.PermissionName,
		}).Error("failed to write audit entry")
		t.writes.WithLabelValues(string(payload.Action), "error").Inc()
		return nil
	}

	t.writes.WithLabelValues(string(payload.Action), "ok").Inc()
	return entry
}

// ListLogs returns one page of entries matching filter
func (t *Trail) ListLogs(ctx context.Context, filter ListFilter) (*Page, error) {
	filter = filter.Normalize()

	entries, total, err := t.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	return &Page{
		Data: entries,
		Meta: Meta{
			Total:      total,
			Page:       filter.Page,
			Limit:      filter.Limit,
			TotalPages: TotalPages(total, filter.Limit),
		},
	}, nil
}

// GetLog retrieves a single entry
func (t *Trail) GetLog(ctx context.Context, id int64) (*Entry, error) {
	return t.store.Get(ctx, id)
}

type noOpLogger struct{}

// NewNoOpLogger returns a Logger that records nothing
func NewNoOpLogger() Logger {
	return noOpLogger{}
}

func (noOpLogger) LogAction(context.Context, Payload) *Entry {
	return nil
}
