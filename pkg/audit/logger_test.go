package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sharehub/pkg/contextkeys"
)

func setupSQLiteTrail(t *testing.T) *Trail {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureTable(context.Background(), "sqlite3"))

	logger, _ := test.NewNullLogger()
	trail := NewTrail(store, logger, nil)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return trail
}

func TestTrail_LogAction(t *testing.T) {
	trail := setupSQLiteTrail(t)
	ctx := contextkeys.WithRequestID(context.Background(), "req-1")

	actor := int64(1)
	permID := int64(10)
	entry := trail.LogAction(ctx, Payload{
		ActorUserID:    &actor,
		Action:         ActionPermissionAssigned,
		TargetRole:     "moderator",
		PermissionID:   &permID,
		PermissionName: "comment:delete",
	})
	require.NotNil(t, entry)
	assert.NotZero(t, entry.ID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])

	page, err := trail.ListLogs(context.Background(), ListFilter{Action: ActionPermissionAssigned})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	got := page.Data[0]
	assert.Equal(t, ActionPermissionAssigned, got.Action)
	require.NotNil(t, got.TargetRole)
	assert.Equal(t, "moderator", *got.TargetRole)
	require.NotNil(t, got.PermissionID)
	assert.Equal(t, permID, *got.PermissionID)
	assert.Equal(t, "req-1", got.Metadata["request_id"])
}

func TestTrail_LogActionFailureIsSwallowed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO authz_audit_logs").WillReturnError(errors.New("disk full"))

	logger, hook := test.NewNullLogger()
	registry := prometheus.NewRegistry()
	trail := NewTrail(&SQLStore{db: db}, logger, registry)

	var entry *Entry
	assert.NotPanics(t, func() {
		entry = trail.LogAction(context.Background(), Payload{Action: ActionPermissionCreated, PermissionName: "resource:read"})
	})
	assert.Nil(t, entry)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "failed to write audit entry", hook.LastEntry().Message)
	assert.Equal(t, float64(1), testutil.ToFloat64(trail.writes.WithLabelValues("PERMISSION_CREATED", "error")))
}

func TestTrail_LogActionRejectsUnknownAction(t *testing.T) {
	trail := setupSQLiteTrail(t)
	assert.Nil(t, trail.LogAction(context.Background(), Payload{Action: "PERMISSION_STOLEN"}))
}

func TestTrail_ListLogs(t *testing.T) {
	trail := setupSQLiteTrail(t)
	ctx := context.Background()

	admin := int64(1)
	other := int64(2)
	for i := 0; i < 25; i++ {
		actor := &admin
		if i%5 == 0 {
			actor = &other
		}
		action := ActionPermissionAssigned
		if i%2 == 1 {
			action = ActionPermissionRevoked
		}
		require.NotNil(t, trail.LogAction(ctx, Payload{ActorUserID: actor, Action: action, TargetRole: "user"}))
	}

	t.Run("paginates newest first", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{Page: 2, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, Meta{Total: 25, Page: 2, Limit: 10, TotalPages: 3}, page.Meta)
		require.Len(t, page.Data, 10)
		for i := 1; i < len(page.Data); i++ {
			assert.True(t, page.Data[i-1].CreatedAt.After(page.Data[i].CreatedAt))
		}
		assert.Equal(t, int64(15), page.Data[0].ID)
	})

	t.Run("defaults", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Meta.Page)
		assert.Equal(t, 20, page.Meta.Limit)
		assert.Len(t, page.Data, 20)
		assert.Equal(t, int64(25), page.Data[0].ID)
	})

	t.Run("clamps limit", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{Limit: 1000})
		require.NoError(t, err)
		assert.Equal(t, 100, page.Meta.Limit)
		assert.Equal(t, 1, page.Meta.TotalPages)
	})

	t.Run("filters by action", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{Action: ActionPermissionRevoked, Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, int64(12), page.Meta.Total)
		for _, e := range page.Data {
			assert.Equal(t, ActionPermissionRevoked, e.Action)
		}
	})

	t.Run("filters by actor", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{ActorUserID: &other})
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.Meta.Total)
	})

	t.Run("filters by target role", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{TargetRole: "admin"})
		require.NoError(t, err)
		assert.Zero(t, page.Meta.Total)
		assert.Empty(t, page.Data)
		assert.Zero(t, page.Meta.TotalPages)
	})

	t.Run("page past end", func(t *testing.T) {
		page, err := trail.ListLogs(ctx, ListFilter{Page: 9, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(25), page.Meta.Total)
		assert.Empty(t, page.Data)
	})
}
