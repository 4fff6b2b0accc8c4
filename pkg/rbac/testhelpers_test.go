package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sharehub/pkg/audit"
)

// setupTestStore returns a migrated in-memory SQLite store
func setupTestStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger, _ := test.NewNullLogger()
	require.NoError(t, RunMigrations(context.Background(), db, DialectSQLite, logger))
	return NewSQLStore(db), db
}

// setupTestRedis returns a client on a fresh miniredis
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func seedPermission(t *testing.T, store Store, resource, action string) *Permission {
	t.Helper()
	perm := &Permission{Resource: resource, Action: action}
	require.NoError(t, store.CreatePermission(context.Background(), perm))
	return perm
}

func grantRole(t *testing.T, store Store, role Role, perms ...*Permission) {
	t.Helper()
	for _, p := range perms {
		_, err := store.AssignPermissionToRole(context.Background(), role, p.ID)
		require.NoError(t, err)
	}
}

func setRole(t *testing.T, store Store, userID int64, role Role) {
	t.Helper()
	require.NoError(t, store.SetUserRole(context.Background(), &UserRoleAssignment{UserID: userID, Role: role}))
}

// recordingAudit captures payloads written through audit.Logger
type recordingAudit struct {
	mu       sync.Mutex
	payloads []audit.Payload
}

func (r *recordingAudit) LogAction(_ context.Context, payload audit.Payload) *audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return &audit.Entry{ID: int64(len(r.payloads)), Action: payload.Action}
}

func (r *recordingAudit) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = p.Action
	}
	return out
}

func (r *recordingAudit) last() audit.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[len(r.payloads)-1]
}

// recordingPublisher captures published identity events
type recordingPublisher struct {
	mu     sync.Mutex
	events []IdentityEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...IdentityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}
