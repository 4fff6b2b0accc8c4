package rbac

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMigrations_Dialects(t *testing.T) {
	pg := GetMigrations(DialectPostgres)
	lite := GetMigrations(DialectSQLite)
	require.Equal(t, len(pg), len(lite))

	for i := range pg {
		assert.Equal(t, pg[i].Version, lite[i].Version)
		assert.NotContains(t, pg[i].SQL, "{{serial}}")
		assert.NotContains(t, lite[i].SQL, "{{serial}}")
	}
	assert.Contains(t, pg[0].SQL, "BIGSERIAL")
	assert.Contains(t, lite[0].SQL, "AUTOINCREMENT")
}

func TestRunMigrations_Idempotent(t *testing.T) {
	store, db := setupTestStore(t)
	logger, _ := test.NewNullLogger()

	require.NoError(t, RunMigrations(context.Background(), db, DialectSQLite, logger))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM authz_migrations").Scan(&count))
	assert.Equal(t, len(GetMigrations(DialectSQLite)), count)

	_, err := store.ListPermissions(context.Background())
	assert.NoError(t, err)
}

func TestRunMigrations_FailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	logger, _ := test.NewNullLogger()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS authz_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM authz_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = RunMigrations(context.Background(), db, DialectPostgres, logger)
	assert.ErrorContains(t, err, "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_WrapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db)

	mock.ExpectQuery("FROM authz_user_roles").WithArgs(int64(1)).WillReturnError(errors.New("connection reset"))

	_, err = store.GetUserRole(context.Background(), 1)
	assert.ErrorContains(t, err, "failed to get user role")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
