package metadata

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// The sqlite-backed tests cover behavior; these cover the postgres
// dialect itself, which would otherwise need a live server: placeholder
// rewriting, unique-violation mapping, and driver error propagation.

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &sqlStore{db: db, d: postgresDialect}, mock
}

func TestPostgresRebind(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SELECT 1", "SELECT 1"},
		{"WHERE name = ?", "WHERE name = $1"},
		{"VALUES (?, ?, ?)", "VALUES ($1, $2, $3)"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, postgresDialect.rebind(tc.in), "rebind %q", tc.in)
	}
}

func TestPostgresGetPackage(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"name", "description", "is_discontinued", "replaced_by",
		"is_upstream_cache", "created_at", "updated_at",
	}).AddRow("http", "composable http client", false, nil, false, now, now)
	mock.ExpectQuery(`SELECT .+ FROM packages WHERE name = \$1`).
		WithArgs("http").
		WillReturnRows(rows)

	pkg, err := store.GetPackage(context.Background(), "http")
	require.NoError(t, err)
	require.Equal(t, "http", pkg.Name)
	require.False(t, pkg.IsUpstreamCache)
	require.Nil(t, pkg.ReplacedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetPackageNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM packages WHERE name = \$1`).
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetPackage(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationMapsToAlreadyExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateUser(context.Background(), &User{
		ID:        "u-1",
		Email:     "dev@example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDriverErrorIsWrapped(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT .+ FROM package_versions`).
		WillReturnError(boom)

	_, err := store.GetPackageVersion(context.Background(), "http", "1.0.0")
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "get version http/1.0.0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHealthCheckUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("server is down"))

	h := store.HealthCheck(context.Background())
	require.Equal(t, "unavailable", h.Status)
	require.Equal(t, "sql", h.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}
