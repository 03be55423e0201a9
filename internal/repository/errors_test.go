package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	apperrors "github.com/perf-analysis/pkg/errors"
)

// newMockRepository opens a GORM connection over a sqlmock driver so
// database-layer error paths can be exercised without a real database.
func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	dialector := postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"})
	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return New(db, ""), mock
}

func TestGetTreenodeNotFoundTranslatesToItemNotFound(t *testing.T) {
	r, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "treenode"`).
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := r.GetTreenode(context.Background(), 1)
	require.Error(t, err)
	require.True(t, apperrors.IsItemNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureTranslatesToDatabaseError(t *testing.T) {
	r, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(sqlmock.ErrCancelled)

	tx := r.db.Begin()
	err := r.Commit(tx)
	require.Error(t, err)
	require.True(t, apperrors.IsDatabaseError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
