package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

// The flusher's hot path issues a single UPDATE per drained entry; pin the
// statement shape against the Postgres dialect.
func TestUpdateLatestMessageSQL(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "conversations" SET "latest_message_id"=\$1 WHERE id = \$2`).
		WithArgs(int64(77), int32(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateLatestMessage(context.Background(), 5, 77)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
