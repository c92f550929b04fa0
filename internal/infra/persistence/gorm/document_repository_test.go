package gormpersistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chriscod3/code-collab/internal/domain"
	gormpersistence "github.com/chriscod3/code-collab/internal/infra/persistence/gorm"
)

const (
	insertDocument = "INSERT INTO `documents`"
	selectDocument = "SELECT \\* FROM `documents` WHERE room_id = \\?"
)

func newDocumentRepo(t *testing.T) (*gormpersistence.GormDocumentRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return gormpersistence.NewGormDocumentRepository(db), mock
}

func newDocument() *domain.Document {
	return &domain.Document{RoomID: 5, Content: "mine", Language: domain.LanguageJavaScript}
}

func winnerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "room_id", "content", "language", "revision", "updated_by"}).
		AddRow(3, 5, "winner", "python", 2, "replica-a")
}

func TestGormDocumentRepository_CreateIfAbsent_FirstInsertWins(t *testing.T) {
	// Arrange
	repo, mock := newDocumentRepo(t)
	mock.ExpectExec(insertDocument).WillReturnResult(sqlmock.NewResult(7, 1))

	// Act
	doc, created, err := repo.CreateIfAbsent(context.Background(), newDocument())

	// Assert
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint(7), doc.ID)
	assert.Equal(t, "mine", doc.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormDocumentRepository_CreateIfAbsent_ConflictReadsBackWinner(t *testing.T) {
	// Arrange: ON DUPLICATE KEY 没有写入任何行
	repo, mock := newDocumentRepo(t)
	mock.ExpectExec(insertDocument).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectDocument).WillReturnRows(winnerRows())

	// Act
	doc, created, err := repo.CreateIfAbsent(context.Background(), newDocument())

	// Assert
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, uint(3), doc.ID)
	assert.Equal(t, "winner", doc.Content)
	assert.Equal(t, domain.LanguagePython, doc.Language)
	assert.Equal(t, uint64(2), doc.Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormDocumentRepository_CreateIfAbsent_DuplicateKeyErrorReadsBack(t *testing.T) {
	// Arrange
	repo, mock := newDocumentRepo(t)
	mock.ExpectExec(insertDocument).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '5' for key 'idx_documents_room_id'"})
	mock.ExpectQuery(selectDocument).WillReturnRows(winnerRows())

	// Act
	doc, created, err := repo.CreateIfAbsent(context.Background(), newDocument())

	// Assert
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", doc.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormDocumentRepository_CreateIfAbsent_StoreError(t *testing.T) {
	// Arrange
	repo, mock := newDocumentRepo(t)
	cause := errors.New("connection reset")
	mock.ExpectExec(insertDocument).WillReturnError(cause)

	// Act
	doc, created, err := repo.CreateIfAbsent(context.Background(), newDocument())

	// Assert
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, doc)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
