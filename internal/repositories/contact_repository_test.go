package repositories

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockContactRepo(t *testing.T) (*ContactRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewContactRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func TestListContacts(t *testing.T) {
	repo, mock := newMockContactRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT contact_id FROM contacts WHERE user_id=$1")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow("bob").AddRow("carol"))

	ids, err := repo.ListContacts(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAreContacts(t *testing.T) {
	repo, mock := newMockContactRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("alice", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("alice", "eve").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := repo.AreContacts(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AreContacts(context.Background(), "alice", "eve")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
