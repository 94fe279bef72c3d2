package migrate

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestMigrateColdStoreIssuesCreateTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS logs").WillReturnResult(sqlmock.NewResult(0, 0))

	m := New(db, nil, testLogger())
	require.NoError(t, m.migrateColdStore(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateColdStorePropagatesFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS logs").WillReturnError(errors.New("connection refused"))

	m := New(db, nil, testLogger())
	require.Error(t, m.migrateColdStore(context.Background()))
}
