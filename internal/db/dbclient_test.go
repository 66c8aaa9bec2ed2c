package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnQueryRows(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectPrepare("SELECT name, total FROM t").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"NAME", "TOTAL", "SEEN"}).
			AddRow("alpha", int64(3), stamp).
			AddRow([]byte("beta"), []byte(" 4.5 "), nil).
			AddRow(nil, nil, nil))
	mock.ExpectClose()

	conn := NewConn(mockDB)
	rows, err := conn.Query(context.Background(), "SELECT name, total FROM t")
	require.NoError(t, err)

	require.True(t, rows.Next())
	name, err := rows.String("name")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	total, err := rows.Float64("total")
	require.NoError(t, err)
	assert.Equal(t, 3.0, total)
	seen, err := rows.String("SEEN")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00Z", seen)

	require.True(t, rows.Next())
	name, err = rows.String("NAME")
	require.NoError(t, err)
	assert.Equal(t, "beta", name)
	total, err = rows.Float64("TOTAL")
	require.NoError(t, err)
	assert.Equal(t, 4.5, total)

	require.True(t, rows.Next())
	name, err = rows.String("NAME")
	require.NoError(t, err)
	assert.Equal(t, "", name)
	_, err = rows.Float64("TOTAL")
	assert.True(t, errors.Is(err, ErrNull))

	_, err = rows.String("missing")
	assert.ErrorContains(t, err, `column "missing" not found`)

	assert.False(t, rows.Next())
	assert.NoError(t, rows.Err())
	assert.NoError(t, rows.Close())
	assert.NoError(t, rows.Close())

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnQueryErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPrepare("SELECT broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectPrepare("SELECT failing").ExpectQuery().WillReturnError(errors.New("permission denied"))

	conn := NewConn(mockDB)

	_, err = conn.Query(context.Background(), "SELECT broken")
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.ErrorContains(t, err, "syntax error")

	_, err = conn.Query(context.Background(), "SELECT failing")
	require.ErrorAs(t, err, &queryErr)
	assert.ErrorContains(t, err, "permission denied")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsIterationError(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPrepare("SELECT v FROM t").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"v"}).
			AddRow(1).
			AddRow(2).
			RowError(1, errors.New("connection reset")))

	rows, err := NewConn(mockDB).Query(context.Background(), "SELECT v FROM t")
	require.NoError(t, err)
	for rows.Next() {
	}
	assert.ErrorContains(t, rows.Err(), "connection reset")
	assert.NoError(t, rows.Close())
}

func TestSQLProviderOpen(t *testing.T) {
	const dsn = "sqlmock_provider_open"
	mockDB, mock, err := sqlmock.NewWithDSN(dsn, sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPrepare("SELECT 1 AS one").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectClose()

	provider := &SQLProvider{MaxOpenConns: 1}
	conn, err := provider.Open(context.Background(), dsn, map[string]string{PropDriver: "sqlmock"})
	require.NoError(t, err)

	rows, err := conn.Query(context.Background(), "SELECT 1 AS one")
	require.NoError(t, err)
	require.True(t, rows.Next())
	v, err := rows.Float64("one")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	require.NoError(t, rows.Close())

	assert.NoError(t, conn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProviderUnregisteredDriver(t *testing.T) {
	provider := &SQLProvider{}
	_, err := provider.Open(context.Background(), "whatever", map[string]string{PropDriver: "not-a-driver"})

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "not-a-driver", connErr.Driver)
	assert.ErrorContains(t, err, "is not registered")
}

func TestSQLProviderUnknownScheme(t *testing.T) {
	provider := &SQLProvider{}
	_, err := provider.Open(context.Background(), "cassandra://db", nil)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
}
