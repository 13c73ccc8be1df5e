package migrate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (x int);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (x text default 'a;b'); -- trailing; comment\ninsert into b values ('1');")},
		"sql/0002_b.down.sql": {Data: []byte("drop table b;")},
		"sql/README.md":       {Data: []byte("ignored")},
	}
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(db, testFS(), "sql", WithClock(func() time.Time { return fixed }))

	mock.ExpectExec(q("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(q("create table b (x text default 'a;b');")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("insert into b values ('1');")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("insert into schema_migrations(name, applied_at)")).
		WithArgs("0002_b.up.sql", fixed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_b.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mgr := NewManager(db, testFS(), "sql")

	mock.ExpectExec(q("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select name from schema_migrations")).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(q("create table a (x int);")).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	applied, err := mgr.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_a.up.sql")
	assert.Empty(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mgr := NewManager(db, testFS(), "sql")

	mock.ExpectExec(q("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(q("drop table b;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("delete from schema_migrations where name = $1")).
		WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0002_b.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithEmptyHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mgr := NewManager(db, testFS(), "sql")

	mock.ExpectExec(q("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select name from schema_migrations")).WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err = mgr.Down(context.Background())
	assert.ErrorIs(t, err, ErrNothingApplied)
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (x text default 'x;y');\n-- note; ignored\ninsert into a values ('1');")
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "'x;y'")
	assert.Contains(t, got[1], "insert into a")
}
