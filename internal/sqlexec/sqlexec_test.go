package sqlexec_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
	"github.com/malbeclabs/warehouse-loader/internal/sqlexec"
	"github.com/malbeclabs/warehouse-loader/internal/testutil"
)

func TestWithConnection_CommitsOnSuccess(t *testing.T) {
	t.Parallel()
	pg := testutil.NewPostgres(t, nil)

	err := sqlexec.WithConnection(context.Background(), pg.ConnStr(), func(ctx context.Context, c *sqlexec.Conn) error {
		return sqlexec.Execute(ctx, descriptor.ExecuteOpts{}, c,
			"CREATE TABLE widgets (id int)",
			"INSERT INTO widgets (id) VALUES (1)",
		)
	})
	require.NoError(t, err)

	db, err := sql.Open("pgx", pg.ConnStr())
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM widgets").Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithConnection_RollsBackOnStatementFailure(t *testing.T) {
	t.Parallel()
	pg := testutil.NewPostgres(t, nil)

	err := sqlexec.WithConnection(context.Background(), pg.ConnStr(), func(ctx context.Context, c *sqlexec.Conn) error {
		return sqlexec.Execute(ctx, descriptor.ExecuteOpts{}, c,
			"CREATE TABLE widgets (id int)",
			"INSERT INTO widgets (id) VALUES (1)",
			"INSERT INTO nonexistent_table (id) VALUES (1)",
		)
	})
	require.Error(t, err)
	var stmtErr *sqlexec.StatementError
	require.ErrorAs(t, err, &stmtErr)

	db, err := sql.Open("pgx", pg.ConnStr())
	require.NoError(t, err)
	defer db.Close()

	var tableCount int
	err = db.QueryRow("SELECT count(*) FROM information_schema.tables WHERE table_name = 'widgets'").Scan(&tableCount)
	require.NoError(t, err)
	require.Equal(t, 0, tableCount, "the create-table statement must have been rolled back with the rest of the transaction")
}

func TestExecute_TimesOutSlowStatement(t *testing.T) {
	t.Parallel()
	pg := testutil.NewPostgres(t, nil)

	err := sqlexec.WithConnection(context.Background(), pg.ConnStr(), func(ctx context.Context, c *sqlexec.Conn) error {
		return sqlexec.Execute(ctx, descriptor.ExecuteOpts{TimeoutMillis: 50}, c,
			"SELECT pg_sleep(5)",
		)
	})
	require.Error(t, err)
	var timeoutErr *sqlexec.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	pg := testutil.NewPostgres(t, nil)

	err := sqlexec.WithConnection(context.Background(), pg.ConnStr(), func(ctx context.Context, c *sqlexec.Conn) error {
		return sqlexec.Execute(ctx, descriptor.ExecuteOpts{}, c,
			"CREATE TABLE widgets (id int)",
			"SELECT * FROM nonexistent",
			"CREATE TABLE gadgets (id int)",
		)
	})
	require.Error(t, err)
	var stmtErr *sqlexec.StatementError
	require.ErrorAs(t, err, &stmtErr)
	require.Equal(t, "SELECT * FROM nonexistent", stmtErr.Statement, "Execute must report the failing statement and not run the third one")
}
