package loader_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/warehouse-loader/internal/loader"
	"github.com/malbeclabs/warehouse-loader/internal/testutil"
)

func TestQueryLoadErrors_ReturnsMostRecentRowPerFilename(t *testing.T) {
	pg := testutil.NewPostgres(t, nil)

	db, err := sql.Open("pgx", pg.ConnStr())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `
CREATE TABLE stl_load_errors (
    query       bigint,
    filename    text,
    line_number int,
    colname     text,
    err_reason  text
)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
INSERT INTO stl_load_errors (query, filename, line_number, colname, err_reason) VALUES
    (1, 's3://b/t/bad.gz', 3, 'id', 'invalid digit'),
    (2, 's3://b/t/bad.gz', 7, 'id', 'invalid digit'),
    (1, 's3://b/t/other.gz', 1, 'v', 'invalid digit')
`)
	require.NoError(t, err)

	got, err := loader.QueryLoadErrors(ctx, pg.ConnStr(), []string{"s3://b/t/bad.gz", "s3://b/t/other.gz"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	filenames := map[string]bool{}
	for _, le := range got {
		filenames[le.Filename] = true
	}
	require.True(t, filenames["s3://b/t/bad.gz"])
	require.True(t, filenames["s3://b/t/other.gz"])
}

func TestQueryLoadErrors_EmptyFilenames_ReturnsNil(t *testing.T) {
	got, err := loader.QueryLoadErrors(context.Background(), "", nil)
	require.NoError(t, err)
	require.Nil(t, got)
}
