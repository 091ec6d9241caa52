package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/malbeclabs/warehouse-loader/internal/cycle"
)

// QueryLoadErrors queries stl_load_errors on jdbcURL for the most recent
// error row per filename, restricted to filenames. It satisfies
// cycle.QueryLoadErrorsFunc.
func QueryLoadErrors(ctx context.Context, jdbcURL string, filenames []string) ([]cycle.LoadError, error) {
	if len(filenames) == 0 {
		return nil, nil
	}

	db, err := sql.Open("pgx", jdbcURL)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to open stl_load_errors connection: %w", err)
	}
	defer db.Close()

	placeholders := make([]string, len(filenames))
	args := make([]any, len(filenames))
	for i, f := range filenames {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = f
	}

	query := fmt.Sprintf(`
SELECT e.filename
FROM stl_load_errors e
JOIN (
    SELECT filename, MAX(query) AS max_query
    FROM stl_load_errors
    WHERE filename IN (%s)
    GROUP BY filename
) latest ON e.filename = latest.filename AND e.query = latest.max_query
`, strings.Join(placeholders, ", "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loader: stl_load_errors query failed: %w", err)
	}
	defer rows.Close()

	var out []cycle.LoadError
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, fmt.Errorf("loader: failed to scan stl_load_errors row: %w", err)
		}
		out = append(out, cycle.LoadError{Filename: filename})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loader: stl_load_errors row iteration failed: %w", err)
	}
	return out, nil
}
