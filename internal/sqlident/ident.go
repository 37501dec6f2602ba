package sqlident

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Identifiers are interpolated into SQL text (schema, table and column
// names cannot be bound parameters), so every one of them must match this
// pattern before it reaches a query string. Values always stay bound.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Safe validates value as a SQL identifier and returns it trimmed.
// label names the identifier in the error message.
func Safe(value, label string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !identRe.MatchString(trimmed) {
		return "", fmt.Errorf("invalid %s identifier: %q", label, value)
	}
	return trimmed, nil
}

// NormalizeKey reduces a column name to lowercase alphanumerics so that
// logical names match physical columns regardless of case or separators
// ("IdDeOrigem", "id_de_origem" and "IDDEORIGEM" all normalize equal).
func NormalizeKey(value string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(value) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// Querier is the subset of database/sql used for reads. Both *sql.DB and
// *sql.Tx satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// TableColumns reads the physical column names of schema.table and returns
// them keyed by NormalizeKey. An empty result means the table does not
// exist (or the login cannot see it), which is an error: every table this
// service touches must exist before it starts.
func TableColumns(ctx context.Context, q Querier, schema, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS AS c
		WHERE c.TABLE_SCHEMA = @p1
		AND c.TABLE_NAME = @p2
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of [%s].[%s]: %w", schema, table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[NormalizeKey(name)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table not found: [%s].[%s]", schema, table)
	}
	return cols, nil
}

// Resolve maps logical aliases to physical column names using a lookup
// produced by TableColumns. Missing required columns are an error; missing
// optional columns are silently skipped so heterogeneous installations keep
// working with the columns they have.
func Resolve(lookup map[string]string, required map[string]string, optional map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(required)+len(optional))

	var missing []string
	for alias, logical := range required {
		actual, ok := lookup[NormalizeKey(logical)]
		if !ok {
			missing = append(missing, logical)
			continue
		}
		resolved[alias] = actual
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required columns not found: %s", strings.Join(missing, ", "))
	}

	for alias, logical := range optional {
		if actual, ok := lookup[NormalizeKey(logical)]; ok {
			resolved[alias] = actual
		}
	}
	return resolved, nil
}
