// Package source reads the upstream HR database. All queries are
// read-only; the writing side of the pipeline never touches this schema.
package source

import (
	"database/sql"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
)

// Source table names as recorded in checkpoints and provenance columns.
const (
	TableEmployee   = "R034FUN"
	TableComplement = "R034CPL"
)

// Reader runs the source-side queries against one HR database.
type Reader struct {
	db     *sql.DB
	schema string
	log    zerolog.Logger

	mu    sync.Mutex
	audit map[string]auditColumns
}

// NewReader validates the schema name once so later query builders can
// interpolate it safely.
func NewReader(db *sql.DB, schema string, log zerolog.Logger) (*Reader, error) {
	safe, err := sqlident.Safe(schema, "source schema")
	if err != nil {
		return nil, err
	}
	return &Reader{
		db:     db,
		schema: safe,
		log:    log,
		audit:  make(map[string]auditColumns),
	}, nil
}

// scanRows drains a result set into generic rows keyed by lowercase
// column name.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[strings.ToLower(c)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
