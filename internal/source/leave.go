package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"

	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// LeaveSituations is the closed set of situation codes forwarded
// downstream. Everything else recorded in R038AFA (vacations, schedule
// adjustments, internal transfers) stays out of the queue.
var LeaveSituations = []int{
	2, 3, 4, 5, 6, 7, 8, 9, 10, 11,
	12, 13, 14, 15, 16, 17, 18, 19, 20, 21,
	22, 23, 24, 25, 26, 28, 29, 30, 31, 33,
	35, 38, 40, 43, 45,
}

// ReadLeavesByCursor returns up to limit leave rows strictly after the
// cursor position in the (numemp, tipcol, numcad, datafa, horafa, seqreg)
// ordering. Rows are filtered to the situation whitelist and to changes
// at or after startDate; rows whose audit date is missing or carries the
// 1900 sentinel fall back to the leave date for that comparison.
func (r *Reader) ReadLeavesByCursor(ctx context.Context, limit int, cur syncx.LeaveCursor, startDate civil.Date) ([]map[string]any, error) {
	placeholders := make([]string, len(LeaveSituations))
	args := []any{
		sql.Named("batch", limit),
		sql.Named("data_inicio", startDate.In(time.UTC)),
		sql.Named("c_numemp", cur.NumEmp),
		sql.Named("c_tipcol", cur.TipCol),
		sql.Named("c_numcad", cur.NumCad),
		sql.Named("c_datafa", cur.LeaveDate.In(time.UTC)),
		sql.Named("c_horafa", cur.StartHour),
		sql.Named("c_seqreg", cur.Sequence),
	}
	for i, sit := range LeaveSituations {
		placeholders[i] = fmt.Sprintf("@sit%d", i)
		args = append(args, sql.Named(fmt.Sprintf("sit%d", i), sit))
	}

	query := fmt.Sprintf(`
SELECT TOP (@batch)
    a.[numemp], a.[tipcol], a.[numcad], f.[numcpf],
    a.[datafa], a.[horafa], a.[datter], a.[horter],
    a.[sitafa], a.[obsafa], a.[encafa], a.[seqreg], a.[datalt],
    s.[dessit]
FROM [%[1]s].[R038AFA] AS a
INNER JOIN [%[1]s].[R034FUN] AS f
    ON f.[numemp] = a.[numemp] AND f.[tipcol] = a.[tipcol] AND f.[numcad] = a.[numcad]
LEFT JOIN [%[1]s].[R010SIT] AS s ON s.[codsit] = a.[sitafa]
WHERE a.[sitafa] IN (%[2]s)
  AND (CASE WHEN a.[datalt] >= '19010101' THEN a.[datalt] ELSE a.[datafa] END) >= @data_inicio
  AND (
        a.[numemp] > @c_numemp
        OR (a.[numemp] = @c_numemp AND a.[tipcol] > @c_tipcol)
        OR (a.[numemp] = @c_numemp AND a.[tipcol] = @c_tipcol AND a.[numcad] > @c_numcad)
        OR (a.[numemp] = @c_numemp AND a.[tipcol] = @c_tipcol AND a.[numcad] = @c_numcad
            AND a.[datafa] > @c_datafa)
        OR (a.[numemp] = @c_numemp AND a.[tipcol] = @c_tipcol AND a.[numcad] = @c_numcad
            AND a.[datafa] = @c_datafa AND ISNULL(a.[horafa], 0) > @c_horafa)
        OR (a.[numemp] = @c_numemp AND a.[tipcol] = @c_tipcol AND a.[numcad] = @c_numcad
            AND a.[datafa] = @c_datafa AND ISNULL(a.[horafa], 0) = @c_horafa
            AND ISNULL(a.[seqreg], 0) > @c_seqreg)
    )
ORDER BY a.[numemp], a.[tipcol], a.[numcad], a.[datafa], ISNULL(a.[horafa], 0), ISNULL(a.[seqreg], 0)`,
		r.schema, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read leaves: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}
