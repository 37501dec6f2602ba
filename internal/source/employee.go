package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// ChangedKey is one employee id that changed in a source table, with the
// change instant reconstructed from the table's audit columns.
type ChangedKey struct {
	ID       int
	ChangeAt time.Time
}

// auditColumns names how one table records its last modification. Senior
// installations vary: most carry a date plus a minutes-past-midnight
// column, older ones a single date, some nothing at all.
type auditColumns struct {
	date string
	time string
}

var auditCandidates = []auditColumns{
	{date: "datalt", time: "horalt"},
	{date: "datupd", time: "horupd"},
	{date: "dtalter"},
	{date: "datatu"},
}

// auditColumnsFor discovers and caches the audit columns of one table.
func (r *Reader) auditColumnsFor(ctx context.Context, table string) (auditColumns, error) {
	r.mu.Lock()
	cached, ok := r.audit[table]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	cols, err := sqlident.TableColumns(ctx, r.db, r.schema, table)
	if err != nil {
		return auditColumns{}, err
	}

	var found auditColumns
	for _, cand := range auditCandidates {
		dateCol, ok := cols[sqlident.NormalizeKey(cand.date)]
		if !ok {
			continue
		}
		found.date = dateCol
		if cand.time != "" {
			if timeCol, ok := cols[sqlident.NormalizeKey(cand.time)]; ok {
				found.time = timeCol
			}
		}
		break
	}

	r.mu.Lock()
	r.audit[table] = found
	r.mu.Unlock()

	if found.date == "" {
		r.log.Warn().
			Str("table", table).
			Msg("no audit columns found, falling back to id ordered scan")
	}
	return found, nil
}

// changeExpr renders the T-SQL expression that reconstructs the change
// instant from the audit columns.
func changeExpr(audit auditColumns) string {
	if audit.time != "" {
		return fmt.Sprintf("DATEADD(MINUTE, ISNULL(t.[%s], 0), CAST(t.[%s] AS DATETIME2(0)))", audit.time, audit.date)
	}
	return fmt.Sprintf("CAST(t.[%s] AS DATETIME2(0))", audit.date)
}

// ListChangedKeys returns up to limit employee ids changed in table after
// the checkpoint position (since, afterID), ordered by change instant and
// id so ties resume without skips. Tables without audit columns degrade to
// an id-ordered scan that restarts from zero once it runs out of rows.
func (r *Reader) ListChangedKeys(ctx context.Context, table string, limit int, since time.Time, afterID int) ([]ChangedKey, error) {
	safeTable, err := sqlident.Safe(table, "source table")
	if err != nil {
		return nil, err
	}
	audit, err := r.auditColumnsFor(ctx, safeTable)
	if err != nil {
		return nil, err
	}

	if audit.date == "" {
		keys, err := r.listKeysByID(ctx, safeTable, limit, afterID)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 && afterID > 0 {
			return r.listKeysByID(ctx, safeTable, limit, 0)
		}
		return keys, nil
	}

	expr := changeExpr(audit)
	query := fmt.Sprintf(`
SELECT TOP (@batch)
    t.[numcad] AS [numcad],
    %s AS [change_at]
FROM [%s].[%s] AS t
WHERE %s > @last_change
   OR (%s = @last_change AND t.[numcad] > @last_id)
ORDER BY [change_at], t.[numcad]`, expr, r.schema, safeTable, expr, expr)

	rows, err := r.db.QueryContext(ctx, query,
		sql.Named("batch", limit),
		sql.Named("last_change", since),
		sql.Named("last_id", afterID),
	)
	if err != nil {
		return nil, fmt.Errorf("list changed keys %s: %w", table, err)
	}
	defer rows.Close()

	var out []ChangedKey
	for rows.Next() {
		var key ChangedKey
		if err := rows.Scan(&key.ID, &key.ChangeAt); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (r *Reader) listKeysByID(ctx context.Context, safeTable string, limit, afterID int) ([]ChangedKey, error) {
	query := fmt.Sprintf(`
SELECT TOP (@batch) t.[numcad] AS [numcad]
FROM [%s].[%s] AS t
WHERE t.[numcad] > @last_id
ORDER BY t.[numcad]`, r.schema, safeTable)

	rows, err := r.db.QueryContext(ctx, query,
		sql.Named("batch", limit),
		sql.Named("last_id", afterID),
	)
	if err != nil {
		return nil, fmt.Errorf("list keys by id: %w", err)
	}
	defer rows.Close()

	sentinel := syncx.InitialCheckpoint().LastChange
	var out []ChangedKey
	for rows.Next() {
		key := ChangedKey{ChangeAt: sentinel}
		if err := rows.Scan(&key.ID); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ReadEmployeesByIDs loads the full joined employee rows for the given
// ids: base registration, complement (documents, filiation, address) and
// the city/country lookups. IN lists are chunked to stay far from the
// driver's parameter cap.
func (r *Reader) ReadEmployeesByIDs(ctx context.Context, ids []int) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var out []map[string]any
	for _, chunk := range syncx.Chunk(ids, 300) {
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("@id%d", i)
			args[i] = sql.Named(fmt.Sprintf("id%d", i), id)
		}

		query := fmt.Sprintf(`
SELECT
    f.[numemp], f.[tipcol], f.[numcad], f.[nomfun], f.[datnas], f.[tipsex],
    f.[numcpf], f.[numcra], f.[datadm], f.[codcar], f.[codccu], f.[codfil],
    f.[sitafa],
    c.[numcnh], c.[catcnh], c.[datcnh], c.[vencnh], c.[pricnh],
    c.[numrge]  AS [numero_rg],
    c.[orgrge]  AS [orgao_expedidor_rg],
    c.[estciv]  AS [estado_civil],
    c.[nommae]  AS [nome_mae],
    c.[endcol]  AS [logradouro],
    c.[nencol]  AS [numero],
    c.[baicol]  AS [bairro],
    c.[dddtel], c.[numtel],
    cid.[nomcid] AS [cidade],
    cid.[estcid] AS [estado_residencia],
    pai.[nompai] AS [pais],
    nat.[nomcid] AS [naturalidade]
FROM [%[1]s].[R034FUN] AS f
LEFT JOIN [%[1]s].[R034CPL] AS c
    ON c.[numemp] = f.[numemp] AND c.[tipcol] = f.[tipcol] AND c.[numcad] = f.[numcad]
LEFT JOIN [%[1]s].[R074CID] AS cid ON cid.[codcid] = c.[codcid]
LEFT JOIN [%[1]s].[R010PAI] AS pai ON pai.[codpai] = cid.[codpai]
LEFT JOIN [%[1]s].[R074CID] AS nat ON nat.[codcid] = c.[cidnat]
WHERE f.[numcad] IN (%[2]s)
ORDER BY f.[numcad]`, r.schema, strings.Join(placeholders, ", "))

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("read employees: %w", err)
		}
		batch, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}
