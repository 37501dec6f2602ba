package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
)

// KeyColumn declares one natural-key column of an outbox table: the claim
// alias it is exposed under and the logical column it maps to. Optional
// keys join the claim and settlement only when the physical column exists.
type KeyColumn struct {
	Alias    string
	Column   string
	Optional bool
}

// TableSpec describes the natural key of one outbox table, in order.
type TableSpec struct {
	Keys []KeyColumn
}

// EmployeeQueueSpec keys the employee outbox by source id, with the
// company as an optional disambiguator.
func EmployeeQueueSpec() TableSpec {
	return TableSpec{Keys: []KeyColumn{
		{Alias: "id_de_origem", Column: "IdDeOrigem"},
		{Alias: "numemp", Column: "NumEmp", Optional: true},
	}}
}

// LeaveQueueSpec keys the leave outbox by its five-part natural key.
func LeaveQueueSpec() TableSpec {
	return TableSpec{Keys: []KeyColumn{
		{Alias: "numerodaempresa", Column: "NumeroDaEmpresa"},
		{Alias: "tipodecolaborador", Column: "TipoDeColaborador"},
		{Alias: "numerodeorigemdocolaborador", Column: "NumeroDeOrigemDoColaborador"},
		{Alias: "datadoafastamento", Column: "DataDoAfastamento"},
		{Alias: "situacao", Column: "Situacao"},
	}}
}

// Queue claims and settles rows of one outbox table under short-lived
// locks, so several dispatch workers can drain the same table without
// double-sending.
type Queue struct {
	db     *sql.DB
	schema string
	table  string
	log    zerolog.Logger

	cols map[string]string
	keys []KeyColumn

	claimSQL  string
	settleSQL string
	sweepSQL  string
}

// queueRequired are the columns a table must have to be drained at all.
// The lease columns are part of the contract: without them two workers
// would race every row.
var queueRequired = map[string]string{
	"status":     "Status",
	"tentativas": "Tentativas",
	"payload":    "PayloadJson",
	"criado_em":  "CriadoEm",
	"lock_id":    "LockId",
	"lock_em":    "LockEm",
}

var queueOptional = map[string]string{
	"atualizado_em":        "AtualizadoEm",
	"proxima_tentativa_em": "ProximaTentativaEm",
	"ultimo_erro":          "UltimoErro",
	"http_status":          "HttpStatus",
	"resposta_resumo":      "RespostaResumo",
	"processado_em":        "ProcessadoEm",
}

// NewQueue resolves the table layout and precomputes the claim, settle and
// sweep statements. Missing required columns fail here, before any worker
// starts.
func NewQueue(ctx context.Context, db *sql.DB, schema, table string, spec TableSpec, log zerolog.Logger) (*Queue, error) {
	safeSchema, err := sqlident.Safe(schema, "target schema")
	if err != nil {
		return nil, err
	}
	safeTable, err := sqlident.Safe(table, "outbox table")
	if err != nil {
		return nil, err
	}

	cols, err := sqlident.TableColumns(ctx, db, safeSchema, safeTable)
	if err != nil {
		return nil, err
	}

	requiredKeys := map[string]string{}
	optionalKeys := map[string]string{}
	for _, k := range spec.Keys {
		if k.Optional {
			optionalKeys[k.Alias] = k.Column
		} else {
			requiredKeys[k.Alias] = k.Column
		}
	}
	for alias, logical := range queueRequired {
		requiredKeys[alias] = logical
	}
	for alias, logical := range queueOptional {
		optionalKeys[alias] = logical
	}

	resolved, err := sqlident.Resolve(cols, requiredKeys, optionalKeys)
	if err != nil {
		return nil, fmt.Errorf("outbox queue [%s].[%s]: %w", safeSchema, safeTable, err)
	}

	q := &Queue{db: db, schema: safeSchema, table: safeTable, log: log, cols: cols}
	for _, k := range spec.Keys {
		physical, ok := resolved[k.Alias]
		if !ok {
			continue
		}
		q.keys = append(q.keys, KeyColumn{Alias: k.Alias, Column: physical, Optional: k.Optional})
	}
	q.buildClaimSQL(resolved)
	q.buildSettleSQL(resolved)
	q.buildSweepSQL(resolved)
	return q, nil
}

func (q *Queue) has(resolved map[string]string, alias string) bool {
	_, ok := resolved[alias]
	return ok
}

func (q *Queue) buildClaimSQL(r map[string]string) {
	projection := make([]string, 0, len(q.keys)+6)
	output := make([]string, 0, len(q.keys)+2)
	order := []string{}
	for _, k := range q.keys {
		projection = append(projection, fmt.Sprintf("t.[%s]", k.Column))
		output = append(output, fmt.Sprintf("INSERTED.[%s] AS [%s]", k.Column, k.Alias))
	}
	projection = append(projection,
		fmt.Sprintf("t.[%s]", r["payload"]),
		fmt.Sprintf("t.[%s]", r["tentativas"]),
		fmt.Sprintf("t.[%s]", r["status"]),
		fmt.Sprintf("t.[%s]", r["lock_id"]),
		fmt.Sprintf("t.[%s]", r["lock_em"]),
	)
	output = append(output,
		fmt.Sprintf("INSERTED.[%s] AS [payload_json]", r["payload"]),
		fmt.Sprintf("INSERTED.[%s] AS [tentativas]", r["tentativas"]),
	)

	where := []string{
		fmt.Sprintf("t.[%s] IN (N'%s', N'%s')", r["status"], StatusPending, StatusError),
		fmt.Sprintf("ISNULL(t.[%s], 0) < @max_tentativas", r["tentativas"]),
		fmt.Sprintf("(t.[%[1]s] IS NULL OR t.[%[2]s] IS NULL OR t.[%[2]s] < DATEADD(MINUTE, -@lock_timeout, SYSUTCDATETIME()))",
			r["lock_id"], r["lock_em"]),
	}
	if q.has(r, "proxima_tentativa_em") {
		where = append(where,
			fmt.Sprintf("(t.[%[1]s] IS NULL OR t.[%[1]s] <= SYSUTCDATETIME())", r["proxima_tentativa_em"]))
		order = append(order, fmt.Sprintf("ISNULL(t.[%s], t.[%s])", r["proxima_tentativa_em"], r["criado_em"]))
	}
	order = append(order, fmt.Sprintf("t.[%s]", r["criado_em"]))
	for _, k := range q.keys {
		order = append(order, fmt.Sprintf("t.[%s]", k.Column))
	}

	set := []string{
		fmt.Sprintf("[%s] = N'%s'", r["status"], StatusProcessing),
		fmt.Sprintf("[%s] = @lock_id", r["lock_id"]),
		fmt.Sprintf("[%s] = SYSUTCDATETIME()", r["lock_em"]),
	}
	if q.has(r, "atualizado_em") {
		projection = append(projection, fmt.Sprintf("t.[%s]", r["atualizado_em"]))
		set = append(set, fmt.Sprintf("[%s] = SYSUTCDATETIME()", r["atualizado_em"]))
	}

	q.claimSQL = fmt.Sprintf(`
;WITH lote AS (
    SELECT TOP (@batch_size)
        %s
    FROM [%s].[%s] AS t WITH (ROWLOCK, UPDLOCK, READPAST)
    WHERE %s
    ORDER BY %s
)
UPDATE lote SET
    %s
OUTPUT %s;`,
		strings.Join(projection, ",\n        "),
		q.schema, q.table,
		strings.Join(where, "\n      AND "),
		strings.Join(order, ", "),
		strings.Join(set, ",\n    "),
		strings.Join(output, ",\n       "))
}

func (q *Queue) buildSettleSQL(r map[string]string) {
	set := []string{
		fmt.Sprintf("[%s] = @status", r["status"]),
		fmt.Sprintf("[%s] = @tentativas", r["tentativas"]),
		fmt.Sprintf("[%s] = NULL", r["lock_id"]),
		fmt.Sprintf("[%s] = NULL", r["lock_em"]),
	}
	if q.has(r, "atualizado_em") {
		set = append(set, fmt.Sprintf("[%s] = SYSUTCDATETIME()", r["atualizado_em"]))
	}
	if q.has(r, "ultimo_erro") {
		set = append(set, fmt.Sprintf("[%s] = @ultimo_erro", r["ultimo_erro"]))
	}
	if q.has(r, "http_status") {
		set = append(set, fmt.Sprintf("[%s] = @http_status", r["http_status"]))
	}
	if q.has(r, "resposta_resumo") {
		set = append(set, fmt.Sprintf("[%s] = @resposta_resumo", r["resposta_resumo"]))
	}
	if q.has(r, "proxima_tentativa_em") {
		set = append(set, fmt.Sprintf("[%s] = @proxima_tentativa_em", r["proxima_tentativa_em"]))
	}
	if q.has(r, "processado_em") {
		set = append(set, fmt.Sprintf("[%s] = CASE WHEN @status = N'%s' THEN SYSUTCDATETIME() ELSE NULL END",
			r["processado_em"], StatusDone))
	}

	q.settleSQL = fmt.Sprintf(`
UPDATE [%s].[%s] SET
    %s
WHERE [%s] = @lock_id
  AND [%s] = N'%s'
  AND %s`,
		q.schema, q.table,
		strings.Join(set, ",\n    "),
		r["lock_id"], r["status"], StatusProcessing,
		q.keyPredicate())
}

func (q *Queue) buildSweepSQL(r map[string]string) {
	set := []string{
		fmt.Sprintf("[%s] = N'%s'", r["status"], StatusError),
		fmt.Sprintf("[%s] = NULL", r["lock_id"]),
		fmt.Sprintf("[%s] = NULL", r["lock_em"]),
	}
	if q.has(r, "ultimo_erro") {
		set = append(set, fmt.Sprintf("[%s] = @mensagem", r["ultimo_erro"]))
	}
	if q.has(r, "atualizado_em") {
		set = append(set, fmt.Sprintf("[%s] = SYSUTCDATETIME()", r["atualizado_em"]))
	}

	q.sweepSQL = fmt.Sprintf(`
UPDATE [%s].[%s] SET
    %s
WHERE [%s] = N'%s'
  AND [%s] IS NOT NULL
  AND [%s] < DATEADD(MINUTE, -@lock_timeout, SYSUTCDATETIME())`,
		q.schema, q.table,
		strings.Join(set, ",\n    "),
		r["status"], StatusProcessing,
		r["lock_em"], r["lock_em"])
}

// keyPredicate addresses one row by its claimed natural key. Optional keys
// compare NULL-safe because older rows may predate the column.
func (q *Queue) keyPredicate() string {
	parts := make([]string, len(q.keys))
	for i, k := range q.keys {
		if k.Optional {
			parts[i] = fmt.Sprintf("([%[1]s] = @k_%[2]s OR ([%[1]s] IS NULL AND @k_%[2]s IS NULL))", k.Column, k.Alias)
		} else {
			parts[i] = fmt.Sprintf("[%s] = @k_%s", k.Column, k.Alias)
		}
	}
	return strings.Join(parts, "\n  AND ")
}

func (q *Queue) keyArgs(ev Event) []any {
	args := make([]any, 0, len(q.keys))
	for _, k := range q.keys {
		args = append(args, sql.Named("k_"+k.Alias, ev.Key[k.Alias]))
	}
	return args
}

// Claim atomically moves up to batchSize due rows to PROCESSANDO under
// lockID and returns them. Due means: pending or errored below the attempt
// cap, not currently locked (or lock expired), and past any scheduled
// retry time. The READPAST hint lets concurrent workers skip each other's
// candidate rows instead of blocking on them.
func (q *Queue) Claim(ctx context.Context, lockID string, batchSize, maxAttempts int, lockTimeout time.Duration) ([]Event, error) {
	rows, err := q.db.QueryContext(ctx, q.claimSQL,
		sql.Named("batch_size", batchSize),
		sql.Named("max_tentativas", maxAttempts),
		sql.Named("lock_timeout", int(lockTimeout/time.Minute)),
		sql.Named("lock_id", lockID),
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		keyVals := make([]any, len(q.keys))
		ptrs := make([]any, 0, len(q.keys)+2)
		for i := range keyVals {
			ptrs = append(ptrs, &keyVals[i])
		}
		var payload string
		var attempts sql.NullInt64
		ptrs = append(ptrs, &payload, &attempts)

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		ev := Event{
			Key:         make(map[string]any, len(q.keys)),
			PayloadJSON: payload,
			Attempts:    int(attempts.Int64),
		}
		for i, k := range q.keys {
			ev.Key[k.Alias] = keyVals[i]
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkSuccess settles a claimed row as PROCESSADO, counting the delivery
// as one more attempt. Returns false when the row was not updated, meaning
// the lease expired and another worker took the row over; the caller must
// treat that as a no-op.
func (q *Queue) MarkSuccess(ctx context.Context, ev Event, lockID string, httpStatus *int, summary string) (bool, error) {
	return q.settle(ctx, ev, lockID, StatusDone, ev.Attempts+1, httpStatus, summary, "", nil)
}

// MarkError settles a claimed row as ERRO with the new attempt count, the
// error text and the next retry time (nil schedules no retry). Returns
// false when the lease was lost.
func (q *Queue) MarkError(ctx context.Context, ev Event, lockID string, attempts int, httpStatus *int, summary, lastError string, nextRetry *time.Time) (bool, error) {
	return q.settle(ctx, ev, lockID, StatusError, attempts, httpStatus, summary, lastError, nextRetry)
}

func (q *Queue) settle(ctx context.Context, ev Event, lockID, status string, attempts int, httpStatus *int, summary, lastError string, nextRetry *time.Time) (bool, error) {
	args := []any{
		sql.Named("lock_id", lockID),
		sql.Named("status", status),
		sql.Named("tentativas", attempts),
		sql.Named("ultimo_erro", nullIfEmpty(lastError)),
		sql.Named("http_status", nullableInt(httpStatus)),
		sql.Named("resposta_resumo", nullIfEmpty(summary)),
		sql.Named("proxima_tentativa_em", nullableTime(nextRetry)),
	}
	args = append(args, q.keyArgs(ev)...)

	res, err := q.db.ExecContext(ctx, q.settleSQL, args...)
	if err != nil {
		return false, fmt.Errorf("settle row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseExpiredLocks re-enqueues rows stuck in PROCESSANDO past the lock
// timeout: status back to ERRO with an explanatory message and the attempt
// count untouched, since no settlement ever happened. Returns how many
// rows were released.
func (q *Queue) ReleaseExpiredLocks(ctx context.Context, lockTimeout time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx, q.sweepSQL,
		sql.Named("lock_timeout", int(lockTimeout/time.Minute)),
		sql.Named("mensagem", LockExpiredMessage),
	)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn().Int64("rows", n).Str("table", q.table).Msg("expired locks released")
	}
	return int(n), nil
}

// FetchColumns reads extra columns of a claimed row for mapping rules that
// reference them. Requested names missing from the table are skipped, and
// a vanished row yields an empty map; mapping defaults cover both cases.
func (q *Queue) FetchColumns(ctx context.Context, ev Event, names []string) (map[string]any, error) {
	selects := make([]string, 0, len(names))
	found := make([]string, 0, len(names))
	for _, name := range names {
		physical, ok := q.cols[sqlident.NormalizeKey(name)]
		if !ok {
			continue
		}
		selects = append(selects, fmt.Sprintf("t.[%s] AS [sel_%d]", physical, len(found)))
		found = append(found, name)
	}
	if len(found) == 0 {
		return map[string]any{}, nil
	}

	query := fmt.Sprintf(`
SELECT TOP 1 %s
FROM [%s].[%s] AS t
WHERE %s`,
		strings.Join(selects, ", "),
		q.schema, q.table,
		strings.ReplaceAll(q.keyPredicate(), "[", "t.["))

	rows, err := q.db.QueryContext(ctx, query, q.keyArgs(ev)...)
	if err != nil {
		return nil, fmt.Errorf("fetch event columns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any, len(found))
	if rows.Next() {
		vals := make([]any, len(found))
		ptrs := make([]any, len(found))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, name := range found {
			out[name] = vals[i]
		}
	}
	return out, rows.Err()
}

// CountByStatus returns how many rows sit in each status.
func (q *Queue) CountByStatus(ctx context.Context) (map[string]int, error) {
	statusCol, ok := q.cols[sqlident.NormalizeKey("Status")]
	if !ok {
		return nil, fmt.Errorf("outbox [%s].[%s] has no status column", q.schema, q.table)
	}
	query := fmt.Sprintf("SELECT [%[1]s], COUNT(*) FROM [%[2]s].[%[3]s] GROUP BY [%[1]s]", statusCol, q.schema, q.table)

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Table returns the physical table name, for logs and status reporting.
func (q *Queue) Table() string {
	return q.table
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
