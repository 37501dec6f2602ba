package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Side tables of the leave sync.
const (
	leaveStateTable  = "AfastamentoSyncEstado"
	leaveCursorTable = "AfastamentoSyncCursor"
)

// leaveSourceTable is the provenance recorded on every leave event.
const leaveSourceTable = "R038AFA"

// LeaveKey is the natural key of a leave event. Comparable, so it doubles
// as the map key for hash lookups.
type LeaveKey struct {
	NumEmp    int
	TipCol    int
	NumCad    int
	LeaveDate civil.Date
	Situation int
}

// LeaveEvent is one leave change ready to be appended to the outbox.
type LeaveEvent struct {
	Key         LeaveKey
	Operation   string
	Hash        string
	PayloadJSON string

	StartHour            *int
	EndDate              *civil.Date
	EndHour              *int
	Description          string
	SituationDescription string
}

// LeaveStore writes leave events and sync state to the destination
// database.
type LeaveStore struct {
	db     *sql.DB
	schema string
	table  string
	log    zerolog.Logger

	insertSQL       string
	optionalParams  []string
	hasOriginSystem bool
}

// leaveOptionalColumns maps optional insert parameters onto their logical
// target columns, in the order they join the column list.
var leaveOptionalColumns = []struct{ param, column string }{
	{"hora_do_afastamento", "HoraDoAfastamento"},
	{"data_do_termino", "DataDoTermino"},
	{"hora_do_termino", "HoraDoTermino"},
	{"descricao", "Descricao"},
	{"descricao_da_situacao", "DescricaoDaSituacao"},
	{"tabela_origem", "TabelaOrigem"},
}

// NewLeaveStore resolves the outbox table layout once and fails fast when
// a required column is missing.
func NewLeaveStore(ctx context.Context, db *sql.DB, schema, table string, log zerolog.Logger) (*LeaveStore, error) {
	safeSchema, err := sqlident.Safe(schema, "target schema")
	if err != nil {
		return nil, err
	}
	safeTable, err := sqlident.Safe(table, "leave outbox table")
	if err != nil {
		return nil, err
	}

	cols, err := sqlident.TableColumns(ctx, db, safeSchema, safeTable)
	if err != nil {
		return nil, err
	}

	required := map[string]string{
		"numerodaempresa":             "NumeroDaEmpresa",
		"tipodecolaborador":           "TipoDeColaborador",
		"numerodeorigemdocolaborador": "NumeroDeOrigemDoColaborador",
		"datadoafastamento":           "DataDoAfastamento",
		"situacao":                    "Situacao",
		"operacao":                    "Operacao",
		"evento_tipo":                 "EventoTipo",
		"versao_payload":              "VersaoPayload",
		"hash_payload":                "HashPayload",
		"payload_json":                "PayloadJson",
		"status":                      "Status",
		"tentativas":                  "Tentativas",
		"database_origem":             "DatabaseOrigem",
		"criado_em":                   "CriadoEm",
		"atualizado_em":               "AtualizadoEm",
	}
	optional := map[string]string{
		"origem_sistema": "OrigemSistema",
		"usuario_banco":  "UsuarioBanco",
	}
	for _, c := range leaveOptionalColumns {
		optional[c.param] = c.column
	}

	resolved, err := sqlident.Resolve(cols, required, optional)
	if err != nil {
		return nil, fmt.Errorf("leave outbox [%s].[%s]: %w", safeSchema, safeTable, err)
	}

	s := &LeaveStore{db: db, schema: safeSchema, table: safeTable, log: log}
	s.buildInsertSQL(resolved)
	return s, nil
}

func (s *LeaveStore) buildInsertSQL(resolved map[string]string) {
	columns := []string{
		resolved["numerodaempresa"], resolved["tipodecolaborador"],
		resolved["numerodeorigemdocolaborador"], resolved["datadoafastamento"],
		resolved["situacao"], resolved["operacao"], resolved["evento_tipo"],
		resolved["versao_payload"], resolved["hash_payload"], resolved["payload_json"],
		resolved["status"], resolved["tentativas"], resolved["database_origem"],
		resolved["criado_em"], resolved["atualizado_em"],
	}
	values := []string{
		"@numerodaempresa", "@tipodecolaborador",
		"@numerodeorigemdocolaborador", "@datadoafastamento",
		"@situacao", "@operacao", "@evento_tipo",
		"@versao_payload", "@hash_payload", "@payload_json",
		"@status", "0", "@database_origem",
		"SYSUTCDATETIME()", "SYSUTCDATETIME()",
	}
	if col, ok := resolved["origem_sistema"]; ok {
		columns = append(columns, col)
		values = append(values, "@origem_sistema")
		s.hasOriginSystem = true
	}
	if col, ok := resolved["usuario_banco"]; ok {
		columns = append(columns, col)
		values = append(values, "SUSER_SNAME()")
	}
	for _, c := range leaveOptionalColumns {
		col, ok := resolved[c.param]
		if !ok {
			continue
		}
		columns = append(columns, col)
		values = append(values, "@"+c.param)
		s.optionalParams = append(s.optionalParams, c.param)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "[" + c + "]"
	}

	s.insertSQL = fmt.Sprintf(`
INSERT INTO [%[1]s].[%[2]s] (%[3]s)
SELECT %[4]s
WHERE NOT EXISTS (
    SELECT 1 FROM [%[1]s].[%[2]s]
    WHERE [%[5]s] = @numerodaempresa
      AND [%[6]s] = @tipodecolaborador
      AND [%[7]s] = @numerodeorigemdocolaborador
      AND [%[8]s] = @datadoafastamento
      AND [%[9]s] = @situacao
      AND [%[10]s] = @evento_tipo
      AND [%[11]s] = @versao_payload
      AND [%[12]s] = @hash_payload
      AND [%[13]s] IN (N'%[14]s', N'%[15]s')
)`,
		s.schema, s.table,
		strings.Join(quoted, ", "), strings.Join(values, ", "),
		resolved["numerodaempresa"], resolved["tipodecolaborador"],
		resolved["numerodeorigemdocolaborador"], resolved["datadoafastamento"],
		resolved["situacao"],
		resolved["evento_tipo"], resolved["versao_payload"], resolved["hash_payload"],
		resolved["status"], StatusPending, StatusError)
}

// EnsureAuxTables creates the hash and cursor side tables, backfills the
// DescricaoDaSituacao column on older outbox tables and creates the
// idempotency index when missing.
func (s *LeaveStore) EnsureAuxTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
IF OBJECT_ID(N'[%[1]s].[%[2]s]', N'U') IS NULL
CREATE TABLE [%[1]s].[%[2]s] (
    [DatabaseOrigem]              NVARCHAR(128) NOT NULL,
    [NumeroDaEmpresa]             INT           NOT NULL,
    [TipoDeColaborador]           INT           NOT NULL,
    [NumeroDeOrigemDoColaborador] INT           NOT NULL,
    [DataDoAfastamento]           DATE          NOT NULL,
    [Situacao]                    INT           NOT NULL,
    [HashPayload]                 NVARCHAR(64)  NOT NULL,
    [AtualizadoEm]                DATETIME2(0)  NOT NULL,
    CONSTRAINT [PK_%[2]s] PRIMARY KEY (
        [DatabaseOrigem], [NumeroDaEmpresa], [TipoDeColaborador],
        [NumeroDeOrigemDoColaborador], [DataDoAfastamento], [Situacao])
)`, s.schema, leaveStateTable),
		fmt.Sprintf(`
IF OBJECT_ID(N'[%[1]s].[%[2]s]', N'U') IS NULL
CREATE TABLE [%[1]s].[%[2]s] (
    [DatabaseOrigem] NVARCHAR(128) NOT NULL,
    [NumEmp]         INT           NOT NULL,
    [TipCol]         INT           NOT NULL,
    [NumCad]         INT           NOT NULL,
    [DataFa]         DATETIME2(0)  NOT NULL,
    [HoraFa]         INT           NOT NULL,
    [SeqReg]         BIGINT        NOT NULL,
    [AtualizadoEm]   DATETIME2(0)  NOT NULL,
    CONSTRAINT [PK_%[2]s] PRIMARY KEY ([DatabaseOrigem])
)`, s.schema, leaveCursorTable),
		fmt.Sprintf(`
IF COL_LENGTH(N'[%[1]s].[%[2]s]', N'DescricaoDaSituacao') IS NULL
ALTER TABLE [%[1]s].[%[2]s] ADD [DescricaoDaSituacao] NVARCHAR(200) NULL`, s.schema, s.table),
		fmt.Sprintf(`
IF NOT EXISTS (
    SELECT 1 FROM sys.indexes
    WHERE [name] = N'UX_%[2]s_Idem' AND [object_id] = OBJECT_ID(N'[%[1]s].[%[2]s]')
)
CREATE UNIQUE INDEX [UX_%[2]s_Idem] ON [%[1]s].[%[2]s]
    ([NumeroDaEmpresa], [TipoDeColaborador], [NumeroDeOrigemDoColaborador],
     [DataDoAfastamento], [Situacao], [EventoTipo], [VersaoPayload], [HashPayload], [Status])
    WHERE [Status] IN (N'%[3]s', N'%[4]s')`, s.schema, s.table, StatusPending, StatusError),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure leave aux tables: %w", err)
		}
	}
	return nil
}

// LoadCursor returns the saved reader position for one source database, or
// the initial sentinel when none was saved yet.
func (s *LeaveStore) LoadCursor(ctx context.Context, sourceDB string) (syncx.LeaveCursor, error) {
	query := fmt.Sprintf(`
SELECT [NumEmp], [TipCol], [NumCad], [DataFa], [HoraFa], [SeqReg]
FROM [%s].[%s]
WHERE [DatabaseOrigem] = @database_origem`,
		s.schema, leaveCursorTable)

	var cur syncx.LeaveCursor
	var leaveDate time.Time
	err := s.db.QueryRowContext(ctx, query, sql.Named("database_origem", sourceDB)).
		Scan(&cur.NumEmp, &cur.TipCol, &cur.NumCad, &leaveDate, &cur.StartHour, &cur.Sequence)
	if err == sql.ErrNoRows {
		return syncx.InitialLeaveCursor(), nil
	}
	if err != nil {
		return syncx.LeaveCursor{}, fmt.Errorf("load leave cursor: %w", err)
	}
	cur.LeaveDate = civil.DateOf(leaveDate)
	return cur, nil
}

// SaveCursor upserts the reader position for one source database.
func (s *LeaveStore) SaveCursor(ctx context.Context, sourceDB string, cur syncx.LeaveCursor) error {
	query := fmt.Sprintf(`
MERGE [%s].[%s] AS alvo
USING (SELECT @database_origem AS [DatabaseOrigem]) AS origem
ON alvo.[DatabaseOrigem] = origem.[DatabaseOrigem]
WHEN MATCHED THEN UPDATE SET
    [NumEmp] = @numemp, [TipCol] = @tipcol, [NumCad] = @numcad,
    [DataFa] = @datafa, [HoraFa] = @horafa, [SeqReg] = @seqreg,
    [AtualizadoEm] = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT
    ([DatabaseOrigem], [NumEmp], [TipCol], [NumCad], [DataFa], [HoraFa], [SeqReg], [AtualizadoEm])
    VALUES (@database_origem, @numemp, @tipcol, @numcad, @datafa, @horafa, @seqreg, SYSUTCDATETIME());`,
		s.schema, leaveCursorTable)

	_, err := s.db.ExecContext(ctx, query,
		sql.Named("database_origem", sourceDB),
		sql.Named("numemp", cur.NumEmp),
		sql.Named("tipcol", cur.TipCol),
		sql.Named("numcad", cur.NumCad),
		sql.Named("datafa", cur.LeaveDate.In(time.UTC)),
		sql.Named("horafa", cur.StartHour),
		sql.Named("seqreg", cur.Sequence),
	)
	if err != nil {
		return fmt.Errorf("save leave cursor: %w", err)
	}
	return nil
}

// LoadHashes returns the last stored payload hash per leave key. Keys are
// matched in chunked OR groups of five parameters each.
func (s *LeaveStore) LoadHashes(ctx context.Context, sourceDB string, keys []LeaveKey) (map[LeaveKey]string, error) {
	out := make(map[LeaveKey]string, len(keys))
	for _, chunk := range syncx.Chunk(keys, hashChunkSize) {
		groups := make([]string, len(chunk))
		args := []any{sql.Named("database_origem", sourceDB)}
		for i, key := range chunk {
			groups[i] = fmt.Sprintf(
				"([NumeroDaEmpresa] = @k%[1]d_ne AND [TipoDeColaborador] = @k%[1]d_tc AND [NumeroDeOrigemDoColaborador] = @k%[1]d_nc AND [DataDoAfastamento] = @k%[1]d_da AND [Situacao] = @k%[1]d_si)", i)
			args = append(args,
				sql.Named(fmt.Sprintf("k%d_ne", i), key.NumEmp),
				sql.Named(fmt.Sprintf("k%d_tc", i), key.TipCol),
				sql.Named(fmt.Sprintf("k%d_nc", i), key.NumCad),
				sql.Named(fmt.Sprintf("k%d_da", i), key.LeaveDate.In(time.UTC)),
				sql.Named(fmt.Sprintf("k%d_si", i), key.Situation),
			)
		}

		query := fmt.Sprintf(`
SELECT [NumeroDaEmpresa], [TipoDeColaborador], [NumeroDeOrigemDoColaborador],
       [DataDoAfastamento], [Situacao], [HashPayload]
FROM [%s].[%s]
WHERE [DatabaseOrigem] = @database_origem AND (%s)`,
			s.schema, leaveStateTable, strings.Join(groups, " OR "))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("load leave hashes: %w", err)
		}
		for rows.Next() {
			var key LeaveKey
			var leaveDate time.Time
			var hash string
			if err := rows.Scan(&key.NumEmp, &key.TipCol, &key.NumCad, &leaveDate, &key.Situation, &hash); err != nil {
				rows.Close()
				return nil, err
			}
			key.LeaveDate = civil.DateOf(leaveDate)
			out[key] = hash
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// AppendEvents inserts the events behind the idempotency guard and upserts
// their hashes, all in one transaction. Returns how many events were
// actually inserted.
func (s *LeaveStore) AppendEvents(ctx context.Context, sourceDB string, events []LeaveEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	hashSQL := fmt.Sprintf(`
MERGE [%s].[%s] AS alvo
USING (SELECT
        @database_origem AS [DatabaseOrigem],
        @numerodaempresa AS [NumeroDaEmpresa],
        @tipodecolaborador AS [TipoDeColaborador],
        @numerodeorigemdocolaborador AS [NumeroDeOrigemDoColaborador],
        @datadoafastamento AS [DataDoAfastamento],
        @situacao AS [Situacao]) AS origem
ON  alvo.[DatabaseOrigem] = origem.[DatabaseOrigem]
AND alvo.[NumeroDaEmpresa] = origem.[NumeroDaEmpresa]
AND alvo.[TipoDeColaborador] = origem.[TipoDeColaborador]
AND alvo.[NumeroDeOrigemDoColaborador] = origem.[NumeroDeOrigemDoColaborador]
AND alvo.[DataDoAfastamento] = origem.[DataDoAfastamento]
AND alvo.[Situacao] = origem.[Situacao]
WHEN MATCHED THEN UPDATE SET
    [HashPayload]  = @hash_payload,
    [AtualizadoEm] = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT
    ([DatabaseOrigem], [NumeroDaEmpresa], [TipoDeColaborador],
     [NumeroDeOrigemDoColaborador], [DataDoAfastamento], [Situacao],
     [HashPayload], [AtualizadoEm])
    VALUES (@database_origem, @numerodaempresa, @tipodecolaborador,
            @numerodeorigemdocolaborador, @datadoafastamento, @situacao,
            @hash_payload, SYSUTCDATETIME());`,
		s.schema, leaveStateTable)

	inserted := 0
	for _, ev := range events {
		res, err := tx.ExecContext(ctx, s.insertSQL, s.insertArgs(sourceDB, ev)...)
		switch {
		case isIdempotencyViolation(err):
			s.log.Debug().
				Int("numcad", ev.Key.NumCad).
				Str("data", ev.Key.LeaveDate.String()).
				Msg("duplicate leave event swallowed")
		case err != nil:
			return 0, fmt.Errorf("insert leave event %d/%s: %w", ev.Key.NumCad, ev.Key.LeaveDate, err)
		default:
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}

		_, err = tx.ExecContext(ctx, hashSQL,
			sql.Named("database_origem", sourceDB),
			sql.Named("numerodaempresa", ev.Key.NumEmp),
			sql.Named("tipodecolaborador", ev.Key.TipCol),
			sql.Named("numerodeorigemdocolaborador", ev.Key.NumCad),
			sql.Named("datadoafastamento", ev.Key.LeaveDate.In(time.UTC)),
			sql.Named("situacao", ev.Key.Situation),
			sql.Named("hash_payload", ev.Hash),
		)
		if err != nil {
			return 0, fmt.Errorf("save leave hash %d/%s: %w", ev.Key.NumCad, ev.Key.LeaveDate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *LeaveStore) insertArgs(sourceDB string, ev LeaveEvent) []any {
	args := []any{
		sql.Named("numerodaempresa", ev.Key.NumEmp),
		sql.Named("tipodecolaborador", ev.Key.TipCol),
		sql.Named("numerodeorigemdocolaborador", ev.Key.NumCad),
		sql.Named("datadoafastamento", ev.Key.LeaveDate.In(time.UTC)),
		sql.Named("situacao", ev.Key.Situation),
		sql.Named("operacao", ev.Operation),
		sql.Named("evento_tipo", EventTypeLeave),
		sql.Named("versao_payload", PayloadVersion),
		sql.Named("hash_payload", ev.Hash),
		sql.Named("payload_json", ev.PayloadJSON),
		sql.Named("status", StatusPending),
		sql.Named("database_origem", sourceDB),
	}
	if s.hasOriginSystem {
		args = append(args, sql.Named("origem_sistema", OriginSystem))
	}
	for _, param := range s.optionalParams {
		args = append(args, sql.Named(param, s.optionalValue(param, ev)))
	}
	return args
}

func (s *LeaveStore) optionalValue(param string, ev LeaveEvent) any {
	switch param {
	case "hora_do_afastamento":
		if ev.StartHour != nil {
			return *ev.StartHour
		}
	case "data_do_termino":
		if ev.EndDate != nil {
			return ev.EndDate.In(time.UTC)
		}
	case "hora_do_termino":
		if ev.EndHour != nil {
			return *ev.EndHour
		}
	case "descricao":
		if ev.Description != "" {
			return ev.Description
		}
	case "descricao_da_situacao":
		if ev.SituationDescription != "" {
			return ev.SituationDescription
		}
	case "tabela_origem":
		return leaveSourceTable
	}
	return nil
}

// ResetState deletes the hash memory and cursor of one source database.
func (s *LeaveStore) ResetState(ctx context.Context, sourceDB string) error {
	for _, table := range []string{leaveStateTable, leaveCursorTable} {
		query := fmt.Sprintf("DELETE FROM [%s].[%s] WHERE [DatabaseOrigem] = @database_origem", s.schema, table)
		if _, err := s.db.ExecContext(ctx, query, sql.Named("database_origem", sourceDB)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
