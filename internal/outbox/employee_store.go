package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Side tables of the employee sync. Created on demand, never dropped.
const (
	employeeStateTable      = "MotoristaSyncEstado"
	employeeCheckpointTable = "MotoristaSyncCheckpoint"
)

// hashChunkSize bounds IN lists and keyed OR groups so a query never gets
// near the driver's ~2100 parameter cap.
const hashChunkSize = 300

// EmployeeEvent is one employee change ready to be appended to the outbox.
type EmployeeEvent struct {
	SourceID    int
	Operation   string
	Hash        string
	PayloadJSON string

	// SourceTable records which audited tables triggered the event,
	// e.g. "R034FUN/R034CPL".
	SourceTable string

	// Mirror holds the denormalized reporting columns, keyed by parameter
	// name. Only the columns that exist on the target table are written.
	Mirror map[string]any
}

// employeeMirrorColumns maps mirror parameter names onto their logical
// target columns. All of them are optional: reporting tables choose which
// mirrors to carry.
var employeeMirrorColumns = []struct{ param, column string }{
	{"numemp", "NumEmp"},
	{"cpf", "Cpf"},
	{"matricula", "Matricula"},
	{"nome", "Nome"},
	{"centro_de_custo", "CentroDeCusto"},
	{"tipo_de_colaborador", "TipoDeColaborador"},
	{"situacao", "Situacao"},
	{"nome_do_motorista", "NomeDoMotorista"},
	{"numero_do_cpf", "NumeroDoCpf"},
	{"data_do_nascimento", "DataDoNascimento"},
	{"sexo", "Sexo"},
	{"estado_de_residencia", "EstadoDeResidencia"},
	{"pais_do_cadastro", "PaisDoCadastro"},
	{"naturalidade", "Naturalidade"},
	{"pais", "Pais"},
	{"orgao_expedidor_do_rg", "OrgaoExpedidorDoRg"},
	{"data_de_emissao_da_cnh", "DataDeEmissaoDaCnh"},
	{"data_de_vencimento_da_cnh", "DataDeVencimentoDaCnh"},
	{"numero_do_rg", "NumeroDoRg"},
	{"numero_da_cnh", "NumeroDaCnh"},
	{"categoria_da_cnh", "CategoriaDaCnh"},
	{"numero_do_registro_da_cnh", "NumeroDoRegistroDaCnh"},
	{"estado_civil", "EstadoCivil"},
	{"nome_da_mae", "NomeDaMae"},
	{"cidade", "Cidade"},
	{"logradouro", "Logradouro"},
	{"bairro", "Bairro"},
	{"numero_da_residencia", "NumeroDaResidencia"},
	{"ddd", "Ddd"},
	{"numero_de_telefone", "NumeroDeTelefone"},
}

// EmployeeStore writes employee events and sync state to the destination
// database.
type EmployeeStore struct {
	db     *sql.DB
	schema string
	table  string
	log    zerolog.Logger

	insertSQL       string
	mirrorParams    []string
	hasOriginSystem bool
}

// NewEmployeeStore resolves the outbox table layout once and fails fast
// when a required column is missing.
func NewEmployeeStore(ctx context.Context, db *sql.DB, schema, table string, log zerolog.Logger) (*EmployeeStore, error) {
	safeSchema, err := sqlident.Safe(schema, "target schema")
	if err != nil {
		return nil, err
	}
	safeTable, err := sqlident.Safe(table, "employee outbox table")
	if err != nil {
		return nil, err
	}

	cols, err := sqlident.TableColumns(ctx, db, safeSchema, safeTable)
	if err != nil {
		return nil, err
	}

	required := map[string]string{
		"id_de_origem":    "IdDeOrigem",
		"operacao":        "Operacao",
		"evento_tipo":     "EventoTipo",
		"versao_payload":  "VersaoPayload",
		"hash_payload":    "HashPayload",
		"payload_json":    "PayloadJson",
		"status":          "Status",
		"tentativas":      "Tentativas",
		"tabela_origem":   "TabelaOrigem",
		"database_origem": "DatabaseOrigem",
		"criado_em":       "CriadoEm",
		"atualizado_em":   "AtualizadoEm",
	}
	optional := map[string]string{
		"origem_sistema": "OrigemSistema",
		"usuario_banco":  "UsuarioBanco",
	}
	for _, m := range employeeMirrorColumns {
		optional[m.param] = m.column
	}

	resolved, err := sqlident.Resolve(cols, required, optional)
	if err != nil {
		return nil, fmt.Errorf("employee outbox [%s].[%s]: %w", safeSchema, safeTable, err)
	}

	s := &EmployeeStore{db: db, schema: safeSchema, table: safeTable, log: log}
	s.buildInsertSQL(resolved)
	return s, nil
}

func (s *EmployeeStore) buildInsertSQL(resolved map[string]string) {
	columns := []string{
		resolved["id_de_origem"], resolved["operacao"], resolved["evento_tipo"],
		resolved["versao_payload"], resolved["hash_payload"], resolved["payload_json"],
		resolved["status"], resolved["tentativas"], resolved["tabela_origem"],
		resolved["database_origem"], resolved["criado_em"], resolved["atualizado_em"],
	}
	values := []string{
		"@id_de_origem", "@operacao", "@evento_tipo",
		"@versao_payload", "@hash_payload", "@payload_json",
		"@status", "0", "@tabela_origem",
		"@database_origem", "SYSUTCDATETIME()", "SYSUTCDATETIME()",
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
	for _, m := range employeeMirrorColumns {
		col, ok := resolved[m.param]
		if !ok {
			continue
		}
		columns = append(columns, col)
		values = append(values, "@"+m.param)
		s.mirrorParams = append(s.mirrorParams, m.param)
	}

	guard := fmt.Sprintf("[%s] = @id_de_origem", resolved["id_de_origem"])
	if col, ok := resolved["numemp"]; ok {
		guard += fmt.Sprintf(" AND ([%s] = @numemp OR @numemp IS NULL)", col)
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
    WHERE %[5]s
      AND [%[6]s] = @evento_tipo
      AND [%[7]s] = @versao_payload
      AND [%[8]s] = @hash_payload
      AND [%[9]s] IN (N'%[10]s', N'%[11]s')
)`,
		s.schema, s.table,
		strings.Join(quoted, ", "), strings.Join(values, ", "),
		guard,
		resolved["evento_tipo"], resolved["versao_payload"], resolved["hash_payload"],
		resolved["status"], StatusPending, StatusError)
}

// EnsureAuxTables creates the hash and checkpoint side tables plus the
// idempotency index on the outbox table when they do not exist yet.
func (s *EmployeeStore) EnsureAuxTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
IF OBJECT_ID(N'[%[1]s].[%[2]s]', N'U') IS NULL
CREATE TABLE [%[1]s].[%[2]s] (
    [DatabaseOrigem] NVARCHAR(128) NOT NULL,
    [IdDeOrigem]     INT           NOT NULL,
    [HashPayload]    NVARCHAR(64)  NOT NULL,
    [AtualizadoEm]   DATETIME2(0)  NOT NULL,
    CONSTRAINT [PK_%[2]s] PRIMARY KEY ([DatabaseOrigem], [IdDeOrigem])
)`, s.schema, employeeStateTable),
		fmt.Sprintf(`
IF OBJECT_ID(N'[%[1]s].[%[2]s]', N'U') IS NULL
CREATE TABLE [%[1]s].[%[2]s] (
    [DatabaseOrigem]  NVARCHAR(128) NOT NULL,
    [TabelaOrigem]    NVARCHAR(128) NOT NULL,
    [UltimaAlteracao] DATETIME2(0)  NOT NULL,
    [UltimoNumCad]    INT           NOT NULL,
    [AtualizadoEm]    DATETIME2(0)  NOT NULL,
    CONSTRAINT [PK_%[2]s] PRIMARY KEY ([DatabaseOrigem], [TabelaOrigem])
)`, s.schema, employeeCheckpointTable),
		fmt.Sprintf(`
IF NOT EXISTS (
    SELECT 1 FROM sys.indexes
    WHERE [name] = N'UX_%[2]s_Idem' AND [object_id] = OBJECT_ID(N'[%[1]s].[%[2]s]')
)
CREATE UNIQUE INDEX [UX_%[2]s_Idem] ON [%[1]s].[%[2]s]
    ([IdDeOrigem], [EventoTipo], [VersaoPayload], [HashPayload], [Status])
    WHERE [Status] IN (N'%[3]s', N'%[4]s')`, s.schema, s.table, StatusPending, StatusError),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure employee aux tables: %w", err)
		}
	}
	return nil
}

// LoadCheckpoint returns the saved position for one audited source table,
// or the initial sentinel when none was saved yet.
func (s *EmployeeStore) LoadCheckpoint(ctx context.Context, sourceDB, sourceTable string) (syncx.Checkpoint, error) {
	query := fmt.Sprintf(`
SELECT [UltimaAlteracao], [UltimoNumCad]
FROM [%s].[%s]
WHERE [DatabaseOrigem] = @database_origem AND [TabelaOrigem] = @tabela_origem`,
		s.schema, employeeCheckpointTable)

	var cp syncx.Checkpoint
	err := s.db.QueryRowContext(ctx, query,
		sql.Named("database_origem", sourceDB),
		sql.Named("tabela_origem", sourceTable),
	).Scan(&cp.LastChange, &cp.LastID)
	if err == sql.ErrNoRows {
		return syncx.InitialCheckpoint(), nil
	}
	if err != nil {
		return syncx.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sourceTable, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts the position for one audited source table.
func (s *EmployeeStore) SaveCheckpoint(ctx context.Context, sourceDB, sourceTable string, cp syncx.Checkpoint) error {
	query := fmt.Sprintf(`
MERGE [%s].[%s] AS alvo
USING (SELECT @database_origem AS [DatabaseOrigem], @tabela_origem AS [TabelaOrigem]) AS origem
ON alvo.[DatabaseOrigem] = origem.[DatabaseOrigem] AND alvo.[TabelaOrigem] = origem.[TabelaOrigem]
WHEN MATCHED THEN UPDATE SET
    [UltimaAlteracao] = @ultima_alteracao,
    [UltimoNumCad]    = @ultimo_numcad,
    [AtualizadoEm]    = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT
    ([DatabaseOrigem], [TabelaOrigem], [UltimaAlteracao], [UltimoNumCad], [AtualizadoEm])
    VALUES (@database_origem, @tabela_origem, @ultima_alteracao, @ultimo_numcad, SYSUTCDATETIME());`,
		s.schema, employeeCheckpointTable)

	_, err := s.db.ExecContext(ctx, query,
		sql.Named("database_origem", sourceDB),
		sql.Named("tabela_origem", sourceTable),
		sql.Named("ultima_alteracao", cp.LastChange),
		sql.Named("ultimo_numcad", cp.LastID),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", sourceTable, err)
	}
	return nil
}

// LoadHashes returns the last stored payload hash per employee id.
func (s *EmployeeStore) LoadHashes(ctx context.Context, sourceDB string, ids []int) (map[int]string, error) {
	out := make(map[int]string, len(ids))
	for _, chunk := range syncx.Chunk(ids, hashChunkSize) {
		placeholders := make([]string, len(chunk))
		args := []any{sql.Named("database_origem", sourceDB)}
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("@id%d", i)
			args = append(args, sql.Named(fmt.Sprintf("id%d", i), id))
		}

		query := fmt.Sprintf(`
SELECT [IdDeOrigem], [HashPayload]
FROM [%s].[%s]
WHERE [DatabaseOrigem] = @database_origem AND [IdDeOrigem] IN (%s)`,
			s.schema, employeeStateTable, strings.Join(placeholders, ", "))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("load employee hashes: %w", err)
		}
		for rows.Next() {
			var id int
			var hash string
			if err := rows.Scan(&id, &hash); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = hash
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
// their hashes, all in one transaction. Racing duplicates detected by the
// unique index are swallowed. Returns how many events were actually
// inserted.
func (s *EmployeeStore) AppendEvents(ctx context.Context, sourceDB string, events []EmployeeEvent) (int, error) {
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
USING (SELECT @database_origem AS [DatabaseOrigem], @id_de_origem AS [IdDeOrigem]) AS origem
ON alvo.[DatabaseOrigem] = origem.[DatabaseOrigem] AND alvo.[IdDeOrigem] = origem.[IdDeOrigem]
WHEN MATCHED THEN UPDATE SET
    [HashPayload]  = @hash_payload,
    [AtualizadoEm] = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT ([DatabaseOrigem], [IdDeOrigem], [HashPayload], [AtualizadoEm])
    VALUES (@database_origem, @id_de_origem, @hash_payload, SYSUTCDATETIME());`,
		s.schema, employeeStateTable)

	inserted := 0
	for _, ev := range events {
		res, err := tx.ExecContext(ctx, s.insertSQL, s.insertArgs(sourceDB, ev)...)
		switch {
		case isIdempotencyViolation(err):
			s.log.Debug().Int("id", ev.SourceID).Msg("duplicate employee event swallowed")
		case err != nil:
			return 0, fmt.Errorf("insert employee event %d: %w", ev.SourceID, err)
		default:
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}

		_, err = tx.ExecContext(ctx, hashSQL,
			sql.Named("database_origem", sourceDB),
			sql.Named("id_de_origem", ev.SourceID),
			sql.Named("hash_payload", ev.Hash),
		)
		if err != nil {
			return 0, fmt.Errorf("save employee hash %d: %w", ev.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *EmployeeStore) insertArgs(sourceDB string, ev EmployeeEvent) []any {
	args := []any{
		sql.Named("id_de_origem", ev.SourceID),
		sql.Named("operacao", ev.Operation),
		sql.Named("evento_tipo", EventTypeEmployee),
		sql.Named("versao_payload", PayloadVersion),
		sql.Named("hash_payload", ev.Hash),
		sql.Named("payload_json", ev.PayloadJSON),
		sql.Named("status", StatusPending),
		sql.Named("tabela_origem", ev.SourceTable),
		sql.Named("database_origem", sourceDB),
	}
	if s.hasOriginSystem {
		args = append(args, sql.Named("origem_sistema", OriginSystem))
	}
	for _, param := range s.mirrorParams {
		args = append(args, sql.Named(param, ev.Mirror[param]))
	}
	return args
}

// ResetState deletes the hash memory and checkpoints of one source
// database. The next sync cycle restarts from the initial sentinel and
// re-evaluates every row.
func (s *EmployeeStore) ResetState(ctx context.Context, sourceDB string) error {
	for _, table := range []string{employeeStateTable, employeeCheckpointTable} {
		query := fmt.Sprintf("DELETE FROM [%s].[%s] WHERE [DatabaseOrigem] = @database_origem", s.schema, table)
		if _, err := s.db.ExecContext(ctx, query, sql.Named("database_origem", sourceDB)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
