package outbox

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func fullEmployeeQueueColumns() []string {
	return []string{
		"IdDeOrigem", "NumEmp", "Cpf", "Status", "Tentativas", "PayloadJson",
		"CriadoEm", "AtualizadoEm", "LockId", "LockEm",
		"ProximaTentativaEm", "UltimoErro", "HttpStatus", "RespostaResumo", "ProcessadoEm",
	}
}

func newTestQueue(t *testing.T, table string, spec TableSpec, columns []string) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rows := sqlmock.NewRows([]string{"COLUMN_NAME"})
	for _, c := range columns {
		rows.AddRow(c)
	}
	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WithArgs("dbo", table).
		WillReturnRows(rows)

	q, err := NewQueue(context.Background(), db, "dbo", table, spec, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, mock
}

func TestNewQueueRequiresLeaseColumns(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WithArgs("dbo", "MotoristaCadastro").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).
			AddRow("IdDeOrigem").AddRow("Status").AddRow("Tentativas").
			AddRow("PayloadJson").AddRow("CriadoEm"))

	_, err = NewQueue(context.Background(), db, "dbo", "MotoristaCadastro", EmployeeQueueSpec(), zerolog.Nop())
	if err == nil {
		t.Fatal("NewQueue accepted a table without lock columns")
	}
	if !strings.Contains(err.Error(), "required columns not found") {
		t.Errorf("error = %v, want missing-column error", err)
	}
}

func TestQueueClaimSQLShape(t *testing.T) {
	q, _ := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	for _, want := range []string{
		"WITH (ROWLOCK, UPDLOCK, READPAST)",
		"t.[Status] IN (N'PENDENTE', N'ERRO')",
		"ISNULL(t.[Tentativas], 0) < @max_tentativas",
		"DATEADD(MINUTE, -@lock_timeout, SYSUTCDATETIME())",
		"(t.[ProximaTentativaEm] IS NULL OR t.[ProximaTentativaEm] <= SYSUTCDATETIME())",
		"ORDER BY ISNULL(t.[ProximaTentativaEm], t.[CriadoEm]), t.[CriadoEm], t.[IdDeOrigem], t.[NumEmp]",
		"[Status] = N'PROCESSANDO'",
		"OUTPUT INSERTED.[IdDeOrigem] AS [id_de_origem]",
		"INSERTED.[PayloadJson] AS [payload_json]",
	} {
		if !strings.Contains(q.claimSQL, want) {
			t.Errorf("claim SQL missing %q:\n%s", want, q.claimSQL)
		}
	}

	if !strings.Contains(q.settleSQL, "CASE WHEN @status = N'PROCESSADO' THEN SYSUTCDATETIME() ELSE NULL END") {
		t.Errorf("settle SQL must derive ProcessadoEm from the status:\n%s", q.settleSQL)
	}
	if !strings.Contains(q.settleSQL, "([NumEmp] = @k_numemp OR ([NumEmp] IS NULL AND @k_numemp IS NULL))") {
		t.Errorf("settle SQL must compare optional keys NULL-safe:\n%s", q.settleSQL)
	}
	if !strings.Contains(q.sweepSQL, "[Status] = N'ERRO'") || !strings.Contains(q.sweepSQL, "[LockEm] IS NOT NULL") {
		t.Errorf("sweep SQL = %s", q.sweepSQL)
	}
}

func TestQueueWithoutOptionalColumns(t *testing.T) {
	minimal := []string{"IdDeOrigem", "Status", "Tentativas", "PayloadJson", "CriadoEm", "LockId", "LockEm"}
	q, _ := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), minimal)

	if strings.Contains(q.claimSQL, "ProximaTentativaEm") {
		t.Errorf("claim SQL references a column the table does not have:\n%s", q.claimSQL)
	}
	if !strings.Contains(q.claimSQL, "ORDER BY t.[CriadoEm], t.[IdDeOrigem]") {
		t.Errorf("claim SQL must fall back to creation order:\n%s", q.claimSQL)
	}
	if strings.Contains(q.settleSQL, "@proxima_tentativa_em") || strings.Contains(q.settleSQL, "@http_status") {
		t.Errorf("settle SQL references missing columns:\n%s", q.settleSQL)
	}
	if strings.Contains(q.settleSQL, "@k_numemp") {
		t.Errorf("settle SQL references the absent optional key:\n%s", q.settleSQL)
	}
}

func TestQueueClaim(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	mock.ExpectQuery(`UPDATE lote SET`).
		WithArgs(
			sql.Named("batch_size", 10),
			sql.Named("max_tentativas", 5),
			sql.Named("lock_timeout", 15),
			sql.Named("lock_id", "M-abc"),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id_de_origem", "numemp", "payload_json", "tentativas"}).
			AddRow(int64(42), int64(1), `{"cpf":"123"}`, int64(2)).
			AddRow(int64(57), nil, `{}`, nil))

	events, err := q.Claim(context.Background(), "M-abc", 10, 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Key["id_de_origem"] != int64(42) || events[0].Attempts != 2 {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[0].PayloadJSON != `{"cpf":"123"}` {
		t.Errorf("payload = %q", events[0].PayloadJSON)
	}
	if events[1].Attempts != 0 {
		t.Errorf("NULL attempts must claim as zero, got %d", events[1].Attempts)
	}
	if events[1].Key["numemp"] != nil {
		t.Errorf("NULL key value must stay nil, got %v", events[1].Key["numemp"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueueMarkSuccess(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	ev := Event{Key: map[string]any{"id_de_origem": int64(42), "numemp": int64(1)}, Attempts: 2}
	status := 200

	mock.ExpectExec(`UPDATE \[dbo\]\.\[MotoristaCadastro\] SET`).
		WithArgs(
			sql.Named("lock_id", "M-abc"),
			sql.Named("status", "PROCESSADO"),
			sql.Named("tentativas", 3),
			sql.Named("ultimo_erro", nil),
			sql.Named("http_status", 200),
			sql.Named("resposta_resumo", "ok"),
			sql.Named("proxima_tentativa_em", nil),
			sql.Named("k_id_de_origem", int64(42)),
			sql.Named("k_numemp", int64(1)),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := q.MarkSuccess(context.Background(), ev, "M-abc", &status, "ok")
	if err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	if !ok {
		t.Error("MarkSuccess() = false, want settled")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueueMarkErrorSchedulesRetry(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	ev := Event{Key: map[string]any{"id_de_origem": int64(42), "numemp": nil}, Attempts: 2}
	status := 500
	retryAt := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE \[dbo\]\.\[MotoristaCadastro\] SET`).
		WithArgs(
			sql.Named("lock_id", "M-abc"),
			sql.Named("status", "ERRO"),
			sql.Named("tentativas", 3),
			sql.Named("ultimo_erro", "HTTP 500"),
			sql.Named("http_status", 500),
			sql.Named("resposta_resumo", "erro interno"),
			sql.Named("proxima_tentativa_em", retryAt),
			sql.Named("k_id_de_origem", int64(42)),
			sql.Named("k_numemp", nil),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := q.MarkError(context.Background(), ev, "M-abc", 3, &status, "erro interno", "HTTP 500", &retryAt)
	if err != nil {
		t.Fatalf("MarkError() error = %v", err)
	}
	if !ok {
		t.Error("MarkError() = false, want settled")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueueSettleLeaseLost(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	mock.ExpectExec(`UPDATE \[dbo\]\.\[MotoristaCadastro\] SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ev := Event{Key: map[string]any{"id_de_origem": int64(42), "numemp": nil}}
	ok, err := q.MarkSuccess(context.Background(), ev, "M-stolen", nil, "")
	if err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	if ok {
		t.Error("a stolen lease must settle as false")
	}
}

func TestQueueReleaseExpiredLocks(t *testing.T) {
	q, mock := newTestQueue(t, "Afastamento", LeaveQueueSpec(), []string{
		"NumeroDaEmpresa", "TipoDeColaborador", "NumeroDeOrigemDoColaborador",
		"DataDoAfastamento", "Situacao", "Status", "Tentativas", "PayloadJson",
		"CriadoEm", "LockId", "LockEm", "UltimoErro",
	})

	mock.ExpectExec(`UPDATE \[dbo\]\.\[Afastamento\] SET`).
		WithArgs(
			sql.Named("lock_timeout", 15),
			sql.Named("mensagem", LockExpiredMessage),
		).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.ReleaseExpiredLocks(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseExpiredLocks() error = %v", err)
	}
	if n != 3 {
		t.Errorf("released = %d, want 3", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueueFetchColumns(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	mock.ExpectQuery(`SELECT TOP 1 t\.\[Cpf\] AS \[sel_0\]`).
		WillReturnRows(sqlmock.NewRows([]string{"sel_0"}).AddRow("12345678909"))

	ev := Event{Key: map[string]any{"id_de_origem": int64(42), "numemp": int64(1)}}
	got, err := q.FetchColumns(context.Background(), ev, []string{"cpf", "coluna_inexistente"})
	if err != nil {
		t.Fatalf("FetchColumns() error = %v", err)
	}
	if got["cpf"] != "12345678909" {
		t.Errorf("cpf = %v", got["cpf"])
	}
	if _, ok := got["coluna_inexistente"]; ok {
		t.Error("missing columns must be skipped, not returned")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueueFetchColumnsAllMissing(t *testing.T) {
	q, _ := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	ev := Event{Key: map[string]any{"id_de_origem": int64(42), "numemp": nil}}
	got, err := q.FetchColumns(context.Background(), ev, []string{"nada", "tambem_nada"})
	if err != nil {
		t.Fatalf("FetchColumns() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got = %v, want empty map and no query", got)
	}
}

func TestQueueCountByStatus(t *testing.T) {
	q, mock := newTestQueue(t, "MotoristaCadastro", EmployeeQueueSpec(), fullEmployeeQueueColumns())

	mock.ExpectQuery(`GROUP BY \[Status\]`).
		WillReturnRows(sqlmock.NewRows([]string{"Status", "n"}).
			AddRow("PENDENTE", 5).
			AddRow("ERRO", 2))

	got, err := q.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if got[StatusPending] != 5 || got[StatusError] != 2 {
		t.Errorf("counts = %v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
