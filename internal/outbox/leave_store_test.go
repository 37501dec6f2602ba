package outbox

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

func newTestLeaveStore(t *testing.T, columns []string) (*LeaveStore, sqlmock.Sqlmock) {
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
		WithArgs("dbo", "Afastamento").
		WillReturnRows(rows)

	s, err := NewLeaveStore(context.Background(), db, "dbo", "Afastamento", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLeaveStore: %v", err)
	}
	return s, mock
}

func leaveOutboxColumns() []string {
	return []string{
		"NumeroDaEmpresa", "TipoDeColaborador", "NumeroDeOrigemDoColaborador",
		"DataDoAfastamento", "Situacao", "Operacao", "EventoTipo", "VersaoPayload",
		"HashPayload", "PayloadJson", "Status", "Tentativas", "DatabaseOrigem",
		"CriadoEm", "AtualizadoEm", "OrigemSistema",
		"HoraDoAfastamento", "DataDoTermino", "HoraDoTermino",
		"Descricao", "DescricaoDaSituacao", "TabelaOrigem",
	}
}

func TestNewLeaveStoreBuildsGuardedInsert(t *testing.T) {
	s, _ := newTestLeaveStore(t, leaveOutboxColumns())

	for _, want := range []string{
		"WHERE NOT EXISTS",
		"[NumeroDaEmpresa] = @numerodaempresa",
		"[TipoDeColaborador] = @tipodecolaborador",
		"[NumeroDeOrigemDoColaborador] = @numerodeorigemdocolaborador",
		"[DataDoAfastamento] = @datadoafastamento",
		"[Situacao] = @situacao",
		"[HashPayload] = @hash_payload",
		"[Status] IN (N'PENDENTE', N'ERRO')",
	} {
		if !strings.Contains(s.insertSQL, want) {
			t.Errorf("insert SQL missing %q:\n%s", want, s.insertSQL)
		}
	}

	wantOptional := []string{
		"hora_do_afastamento", "data_do_termino", "hora_do_termino",
		"descricao", "descricao_da_situacao", "tabela_origem",
	}
	if len(s.optionalParams) != len(wantOptional) {
		t.Fatalf("optionalParams = %v, want %v", s.optionalParams, wantOptional)
	}
}

func TestLeaveStoreCursorRoundTrip(t *testing.T) {
	s, mock := newTestLeaveStore(t, leaveOutboxColumns())

	mock.ExpectQuery(`AfastamentoSyncCursor`).
		WillReturnError(sql.ErrNoRows)

	cur, err := s.LoadCursor(context.Background(), "VetorhDev")
	if err != nil {
		t.Fatalf("LoadCursor() error = %v", err)
	}
	if !cur.IsInitial() {
		t.Errorf("first load = %+v, want initial sentinel", cur)
	}

	mock.ExpectQuery(`AfastamentoSyncCursor`).
		WillReturnRows(sqlmock.NewRows([]string{"NumEmp", "TipCol", "NumCad", "DataFa", "HoraFa", "SeqReg"}).
			AddRow(int64(1), int64(1), int64(42), time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), int64(480), int64(7)))

	cur, err = s.LoadCursor(context.Background(), "VetorhDev")
	if err != nil {
		t.Fatalf("LoadCursor() error = %v", err)
	}
	want := syncx.LeaveCursor{
		NumEmp: 1, TipCol: 1, NumCad: 42,
		LeaveDate: civil.Date{Year: 2024, Month: time.May, Day: 10},
		StartHour: 480, Sequence: 7,
	}
	if cur != want {
		t.Errorf("cursor = %+v, want %+v", cur, want)
	}

	mock.ExpectExec(`MERGE \[dbo\]\.\[AfastamentoSyncCursor\]`).
		WithArgs(
			sql.Named("database_origem", "VetorhDev"),
			sql.Named("numemp", 1),
			sql.Named("tipcol", 1),
			sql.Named("numcad", 42),
			sql.Named("datafa", time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)),
			sql.Named("horafa", 480),
			sql.Named("seqreg", 7),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveCursor(context.Background(), "VetorhDev", want); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLeaveStoreLoadHashes(t *testing.T) {
	s, mock := newTestLeaveStore(t, leaveOutboxColumns())

	key := LeaveKey{
		NumEmp: 1, TipCol: 1, NumCad: 42,
		LeaveDate: civil.Date{Year: 2024, Month: time.May, Day: 10},
		Situation: 3,
	}

	mock.ExpectQuery(`\[NumeroDaEmpresa\] = @k0_ne`).
		WillReturnRows(sqlmock.NewRows([]string{
			"NumeroDaEmpresa", "TipoDeColaborador", "NumeroDeOrigemDoColaborador",
			"DataDoAfastamento", "Situacao", "HashPayload",
		}).AddRow(int64(1), int64(1), int64(42), time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), int64(3), "aa"))

	got, err := s.LoadHashes(context.Background(), "VetorhDev", []LeaveKey{key})
	if err != nil {
		t.Fatalf("LoadHashes() error = %v", err)
	}
	if got[key] != "aa" {
		t.Errorf("hashes = %v, want %v -> aa", got, key)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLeaveStoreAppendEventsSwallowsDuplicates(t *testing.T) {
	s, mock := newTestLeaveStore(t, leaveOutboxColumns())

	ev := LeaveEvent{
		Key: LeaveKey{
			NumEmp: 1, TipCol: 1, NumCad: 42,
			LeaveDate: civil.Date{Year: 2024, Month: time.May, Day: 10},
			Situation: 3,
		},
		Operation:   OpInsert,
		Hash:        "aa",
		PayloadJSON: `{"numerodaempresa":1}`,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO \[dbo\]\.\[Afastamento\]`).
		WillReturnError(mssql.Error{Number: 2601, Message: "duplicate key row with unique index 'UX_Afastamento_Idem'"})
	mock.ExpectExec(`MERGE \[dbo\]\.\[AfastamentoSyncEstado\]`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := s.AppendEvents(context.Background(), "VetorhDev", []LeaveEvent{ev})
	if err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
	if inserted != 0 {
		t.Errorf("inserted = %d, want 0", inserted)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLeaveStoreOptionalValues(t *testing.T) {
	s, _ := newTestLeaveStore(t, leaveOutboxColumns())

	hour := 480
	endDate := civil.Date{Year: 2024, Month: time.June, Day: 1}
	full := LeaveEvent{
		StartHour:            &hour,
		EndDate:              &endDate,
		Description:          "Auxilio doenca",
		SituationDescription: "Doenca",
	}

	if got := s.optionalValue("hora_do_afastamento", full); got != 480 {
		t.Errorf("hora_do_afastamento = %v", got)
	}
	if got := s.optionalValue("data_do_termino", full); got != time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("data_do_termino = %v", got)
	}
	if got := s.optionalValue("hora_do_termino", full); got != nil {
		t.Errorf("unset hora_do_termino = %v, want nil", got)
	}
	if got := s.optionalValue("descricao", LeaveEvent{}); got != nil {
		t.Errorf("empty descricao = %v, want nil", got)
	}
	if got := s.optionalValue("tabela_origem", LeaveEvent{}); got != "R038AFA" {
		t.Errorf("tabela_origem = %v", got)
	}
}
