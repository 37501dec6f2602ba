package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-sql/civil"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/metrics"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

type fakeQueue struct {
	name   string
	counts map[string]int
	err    error
}

func (f *fakeQueue) CountByStatus(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func (f *fakeQueue) Table() string { return f.name }

type fakeEmployeeState struct {
	cps map[string]syncx.Checkpoint
	err error
}

func (f *fakeEmployeeState) LoadCheckpoint(_ context.Context, _, table string) (syncx.Checkpoint, error) {
	if f.err != nil {
		return syncx.Checkpoint{}, f.err
	}
	return f.cps[table], nil
}

type fakeLeaveState struct {
	cur syncx.LeaveCursor
	err error
}

func (f *fakeLeaveState) LoadCursor(context.Context, string) (syncx.LeaveCursor, error) {
	return f.cur, f.err
}

type fakeProfiles struct{ active *registry.Profile }

func (f *fakeProfiles) Active() *registry.Profile { return f.active }

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := &Server{Log: zerolog.Nop()}
	rec := get(t, srv, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := &Server{DB: db, Log: zerolog.Nop()}

	mock.ExpectPing()
	if rec := get(t, srv, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	if rec := get(t, srv, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz during outage = %d, want 503", rec.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	srv := &Server{Log: zerolog.Nop()}
	if rec := get(t, srv, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.DispatchClaimed.WithLabelValues(metrics.TypeEmployee).Add(0)

	srv := &Server{Log: zerolog.Nop()}
	rec := get(t, srv, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cadastrei_dispatch_claimed_total") {
		t.Error("metrics output missing dispatch counters")
	}
}

func TestStatus(t *testing.T) {
	changeAt := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)
	srv := &Server{
		SourceDB:  "VetorhDev",
		Employees: &fakeQueue{name: "MotoristaCadastro", counts: map[string]int{"PENDENTE": 3, "ERRO": 1}},
		Leaves:    &fakeQueue{name: "Afastamento", counts: map[string]int{"PROCESSADO": 10}},
		EmployeeState: &fakeEmployeeState{cps: map[string]syncx.Checkpoint{
			source.TableEmployee: {LastChange: changeAt, LastID: 42},
		}},
		LeaveState: &fakeLeaveState{cur: syncx.LeaveCursor{
			NumEmp: 1, TipCol: 1, NumCad: 42,
			LeaveDate: civil.Date{Year: 2024, Month: time.May, Day: 10},
		}},
		Profiles: &fakeProfiles{active: &registry.Profile{ID: "c1", Name: "Cliente A"}},
		Log:      zerolog.Nop(),
	}

	rec := get(t, srv, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Queues["MotoristaCadastro"]["PENDENTE"] != 3 || got.Queues["Afastamento"]["PROCESSADO"] != 10 {
		t.Errorf("queues = %+v", got.Queues)
	}
	cp := got.Checkpoints[source.TableEmployee]
	if !cp.LastChange.Equal(changeAt) || cp.LastID != 42 {
		t.Errorf("checkpoint = %+v", cp)
	}
	if got.LeaveCursor == nil || got.LeaveCursor.NumCad != 42 || got.LeaveCursor.LeaveDate != "2024-05-10" {
		t.Errorf("leave cursor = %+v", got.LeaveCursor)
	}
	if got.ActiveClient == nil || got.ActiveClient.ID != "c1" || got.ActiveClient.Name != "Cliente A" {
		t.Errorf("active client = %+v", got.ActiveClient)
	}
}

func TestStatusQueueErrorFails(t *testing.T) {
	srv := &Server{
		Employees: &fakeQueue{name: "MotoristaCadastro", err: errors.New("login failed for user")},
		Log:       zerolog.Nop(),
	}
	rec := get(t, srv, "/v1/status")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStatusDegradesWithoutState(t *testing.T) {
	srv := &Server{
		Employees:     &fakeQueue{name: "MotoristaCadastro", counts: map[string]int{}},
		EmployeeState: &fakeEmployeeState{err: errors.New("table missing")},
		LeaveState:    &fakeLeaveState{err: errors.New("table missing")},
		Log:           zerolog.Nop(),
	}

	rec := get(t, srv, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, state errors must not fail the endpoint", rec.Code)
	}

	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Checkpoints) != 0 || got.LeaveCursor != nil {
		t.Errorf("state sections = %+v %+v, want omitted", got.Checkpoints, got.LeaveCursor)
	}
}
