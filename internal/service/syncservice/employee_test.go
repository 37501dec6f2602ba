package syncservice

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/canonical"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/payload"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

type fakeEmployeeReader struct {
	keys  map[string][]source.ChangedKey
	rows  []map[string]any
	reads [][]int
}

func (f *fakeEmployeeReader) ListChangedKeys(_ context.Context, table string, _ int, _ time.Time, _ int) ([]source.ChangedKey, error) {
	return f.keys[table], nil
}

func (f *fakeEmployeeReader) ReadEmployeesByIDs(_ context.Context, ids []int) ([]map[string]any, error) {
	f.reads = append(f.reads, ids)
	return f.rows, nil
}

type fakeEmployeeOutbox struct {
	hashes   map[int]string
	appended []outbox.EmployeeEvent
	saved    map[string]syncx.Checkpoint
}

func (f *fakeEmployeeOutbox) LoadCheckpoint(_ context.Context, _, _ string) (syncx.Checkpoint, error) {
	return syncx.InitialCheckpoint(), nil
}

func (f *fakeEmployeeOutbox) SaveCheckpoint(_ context.Context, _, table string, cp syncx.Checkpoint) error {
	if f.saved == nil {
		f.saved = map[string]syncx.Checkpoint{}
	}
	f.saved[table] = cp
	return nil
}

func (f *fakeEmployeeOutbox) LoadHashes(_ context.Context, _ string, _ []int) (map[int]string, error) {
	return f.hashes, nil
}

func (f *fakeEmployeeOutbox) AppendEvents(_ context.Context, _ string, events []outbox.EmployeeEvent) (int, error) {
	f.appended = append(f.appended, events...)
	return len(events), nil
}

func employeeRow(numcad int) map[string]any {
	return map[string]any{
		"numemp":            int64(1),
		"tipcol":            int64(1),
		"numcad":            int64(numcad),
		"nomfun":            "Ana Silva",
		"numcpf":            int64(12345678909),
		"datadm":            time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC),
		"datnas":            time.Date(1990, 3, 2, 0, 0, 0, 0, time.UTC),
		"tipsex":            int64(2),
		"sitafa":            int64(1),
		"logradouro":        "Rua das Palmeiras",
		"numero":            "100",
		"bairro":            "Centro",
		"cidade":            "Joinville",
		"estado_residencia": "SC",
	}
}

func employeeHashOf(t *testing.T, row map[string]any) string {
	t.Helper()
	pl, ok := payload.Employee(row)
	if !ok {
		t.Fatal("test row must be buildable")
	}
	_, hash, err := canonical.Fingerprint(pl)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	return hash
}

func TestEmployeeCycleInsertsNewIDs(t *testing.T) {
	changeAt := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)
	reader := &fakeEmployeeReader{
		keys: map[string][]source.ChangedKey{
			source.TableEmployee: {{ID: 42, ChangeAt: changeAt}},
		},
		rows: []map[string]any{employeeRow(42)},
	}
	store := &fakeEmployeeOutbox{hashes: map[int]string{}}

	svc := NewEmployeeService(reader, store, "VetorhDev", 500, zerolog.Nop())
	rep, err := svc.RunOneCycle(context.Background())
	if err != nil {
		t.Fatalf("RunOneCycle() error = %v", err)
	}

	if rep.IDsProcessed != 1 || rep.EventsGenerated != 1 || rep.EventsInserted != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(store.appended) != 1 {
		t.Fatalf("appended = %d events", len(store.appended))
	}
	ev := store.appended[0]
	if ev.SourceID != 42 || ev.Operation != outbox.OpInsert {
		t.Errorf("event = %+v", ev)
	}
	if ev.SourceTable != "R034FUN" {
		t.Errorf("SourceTable = %q", ev.SourceTable)
	}
	if ev.Mirror["nome"] != "ANA SILVA" || ev.Mirror["sexo"] != "F" {
		t.Errorf("mirror = %v", ev.Mirror)
	}
	if ev.Mirror["centro_de_custo"] != nil {
		t.Errorf("absent mirror value must be nil, got %v", ev.Mirror["centro_de_custo"])
	}

	cp, ok := store.saved[source.TableEmployee]
	if !ok || !cp.LastChange.Equal(changeAt) || cp.LastID != 42 {
		t.Errorf("checkpoint = %+v, %v", cp, ok)
	}
	if _, ok := store.saved[source.TableComplement]; ok {
		t.Error("complement checkpoint saved without complement keys")
	}
}

func TestEmployeeCycleForcesEventOnBaseTableChange(t *testing.T) {
	// Both ids carry unchanged payloads; only the one listed by the base
	// table must still produce an update event.
	row42 := employeeRow(42)
	row57 := employeeRow(57)
	changeAt := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)

	reader := &fakeEmployeeReader{
		keys: map[string][]source.ChangedKey{
			source.TableEmployee:   {{ID: 42, ChangeAt: changeAt}},
			source.TableComplement: {{ID: 57, ChangeAt: changeAt}},
		},
		rows: []map[string]any{row42, row57},
	}
	store := &fakeEmployeeOutbox{hashes: map[int]string{
		42: employeeHashOf(t, row42),
		57: employeeHashOf(t, row57),
	}}

	svc := NewEmployeeService(reader, store, "VetorhDev", 500, zerolog.Nop())
	rep, err := svc.RunOneCycle(context.Background())
	if err != nil {
		t.Fatalf("RunOneCycle() error = %v", err)
	}

	if rep.EventsGenerated != 1 || rep.ValidPayloads != 2 {
		t.Errorf("report = %+v, want one forced event out of two valid payloads", rep)
	}
	if len(store.appended) != 1 || store.appended[0].SourceID != 42 {
		t.Fatalf("appended = %+v", store.appended)
	}
	if store.appended[0].Operation != outbox.OpUpdate {
		t.Errorf("forced event operation = %q, want update", store.appended[0].Operation)
	}
	if _, ok := store.saved[source.TableComplement]; !ok {
		t.Error("complement checkpoint must advance even without events")
	}
}

func TestEmployeeCycleUpdatesChangedHash(t *testing.T) {
	row := employeeRow(42)
	reader := &fakeEmployeeReader{
		keys: map[string][]source.ChangedKey{
			source.TableComplement: {{ID: 42, ChangeAt: time.Now().UTC()}},
		},
		rows: []map[string]any{row},
	}
	store := &fakeEmployeeOutbox{hashes: map[int]string{42: "stale-hash"}}

	svc := NewEmployeeService(reader, store, "VetorhDev", 500, zerolog.Nop())
	rep, err := svc.RunOneCycle(context.Background())
	if err != nil {
		t.Fatalf("RunOneCycle() error = %v", err)
	}

	if rep.EventsGenerated != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if store.appended[0].Operation != outbox.OpUpdate {
		t.Errorf("operation = %q", store.appended[0].Operation)
	}
	if store.appended[0].SourceTable != "R034CPL" {
		t.Errorf("SourceTable = %q", store.appended[0].SourceTable)
	}
}

func TestEmployeeCycleNoChanges(t *testing.T) {
	reader := &fakeEmployeeReader{keys: map[string][]source.ChangedKey{}}
	store := &fakeEmployeeOutbox{}

	svc := NewEmployeeService(reader, store, "VetorhDev", 500, zerolog.Nop())
	rep, err := svc.RunOneCycle(context.Background())
	if err != nil {
		t.Fatalf("RunOneCycle() error = %v", err)
	}

	if rep != (EmployeeCycleReport{}) {
		t.Errorf("report = %+v, want all zero", rep)
	}
	if len(reader.reads) != 0 {
		t.Error("no ids changed, nothing should be read")
	}
	if len(store.saved) != 0 {
		t.Error("no keys listed, no checkpoint should move")
	}
}

func TestEmployeeCycleSkipsUnbuildableRows(t *testing.T) {
	bad := employeeRow(42)
	delete(bad, "numcpf")

	reader := &fakeEmployeeReader{
		keys: map[string][]source.ChangedKey{
			source.TableEmployee: {{ID: 42, ChangeAt: time.Now().UTC()}},
		},
		rows: []map[string]any{bad},
	}
	store := &fakeEmployeeOutbox{}

	svc := NewEmployeeService(reader, store, "VetorhDev", 500, zerolog.Nop())
	rep, err := svc.RunOneCycle(context.Background())
	if err != nil {
		t.Fatalf("RunOneCycle() error = %v", err)
	}

	if rep.SourceRows != 1 || rep.ValidPayloads != 0 || rep.EventsGenerated != 0 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := store.saved[source.TableEmployee]; !ok {
		t.Error("checkpoint must advance past skipped rows")
	}
}
