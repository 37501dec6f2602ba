// Package syncservice runs the change-capture cycles: it reads changed
// rows from the source HR database, builds the downstream payloads,
// detects real changes through payload hashes and appends the resulting
// events to the outbox tables.
package syncservice

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/canonical"
	"github.com/DiegoSheetszu/Cadastrei/internal/metrics"
	"github.com/DiegoSheetszu/Cadastrei/internal/normalize"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/payload"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// EmployeeReader lists changed employee ids per audited table and loads
// their joined rows.
type EmployeeReader interface {
	ListChangedKeys(ctx context.Context, table string, limit int, since time.Time, afterID int) ([]source.ChangedKey, error)
	ReadEmployeesByIDs(ctx context.Context, ids []int) ([]map[string]any, error)
}

// EmployeeOutbox persists employee events, payload hashes and the per-table
// checkpoints.
type EmployeeOutbox interface {
	LoadCheckpoint(ctx context.Context, sourceDB, sourceTable string) (syncx.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, sourceDB, sourceTable string, cp syncx.Checkpoint) error
	LoadHashes(ctx context.Context, sourceDB string, ids []int) (map[int]string, error)
	AppendEvents(ctx context.Context, sourceDB string, events []outbox.EmployeeEvent) (int, error)
}

// EmployeeService captures employee changes from the base registration and
// complement tables into the employee outbox.
type EmployeeService struct {
	reader   EmployeeReader
	store    EmployeeOutbox
	sourceDB string
	batch    int
	log      zerolog.Logger
}

// NewEmployeeService creates an EmployeeService reading from sourceDB with
// the given per-table batch size.
func NewEmployeeService(reader EmployeeReader, store EmployeeOutbox, sourceDB string, batchSize int, log zerolog.Logger) *EmployeeService {
	return &EmployeeService{
		reader:   reader,
		store:    store,
		sourceDB: sourceDB,
		batch:    batchSize,
		log:      log,
	}
}

// EmployeeCycleReport summarizes one employee sync cycle. Rows that could
// not produce a payload are SourceRows minus ValidPayloads; unchanged ids
// are ValidPayloads minus EventsGenerated.
type EmployeeCycleReport struct {
	ChangedPrimary    int // keys listed from the base registration table
	ChangedComplement int // keys listed from the complement table
	IDsProcessed      int // distinct ids across both lists
	SourceRows        int // joined rows read back
	ValidPayloads     int // rows that produced a payload
	EventsGenerated   int
	EventsInserted    int
}

// RunOneCycle reads one batch of changed ids from each audited table,
// diffs their payload hashes against the stored state and appends insert
// or update events for the ids that really changed. A change in the base
// registration table always produces an event, even with an unchanged
// hash: reactivations after termination can be invisible in the payload
// but still must reach the downstream API.
//
// Checkpoints advance to the last listed key of each table whether or not
// any event was produced, so unchanged rows are not re-read forever.
func (s *EmployeeService) RunOneCycle(ctx context.Context) (EmployeeCycleReport, error) {
	start := time.Now()
	rep, err := s.runCycle(ctx)
	if err == nil {
		metrics.SyncCycles.WithLabelValues(metrics.TypeEmployee).Inc()
		metrics.SyncSourceRows.WithLabelValues(metrics.TypeEmployee).Add(float64(rep.SourceRows))
		metrics.SyncEvents.WithLabelValues(metrics.TypeEmployee).Add(float64(rep.EventsGenerated))
		metrics.SyncInserted.WithLabelValues(metrics.TypeEmployee).Add(float64(rep.EventsInserted))
		metrics.SyncCycleDuration.WithLabelValues(metrics.TypeEmployee).Observe(time.Since(start).Seconds())
	}
	return rep, err
}

func (s *EmployeeService) runCycle(ctx context.Context) (EmployeeCycleReport, error) {
	var rep EmployeeCycleReport

	cpBase, err := s.store.LoadCheckpoint(ctx, s.sourceDB, source.TableEmployee)
	if err != nil {
		return rep, err
	}
	cpCompl, err := s.store.LoadCheckpoint(ctx, s.sourceDB, source.TableComplement)
	if err != nil {
		return rep, err
	}

	baseKeys, err := s.reader.ListChangedKeys(ctx, source.TableEmployee, s.batch, cpBase.LastChange, cpBase.LastID)
	if err != nil {
		return rep, err
	}
	complKeys, err := s.reader.ListChangedKeys(ctx, source.TableComplement, s.batch, cpCompl.LastChange, cpCompl.LastID)
	if err != nil {
		return rep, err
	}
	rep.ChangedPrimary = len(baseKeys)
	rep.ChangedComplement = len(complKeys)
	if len(baseKeys) == 0 && len(complKeys) == 0 {
		return rep, nil
	}

	fromBase := make(map[int]bool, len(baseKeys))
	fromCompl := make(map[int]bool, len(complKeys))
	var ids []int
	for _, k := range baseKeys {
		if !fromBase[k.ID] {
			fromBase[k.ID] = true
			ids = append(ids, k.ID)
		}
	}
	for _, k := range complKeys {
		fromCompl[k.ID] = true
		if !fromBase[k.ID] {
			ids = append(ids, k.ID)
		}
	}
	rep.IDsProcessed = len(ids)

	rows, err := s.reader.ReadEmployeesByIDs(ctx, ids)
	if err != nil {
		return rep, err
	}
	rep.SourceRows = len(rows)
	hashes, err := s.store.LoadHashes(ctx, s.sourceDB, ids)
	if err != nil {
		return rep, err
	}

	var events []outbox.EmployeeEvent
	for _, row := range rows {
		id, ok := syncx.AsInt(row["numcad"])
		if !ok {
			continue
		}
		pl, ok := payload.Employee(row)
		if !ok {
			s.log.Warn().Int("numcad", id).Msg("employee row missing cpf, name or admission date, skipped")
			continue
		}
		body, hash, err := canonical.Fingerprint(pl)
		if err != nil {
			s.log.Warn().Err(err).Int("numcad", id).Msg("employee payload not serializable, skipped")
			continue
		}
		rep.ValidPayloads++

		prev, known := hashes[id]
		op := outbox.OpUpdate
		switch {
		case !known:
			op = outbox.OpInsert
		case prev == hash && !fromBase[id]:
			continue
		}

		events = append(events, outbox.EmployeeEvent{
			SourceID:    id,
			Operation:   op,
			Hash:        hash,
			PayloadJSON: body,
			SourceTable: sourceTablesOf(fromBase[id], fromCompl[id]),
			Mirror:      employeeMirror(row, pl),
		})
	}
	rep.EventsGenerated = len(events)

	rep.EventsInserted, err = s.store.AppendEvents(ctx, s.sourceDB, events)
	if err != nil {
		return rep, err
	}

	if next, ok := advanceCheckpoint(baseKeys); ok {
		if err := s.store.SaveCheckpoint(ctx, s.sourceDB, source.TableEmployee, next); err != nil {
			return rep, err
		}
	}
	if next, ok := advanceCheckpoint(complKeys); ok {
		if err := s.store.SaveCheckpoint(ctx, s.sourceDB, source.TableComplement, next); err != nil {
			return rep, err
		}
	}

	s.log.Info().
		Int("ids", rep.IDsProcessed).
		Int("rows", rep.SourceRows).
		Int("payloads", rep.ValidPayloads).
		Int("events", rep.EventsGenerated).
		Int("inserted", rep.EventsInserted).
		Msg("employee sync cycle done")
	return rep, nil
}

// advanceCheckpoint returns the checkpoint after consuming keys, which is
// simply the position of the last key: the reader orders by (change
// instant, id), so the last one is the furthest.
func advanceCheckpoint(keys []source.ChangedKey) (syncx.Checkpoint, bool) {
	if len(keys) == 0 {
		return syncx.Checkpoint{}, false
	}
	last := keys[len(keys)-1]
	return syncx.Checkpoint{LastChange: last.ChangeAt, LastID: last.ID}, true
}

func sourceTablesOf(base, compl bool) string {
	switch {
	case base && compl:
		return source.TableEmployee + "/" + source.TableComplement
	case compl:
		return source.TableComplement
	default:
		return source.TableEmployee
	}
}

// employeeMirror builds the denormalized reporting columns written next to
// the payload. Values mirror the payload where one exists and fall back to
// the raw row otherwise.
func employeeMirror(row, pl map[string]any) map[string]any {
	nome := syncx.AsString(pl["nome"])
	return map[string]any{
		"numemp":                    row["numemp"],
		"cpf":                       pl["cpf"],
		"matricula":                 syncx.AsString(row["numcad"]),
		"nome":                      nome,
		"centro_de_custo":           strOrNil(row["codccu"]),
		"tipo_de_colaborador":       row["tipcol"],
		"situacao":                  row["sitafa"],
		"nome_do_motorista":         nome,
		"numero_do_cpf":             strOrNil(normalize.CPFDigits(row["numcpf"])),
		"data_do_nascimento":        strOrNil(normalize.ToISODate(row["datnas"])),
		"sexo":                      normalize.MapGender(row["tipsex"]),
		"estado_de_residencia":      strOrNil(row["estado_residencia"]),
		"pais_do_cadastro":          strOrNil(row["pais"]),
		"naturalidade":              strOrNil(row["naturalidade"]),
		"pais":                      strOrNil(row["pais"]),
		"orgao_expedidor_do_rg":     strOrNil(row["orgao_expedidor_rg"]),
		"data_de_emissao_da_cnh":    strOrNil(normalize.ToISODate(row["datcnh"])),
		"data_de_vencimento_da_cnh": strOrNil(normalize.ToISODate(row["vencnh"])),
		"numero_do_rg":              strOrNil(row["numero_rg"]),
		"numero_da_cnh":             strOrNil(row["numcnh"]),
		"categoria_da_cnh":          strOrNil(row["catcnh"]),
		"numero_do_registro_da_cnh": strOrNil(row["numcra"]),
		"estado_civil":              strOrNil(row["estado_civil"]),
		"nome_da_mae":               strOrNil(row["nome_mae"]),
		"cidade":                    strOrNil(row["cidade"]),
		"logradouro":                strOrNil(row["logradouro"]),
		"bairro":                    strOrNil(row["bairro"]),
		"numero_da_residencia":      strOrNil(row["numero"]),
		"ddd":                       strOrNil(row["dddtel"]),
		"numero_de_telefone":        strOrNil(row["numtel"]),
	}
}

// strOrNil renders v as a trimmed string, or nil when empty so the mirror
// column stores NULL instead of ''.
func strOrNil(v any) any {
	s := syncx.AsString(v)
	if s == "" {
		return nil
	}
	return s
}
