package syncservice

import (
	"context"
	"time"

	"github.com/golang-sql/civil"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/canonical"
	"github.com/DiegoSheetszu/Cadastrei/internal/metrics"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/payload"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// LeaveReader reads ordered leave rows from the source database.
type LeaveReader interface {
	ReadLeavesByCursor(ctx context.Context, limit int, cur syncx.LeaveCursor, startDate civil.Date) ([]map[string]any, error)
}

// LeaveOutbox persists leave events, payload hashes and the scan cursor.
type LeaveOutbox interface {
	LoadCursor(ctx context.Context, sourceDB string) (syncx.LeaveCursor, error)
	SaveCursor(ctx context.Context, sourceDB string, cur syncx.LeaveCursor) error
	LoadHashes(ctx context.Context, sourceDB string, keys []outbox.LeaveKey) (map[outbox.LeaveKey]string, error)
	AppendEvents(ctx context.Context, sourceDB string, events []outbox.LeaveEvent) (int, error)
}

// LeaveService captures leave changes into the leave outbox by walking the
// source table in natural-key order.
type LeaveService struct {
	reader    LeaveReader
	store     LeaveOutbox
	sourceDB  string
	batch     int
	startDate civil.Date
	log       zerolog.Logger
}

// NewLeaveService creates a LeaveService scanning sourceDB from startDate
// onward with the given batch size.
func NewLeaveService(reader LeaveReader, store LeaveOutbox, sourceDB string, batchSize int, startDate civil.Date, log zerolog.Logger) *LeaveService {
	return &LeaveService{
		reader:    reader,
		store:     store,
		sourceDB:  sourceDB,
		batch:     batchSize,
		startDate: startDate,
		log:       log,
	}
}

// LeaveCycleReport summarizes one leave sync cycle. Rows that could not
// produce a payload are SourceRows minus ValidPayloads; unchanged or
// superseded keys are ValidPayloads minus EventsGenerated.
type LeaveCycleReport struct {
	SourceRows      int
	ValidPayloads   int
	EventsGenerated int
	EventsInserted  int
	CursorReset     bool
}

// RunOneCycle reads one batch of leave rows after the saved cursor, diffs
// their payload hashes against the stored state and appends events for the
// keys that changed. The cursor advances to the last row read, including
// skipped ones, so a bad row never wedges the scan. An exhausted scan
// rewinds the cursor to the start: the next cycles re-walk the window and
// pick up in-place edits, with the hash diff keeping re-walks quiet.
func (s *LeaveService) RunOneCycle(ctx context.Context) (LeaveCycleReport, error) {
	start := time.Now()
	rep, err := s.runCycle(ctx)
	if err == nil {
		metrics.SyncCycles.WithLabelValues(metrics.TypeLeave).Inc()
		metrics.SyncSourceRows.WithLabelValues(metrics.TypeLeave).Add(float64(rep.SourceRows))
		metrics.SyncEvents.WithLabelValues(metrics.TypeLeave).Add(float64(rep.EventsGenerated))
		metrics.SyncInserted.WithLabelValues(metrics.TypeLeave).Add(float64(rep.EventsInserted))
		metrics.SyncCycleDuration.WithLabelValues(metrics.TypeLeave).Observe(time.Since(start).Seconds())
		if rep.CursorReset {
			metrics.SyncCursorResets.Inc()
		}
	}
	return rep, err
}

func (s *LeaveService) runCycle(ctx context.Context) (LeaveCycleReport, error) {
	var rep LeaveCycleReport

	cur, err := s.store.LoadCursor(ctx, s.sourceDB)
	if err != nil {
		return rep, err
	}

	rows, err := s.reader.ReadLeavesByCursor(ctx, s.batch, cur, s.startDate)
	if err != nil {
		return rep, err
	}
	rep.SourceRows = len(rows)

	if len(rows) == 0 {
		if !cur.IsInitial() {
			if err := s.store.SaveCursor(ctx, s.sourceDB, syncx.InitialLeaveCursor()); err != nil {
				return rep, err
			}
			rep.CursorReset = true
			s.log.Info().Str("cursor", cur.String()).Msg("leave scan exhausted, cursor rewound")
		}
		return rep, nil
	}

	last := cur
	var candidates []outbox.LeaveEvent
	index := make(map[outbox.LeaveKey]int)
	for _, row := range rows {
		if next, ok := cursorOf(row); ok {
			last = next
		}

		key, ok := leaveKeyOf(row)
		if !ok {
			continue
		}
		pl, ok := payload.Leave(row)
		if !ok {
			s.log.Warn().Int("numcad", key.NumCad).Msg("leave row missing start date or employee id, skipped")
			continue
		}
		body, hash, err := canonical.Fingerprint(pl)
		if err != nil {
			s.log.Warn().Err(err).Int("numcad", key.NumCad).Msg("leave payload not serializable, skipped")
			continue
		}
		rep.ValidPayloads++

		ev := outbox.LeaveEvent{
			Key:                  key,
			Hash:                 hash,
			PayloadJSON:          body,
			Description:          syncx.AsString(pl["descricao"]),
			SituationDescription: syncx.AsString(row["dessit"]),
		}
		if h, ok := syncx.AsInt(row["horafa"]); ok {
			ev.StartHour = &h
		}
		if d, ok := syncx.AsDate(row["datter"]); ok {
			ev.EndDate = &d
		}
		if h, ok := syncx.AsInt(row["horter"]); ok {
			ev.EndHour = &h
		}

		// Rows later in the batch supersede earlier ones with the same
		// key (re-entries under a higher seqreg).
		if i, dup := index[key]; dup {
			candidates[i] = ev
		} else {
			index[key] = len(candidates)
			candidates = append(candidates, ev)
		}
	}

	keys := make([]outbox.LeaveKey, len(candidates))
	for i, c := range candidates {
		keys[i] = c.Key
	}
	hashes, err := s.store.LoadHashes(ctx, s.sourceDB, keys)
	if err != nil {
		return rep, err
	}

	var events []outbox.LeaveEvent
	for _, c := range candidates {
		prev, known := hashes[c.Key]
		switch {
		case !known:
			c.Operation = outbox.OpInsert
		case prev != c.Hash:
			c.Operation = outbox.OpUpdate
		default:
			continue
		}
		events = append(events, c)
	}
	rep.EventsGenerated = len(events)

	rep.EventsInserted, err = s.store.AppendEvents(ctx, s.sourceDB, events)
	if err != nil {
		return rep, err
	}

	if err := s.store.SaveCursor(ctx, s.sourceDB, last); err != nil {
		return rep, err
	}

	s.log.Info().
		Int("rows", rep.SourceRows).
		Int("payloads", rep.ValidPayloads).
		Int("events", rep.EventsGenerated).
		Int("inserted", rep.EventsInserted).
		Str("cursor", last.String()).
		Msg("leave sync cycle done")
	return rep, nil
}

// cursorOf extracts the scan position of one row. Missing hour and
// sequence collapse to zero, matching how the reader orders them.
func cursorOf(row map[string]any) (syncx.LeaveCursor, bool) {
	numemp, ok1 := syncx.AsInt(row["numemp"])
	tipcol, ok2 := syncx.AsInt(row["tipcol"])
	numcad, ok3 := syncx.AsInt(row["numcad"])
	date, ok4 := syncx.AsDate(row["datafa"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return syncx.LeaveCursor{}, false
	}
	cur := syncx.LeaveCursor{NumEmp: numemp, TipCol: tipcol, NumCad: numcad, LeaveDate: date}
	if h, ok := syncx.AsInt(row["horafa"]); ok {
		cur.StartHour = h
	}
	if sq, ok := syncx.AsInt(row["seqreg"]); ok {
		cur.Sequence = sq
	}
	return cur, true
}

func leaveKeyOf(row map[string]any) (outbox.LeaveKey, bool) {
	numemp, ok1 := syncx.AsInt(row["numemp"])
	tipcol, ok2 := syncx.AsInt(row["tipcol"])
	numcad, ok3 := syncx.AsInt(row["numcad"])
	date, ok4 := syncx.AsDate(row["datafa"])
	sit, ok5 := syncx.AsInt(row["sitafa"])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return outbox.LeaveKey{}, false
	}
	return outbox.LeaveKey{
		NumEmp:    numemp,
		TipCol:    tipcol,
		NumCad:    numcad,
		LeaveDate: date,
		Situation: sit,
	}, true
}
