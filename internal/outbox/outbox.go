// Package outbox owns the event tables on the destination database: the
// two outbox tables the dispatcher drains plus the side tables that hold
// sync cursors, checkpoints and payload hashes.
//
// Physical column names are discovered at construction through
// INFORMATION_SCHEMA and resolved case-insensitively, so customized target
// tables keep working as long as they carry the required columns. Status
// values and other persisted literals are kept exactly as the downstream
// consumers expect them.
package outbox

import (
	"errors"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

// Status values persisted on outbox rows.
const (
	StatusPending    = "PENDENTE"
	StatusProcessing = "PROCESSANDO"
	StatusDone       = "PROCESSADO"
	StatusError      = "ERRO"
)

// Event type and payload version markers persisted on every row.
const (
	EventTypeEmployee = "MOTORISTA_UPSERT"
	EventTypeLeave    = "AFASTAMENTO_UPSERT"
	PayloadVersion    = "v1"
	OriginSystem      = "Vetorh"
)

// Operations recorded on events: first sight of a key inserts, a changed
// hash updates.
const (
	OpInsert = "I"
	OpUpdate = "U"
)

// LockExpiredMessage is written to rows reclaimed from a dead worker.
const LockExpiredMessage = "Lock expirado durante processamento. Evento reenfileirado automaticamente."

// Event is one claimed outbox row as handed to the dispatcher. Key holds
// the natural-key values under their claim aliases; settlement and column
// fetches address the row through them.
type Event struct {
	Key         map[string]any
	PayloadJSON string
	Attempts    int
}

// isIdempotencyViolation reports whether err is the unique-index violation
// raised when two writers race the insert guard on the same identical
// event. The idempotency indexes carry the _Idem suffix.
func isIdempotencyViolation(err error) bool {
	var sqlErr mssql.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	if sqlErr.Number != 2601 && sqlErr.Number != 2627 {
		return false
	}
	return strings.Contains(sqlErr.Message, "_Idem")
}
