package syncx

import (
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// LeaveCursor is the keyset position of the leave reader inside the source
// ordering (numemp, tipcol, numcad, datafa, horafa, seqreg). Each cycle
// resumes strictly after the last row of the previous batch.
type LeaveCursor struct {
	NumEmp    int
	TipCol    int
	NumCad    int
	LeaveDate civil.Date
	StartHour int
	Sequence  int
}

// InitialLeaveCursor returns the position before the first possible row.
// StartHour and Sequence are -1 so rows where those columns are NULL
// (stored and compared as 0) still sort after the sentinel.
func InitialLeaveCursor() LeaveCursor {
	return LeaveCursor{
		LeaveDate: civil.Date{Year: 1900, Month: time.January, Day: 1},
		StartHour: -1,
		Sequence:  -1,
	}
}

// IsInitial reports whether the cursor still sits at the sentinel position.
func (c LeaveCursor) IsInitial() bool {
	return c == InitialLeaveCursor()
}

// String renders the cursor for logs.
func (c LeaveCursor) String() string {
	return fmt.Sprintf("%d/%d/%d@%s+%d#%d", c.NumEmp, c.TipCol, c.NumCad, c.LeaveDate, c.StartHour, c.Sequence)
}

// Checkpoint tracks how far the employee reader has drained one audited
// source table: the newest change timestamp seen plus the last employee id
// inside that timestamp, so ties never repeat or skip.
type Checkpoint struct {
	LastChange time.Time
	LastID     int
}

// InitialCheckpoint returns the position before any recorded change.
func InitialCheckpoint() Checkpoint {
	return Checkpoint{LastChange: time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

// IsInitial reports whether the checkpoint still sits at the sentinel.
func (c Checkpoint) IsInitial() bool {
	init := InitialCheckpoint()
	return c.LastChange.Equal(init.LastChange) && c.LastID == init.LastID
}
