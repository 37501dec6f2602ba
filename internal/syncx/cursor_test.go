package syncx

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
)

func TestInitialLeaveCursor(t *testing.T) {
	c := InitialLeaveCursor()

	if !c.IsInitial() {
		t.Error("InitialLeaveCursor().IsInitial() = false")
	}
	if c.NumEmp != 0 || c.TipCol != 0 || c.NumCad != 0 {
		t.Errorf("initial ids = %d/%d/%d, want zeros", c.NumEmp, c.TipCol, c.NumCad)
	}
	want := civil.Date{Year: 1900, Month: time.January, Day: 1}
	if c.LeaveDate != want {
		t.Errorf("initial LeaveDate = %v, want %v", c.LeaveDate, want)
	}
	if c.StartHour != -1 || c.Sequence != -1 {
		t.Errorf("initial hour/seq = %d/%d, want -1/-1", c.StartHour, c.Sequence)
	}
}

func TestLeaveCursorIsInitial(t *testing.T) {
	c := InitialLeaveCursor()
	c.NumCad = 42
	if c.IsInitial() {
		t.Error("advanced cursor still reports initial")
	}
}

func TestInitialCheckpoint(t *testing.T) {
	cp := InitialCheckpoint()

	if !cp.IsInitial() {
		t.Error("InitialCheckpoint().IsInitial() = false")
	}
	want := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !cp.LastChange.Equal(want) {
		t.Errorf("LastChange = %v, want %v", cp.LastChange, want)
	}
	if cp.LastID != 0 {
		t.Errorf("LastID = %d, want 0", cp.LastID)
	}

	cp.LastID = 7
	if cp.IsInitial() {
		t.Error("advanced checkpoint still reports initial")
	}
}
