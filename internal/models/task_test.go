package models

import (
	"encoding/json"
	"testing"
)

func TestStatusValuesAreStable(t *testing.T) {
	// These integers are persisted; changing them corrupts existing rows.
	for status, want := range map[Status]int{
		StatusNew:        0,
		StatusInProgress: 1,
		StatusCompleted:  2,
		StatusError:      3,
		StatusFatalError: 4,
	} {
		if int(status) != want {
			t.Fatalf("%s = %d, want %d", status, int(status), want)
		}
	}
}

func TestStatusJSONAndTerminal(t *testing.T) {
	b, err := json.Marshal(struct {
		S Status `json:"s"`
	}{StatusFatalError})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"s":"fatal_error"}` {
		t.Fatalf("unexpected json %s", b)
	}
	if !StatusCompleted.Terminal() || !StatusFatalError.Terminal() || StatusError.Terminal() {
		t.Fatalf("terminal states are Completed and FatalError only")
	}
	if Status(9).String() != "status(9)" {
		t.Fatalf("unexpected name for unknown status: %s", Status(9))
	}
}

func TestParseHangPolicy(t *testing.T) {
	if p, err := ParseHangPolicy("drop"); err != nil || p != HangDrop {
		t.Fatalf("drop: %v %v", p, err)
	}
	if p, err := ParseHangPolicy("restart"); err != nil || p != HangRestart {
		t.Fatalf("restart: %v %v", p, err)
	}
	if _, err := ParseHangPolicy("kill"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
