package core

import "testing"

func TestIsNull(t *testing.T) {
	for _, cell := range []string{"", "NA", "NaN", "nan", "null", "NULL", "None", "N/A", "n/a", "#N/A", "<NA>"} {
		if !IsNull(cell) {
			t.Errorf("IsNull(%q) = false, want true", cell)
		}
	}
	for _, cell := range []string{" ", "na", "none", "Null", " NA", "NA ", "0", "ㅋㅋ"} {
		if IsNull(cell) {
			t.Errorf("IsNull(%q) = true, want false", cell)
		}
	}
}

func TestCellTreatsNAMarkersAsNull(t *testing.T) {
	table := RawTable{
		Header: []string{"Date", "User", "Message"},
		Rows: [][]string{
			{"2024-01-01 10:00", "None", "안녕"},
			{"2024-01-01 10:01", "A"},
		},
	}
	if _, ok := table.Cell(0, 1); ok {
		t.Fatalf("expected None user to be null")
	}
	if v, ok := table.Cell(0, 2); !ok || v != "안녕" {
		t.Fatalf("unexpected text cell %q (%v)", v, ok)
	}
	if _, ok := table.Cell(1, 2); ok {
		t.Fatalf("expected missing cell to be null")
	}
}
