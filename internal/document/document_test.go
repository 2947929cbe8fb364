package document

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{"hello world", "line one\nline two", "", "no-sentinels-here"}
	for _, s := range cases {
		got := DecodeLine(EncodeLine(s))
		if got != s {
			t.Fatalf("DecodeLine(EncodeLine(%q)) = %q, want %q", s, got, s)
		}
	}
}

func TestEncodeIdempotentOnRoundTrip(t *testing.T) {
	s := "prefix suffix"
	e1 := EncodeLine(s)
	e2 := EncodeLine(DecodeLine(e1))
	if e1 != e2 {
		t.Fatalf("encode(decode(encode(s))) = %q, want %q", e2, e1)
	}
}

func TestKindForKey(t *testing.T) {
	if KindForKey("sheet.xlsx") != KindSpreadsheet {
		t.Fatal("expected .xlsx to be a spreadsheet")
	}
	if KindForKey("doc.txt") != KindText {
		t.Fatal("expected .txt to be text")
	}
}

func TestSpreadsheetAutoGrow(t *testing.T) {
	d := New("sheet.xlsx")
	if len(d.Cells) != 100 {
		t.Fatalf("new spreadsheet length = %d, want 100", len(d.Cells))
	}
	d.WriteAt(150, "x")
	if len(d.Cells) < 151 {
		t.Fatalf("spreadsheet did not grow past index 150: len=%d", len(d.Cells))
	}
	if d.Cells[150] != "x" {
		t.Fatalf("cell 150 = %q, want x", d.Cells[150])
	}
}

func TestTextAppendPastEnd(t *testing.T) {
	d := New("doc.txt")
	d.Append("line0")
	d.WriteAt(1, "line1")
	if strings.Join(d.Cells, "|") != "line0|line1" {
		t.Fatalf("unexpected cells: %v", d.Cells)
	}
}

func TestTextEnterSplitter(t *testing.T) {
	d := New("doc.txt")
	d.Cells = []string{"a", "old", "c"}
	d.WriteAt(1, "prefix"+enterToken+"suffix")
	want := []string{"a", "prefix", "suffix", "c"}
	if len(d.Cells) != len(want) {
		t.Fatalf("cells = %v, want %v", d.Cells, want)
	}
	for i := range want {
		if d.Cells[i] != want[i] {
			t.Fatalf("cells = %v, want %v", d.Cells, want)
		}
	}
}

func TestSetWhole(t *testing.T) {
	d := New("doc.txt")
	d.Append("old")
	d.SetWhole("new content")
	if d.Snapshot() != "new content" {
		t.Fatalf("Snapshot() = %q, want %q", d.Snapshot(), "new content")
	}
}
