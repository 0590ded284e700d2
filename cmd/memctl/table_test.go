package main

import (
	"strings"
	"testing"
)

func TestTextTable_Layout(t *testing.T) {
	resetFlags()

	tbl := newTextTable("NAME", "SIZE", "NOTE").alignRight(1)
	tbl.row("a", "1", "x")
	tbl.row("longer", "4096", "y")

	output, err := captureOutput(t, func() error {
		printTable(tbl, 2)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("styled output written to a pipe: %q", output)
	}

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3\n%s", len(lines), output)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "  ") {
			t.Errorf("line %q not indented", l)
		}
	}

	// Right-aligned cells end in the same column.
	end1 := strings.Index(lines[1], "1") + len("1")
	end2 := strings.Index(lines[2], "4096") + len("4096")
	if end1 != end2 {
		t.Errorf("SIZE column not right aligned:\n%s", output)
	}
	assertRow(t, output, "longer", "4096", "y")
}

func TestTextTable_Quiet(t *testing.T) {
	resetFlags()
	quiet = true

	tbl := newTextTable("A")
	tbl.row("1")
	output, _ := captureOutput(t, func() error {
		printTable(tbl, 0)
		return nil
	})
	if output != "" {
		t.Errorf("quiet mode printed %q", output)
	}
}
