package main

import "testing"

func TestSegmentsCommand(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		wantContain []string
		wantRows    [][]string
	}{
		{
			name:        "cortex-a",
			wantContain: []string{"MAPPED", "FREE"},
			wantRows: [][]string{
				{"START", "END", "PHYS", "SIZE", "FLAGS"},
				{"0x08000000", "0x40000000", "-"},
				{"0x40000000", "0x40100000", "0x40000000"},
			},
		},
		{
			name:        "cortex-m",
			profile:     "cortex-m",
			wantContain: []string{"32 KiB"},
			wantRows:    [][]string{{"0x20000000", "0x20008000", "0x20000000"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			profileName = tt.profile

			output, err := captureOutput(t, runSegments)
			if err != nil {
				t.Fatalf("runSegments() error = %v", err)
			}
			assertContains(t, output, tt.wantContain)
			for _, row := range tt.wantRows {
				assertRow(t, output, row...)
			}
		})
	}
}

func TestSegmentsCommand_JSON(t *testing.T) {
	resetFlags()
	jsonOut = true

	output, err := captureOutput(t, runSegments)
	if err != nil {
		t.Fatalf("runSegments() error = %v", err)
	}
	var segs []segmentJSON
	assertJSON(t, output, &segs)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if segs[0].Phys != "" || segs[1].Phys != "0x40000000" {
		t.Errorf("unexpected phys fields: %+v", segs)
	}
	if segs[2].End != "0xC0000000" {
		t.Errorf("kernel map ends at %s, want 0xC0000000", segs[2].End)
	}
}

func TestVersionCommand(t *testing.T) {
	resetFlags()

	output, err := captureOutput(t, func() error {
		printVersion()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, output, []string{"memctl dev", "cortex-a, cortex-m"})
}
