package main

import (
	"context"
	"testing"
)

func TestSimulateCommand(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		drain       bool
		wantContain []string
	}{
		{
			name:        "cortex-a",
			wantContain: []string{"Simulation (seed 1)", "Operations:  2,000", "invariant checks passed"},
		},
		{
			name:        "cortex-m drained",
			profile:     "cortex-m",
			drain:       true,
			wantContain: []string{"Live:        0 allocations"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			profileName = tt.profile
			simDrain = tt.drain
			simVerifyEvery = 500

			output, err := captureOutput(t, func() error {
				return runSimulate(context.Background())
			})
			if err != nil {
				t.Fatalf("runSimulate() error = %v", err)
			}
			assertContains(t, output, tt.wantContain)
		})
	}
}

func TestSimulateCommand_JSON(t *testing.T) {
	resetFlags()
	jsonOut = true
	simDrain = true

	output, err := captureOutput(t, func() error {
		return runSimulate(context.Background())
	})
	if err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	var out simulateOutput
	assertJSON(t, output, &out)
	if out.Result.Ops != 2000 || out.Result.Allocs != out.Result.Frees {
		t.Errorf("unexpected result: %+v", out.Result)
	}
	if out.Stats.Heap.Live != 0 {
		t.Errorf("drained run left %d live allocations", out.Stats.Heap.Live)
	}
}

func TestSimulateCommand_BadSizes(t *testing.T) {
	resetFlags()
	simMinSize = 100
	simMaxSize = 10

	_, err := captureOutput(t, func() error {
		return runSimulate(context.Background())
	})
	if err == nil {
		t.Fatal("expected error for inverted size range")
	}
}
