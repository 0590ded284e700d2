package main

import (
	"context"
	"testing"
)

func TestVerifyCommand(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		ops         int
		json        bool
		wantContain []string
	}{
		{
			name:        "after boot",
			wantContain: []string{"Validation (cortex-a)", "Page descriptors consistent"},
		},
		{
			name:        "after workload",
			profile:     "cortex-m",
			ops:         3000,
			wantContain: []string{"3,000 operations"},
		},
		{
			name:        "JSON",
			json:        true,
			wantContain: []string{`"valid": true`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			profileName = tt.profile
			verifyOps = tt.ops
			jsonOut = tt.json

			output, err := captureOutput(t, func() error {
				return runVerify(context.Background())
			})
			if err != nil {
				t.Fatalf("runVerify() error = %v", err)
			}
			if tt.json {
				assertJSON(t, output, nil)
			}
			assertContains(t, output, tt.wantContain)
		})
	}
}
