package main

import "testing"

func TestIoremapCommand(t *testing.T) {
	tests := []struct {
		name           string
		profile        string
		args           []string
		json           bool
		wantErr        bool
		wantContain    []string
		wantNotContain []string
	}{
		{
			name:        "identity mapping",
			args:        []string{"0x10000000", "4096"},
			wantContain: []string{"Virtual:  0x10000000 (identity)", "IOMAPPED", "Kernel segment list restored"},
		},
		{
			name:           "outside the kernel window",
			args:           []string{"0xF0000000", "0x2000"},
			wantContain:    []string{"Virtual:  0x08000000", "8 KiB"},
			wantNotContain: []string{"(identity)"},
		},
		{
			name:        "cortex-m peripheral",
			profile:     "cortex-m",
			args:        []string{"0x40011004", "4"},
			wantContain: []string{"Virtual:  0x40011004 (identity)"},
		},
		{
			name:        "JSON",
			args:        []string{"0x10000000", "4096"},
			json:        true,
			wantContain: []string{`"identity": true`, `"restored": true`},
		},
		{
			name:    "RAM is rejected",
			args:    []string{"0x40100000", "4096"},
			wantErr: true,
		},
		{
			name:    "bad address",
			args:    []string{"zz", "4096"},
			wantErr: true,
		},
		{
			name:    "zero size",
			args:    []string{"0x10000000", "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			profileName = tt.profile
			jsonOut = tt.json

			output, err := captureOutput(t, func() error {
				return runIoremap(tt.args)
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("runIoremap() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.json {
				assertJSON(t, output, nil)
			}
			assertContains(t, output, tt.wantContain)
			assertNotContains(t, output, tt.wantNotContain)
		})
	}
}
