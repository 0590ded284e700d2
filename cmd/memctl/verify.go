package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem/kmem"
)

var verifyOps int

func init() {
	cmd := newVerifyCmd()
	cmd.Flags().IntVarP(&verifyOps, "ops", "n", 0, "Run a seeded workload of N operations before checking")
	rootCmd.AddCommand(cmd)
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Boot a target and check every allocator invariant",
		Long: `The verify command boots the configured target, optionally runs a workload,
and checks page-descriptor consistency, kernel segment coverage, slab
accounting and heap usage.

Example:
  memctl verify
  memctl verify --profile cortex-m --ops 50000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context())
		},
	}
	return cmd
}

type verifyOutput struct {
	Profile string `json:"profile"`
	Ops     int    `json:"ops"`
	Seed    uint64 `json:"seed,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

func runVerify(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	k, err := bootKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	out := verifyOutput{Profile: k.Config().Name}
	if verifyOps > 0 {
		res, err := k.Run(ctx, kmem.Workload{Ops: verifyOps, PagePct: 0.05, DevicePct: 0.01})
		out.Ops, out.Seed = res.Ops, res.Seed
		if err != nil {
			out.Error = err.Error()
		}
	}
	if out.Error == "" {
		if err := k.Verify(); err != nil {
			out.Error = err.Error()
		}
	}
	out.Valid = out.Error == ""

	if jsonOut {
		if err := printJSON(out); err != nil {
			return err
		}
	} else if out.Valid {
		printInfo("\nValidation (%s):\n", out.Profile)
		if out.Ops > 0 {
			printInfo("  ✓ %s operations (seed %d)\n", num.Sprintf("%d", out.Ops), out.Seed)
		}
		printInfo("  ✓ Page descriptors consistent\n")
		printInfo("  ✓ Kernel segments cover the address space\n")
		printInfo("  ✓ Heap accounting balanced\n")
	}

	if !out.Valid {
		return fmt.Errorf("verification failed: %s", out.Error)
	}
	return nil
}
