package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem/kmem"
)

var statsClasses bool

func init() {
	cmd := newStatsCmd()
	cmd.Flags().BoolVar(&statsClasses, "classes", false, "Show per-class slab statistics")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Boot a target and show allocator statistics",
		Long: `The stats command boots the configured target and reports the state of
every layer right after boot: physical pages, the heap, the kernel
address space and the MMU.

Example:
  memctl stats
  memctl stats --profile cortex-m
  memctl stats --classes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

func runStats() error {
	k, err := bootKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	st := k.Stats()
	if jsonOut {
		return printJSON(st)
	}
	printStats(st)
	return nil
}

// printStats renders st as text. Shared with simulate.
func printStats(st kmem.Stats) {
	printInfo("\nProfile: %s\n", st.Profile)

	printInfo("\nPages (%d-byte):\n", st.Pages.PageSize)
	printInfo("  Total:       %s\n", formatBytes(st.Pages.TotalBytes))
	printInfo("  Used:        %s\n", formatBytes(st.Pages.UsedBytes))
	printInfo("  Reserved:    %s\n", formatBytes(st.Pages.ReservedBytes))
	printInfo("  Free:        %s in %d blocks (largest %s)\n",
		formatBytes(st.Pages.FreeBytes), st.Pages.FreeBlocks, formatBytes(st.Pages.LargestFree))
	printVerbose("  Splits: %d  Merges: %d forward, %d backward\n",
		st.Pages.Splits, st.Pages.MergeForward, st.Pages.MergeBackward)

	printInfo("\nHeap (%s):\n", st.Heap.Strategy)
	printInfo("  Live:        %s allocations, %s\n", num.Sprintf("%d", st.Heap.Live), formatBytes(st.Heap.LiveBytes))
	printInfo("  Backing:     %s\n", formatBytes(st.Heap.BackingBytes))
	printInfo("  Calls:       %s alloc, %s free, %s failed\n",
		num.Sprintf("%d", st.Heap.AllocCalls), num.Sprintf("%d", st.Heap.FreeCalls), num.Sprintf("%d", st.Heap.Failures))

	if st.Slab != nil {
		printInfo("  Direct:      %d allocations, %s\n", st.Slab.DirectAllocs, formatBytes(st.Slab.DirectBytes))
		if statsClasses || verbose {
			t := newTextTable("CLASS", "ALLOCATED", "AVAILABLE", "EXTENTS", "BYTES").alignRight(0, 1, 2, 3, 4)
			for _, c := range st.Slab.Classes {
				t.row(strconv.FormatUint(c.ObjectSize, 10), strconv.Itoa(c.Allocated), strconv.Itoa(c.Available),
					strconv.Itoa(c.Extents), formatBytes(c.ExtentBytes))
			}
			printInfo("\n")
			printTable(t, 2)
		}
	}
	if st.FreeList != nil {
		printInfo("  Regions:     %d (%s free)\n", st.FreeList.Regions, formatBytes(st.FreeList.FreeBytes))
		printVerbose("  Splits: %d  Coalesces: %d forward, %d backward\n",
			st.FreeList.SplitCount, st.FreeList.CoalesceForward, st.FreeList.CoalesceBackward)
	}

	printInfo("\nAddress spaces:\n")
	printInfo("  Live:        %d\n", st.AddressSpaces)
	printInfo("  Kernel:      %d segments, %s mapped\n", st.KernelSegments, formatBytes(st.KernelMapped))
	printInfo("  Shared:      %d blocks\n", st.SharedBlocks)
	printInfo("  MMU entries: %s (%d ranges awaiting TLB flush)\n", num.Sprintf("%d", st.MMUEntries), st.PendingInvalidates)
}
