package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem"
)

func init() {
	rootCmd.AddCommand(newIoremapCmd())
}

func newIoremapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ioremap <phys> <size>",
		Short: "Map a device register window into the kernel address space and back",
		Long: `The ioremap command boots the configured target, maps the physical range
[phys, phys+size) into the kernel address space as device memory, shows
where it landed, then unmaps it and checks that the kernel segment list is
exactly as it was. Numbers accept 0x, 0o and 0b prefixes.

Example:
  memctl ioremap 0x10000000 4096
  memctl ioremap 0x50000010 0x20 --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIoremap(args)
		},
	}
	return cmd
}

type ioremapOutput struct {
	Phys     string        `json:"phys"`
	Size     uint64        `json:"size"`
	Virt     string        `json:"virt"`
	Identity bool          `json:"identity"`
	Mapped   []segmentJSON `json:"mapped_segments"`
	Restored bool          `json:"restored"`
}

func runIoremap(args []string) error {
	phys, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid physical address %q: %w", args[0], err)
	}
	size, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[1], err)
	}

	k, err := bootKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	kmap := k.KernelMap()
	before := kmap.Segments()

	virt, err := k.MapDeviceMemory(mem.PhysAddr(phys), size)
	if err != nil {
		return fmt.Errorf("ioremap failed: %w", err)
	}
	mapped := kmap.Segments()
	printVerbose("Mapped %v+%d at %v\n", mem.PhysAddr(phys), size, virt)

	if err := k.UnmapDeviceMemory(virt); err != nil {
		return fmt.Errorf("iounmap failed: %w", err)
	}
	restored := slices.Equal(before, kmap.Segments())

	out := ioremapOutput{
		Phys:     mem.PhysAddr(phys).String(),
		Size:     size,
		Virt:     virt.String(),
		Identity: uint64(virt) == phys,
		Mapped:   toSegmentJSON(mapped),
		Restored: restored,
	}
	if jsonOut {
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		printInfo("\nDevice mapping:\n")
		printInfo("  Physical: %s (%s)\n", out.Phys, formatBytes(size))
		if out.Identity {
			printInfo("  Virtual:  %s (identity)\n", out.Virt)
		} else {
			printInfo("  Virtual:  %s\n", out.Virt)
		}
		printInfo("\nKernel segments while mapped:\n")
		printSegments(mapped)
		printInfo("\nAfter unmap:\n")
		if restored {
			printInfo("  ✓ Kernel segment list restored\n")
		}
	}

	if !restored {
		return fmt.Errorf("kernel segment list changed: %d segments before, %d after",
			len(before), len(kmap.Segments()))
	}
	return nil
}
