package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem/vm"
)

func init() {
	rootCmd.AddCommand(newSegmentsCmd())
}

func newSegmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List the kernel address space segments after boot",
		Long: `The segments command boots the configured target and prints the segment
list of the kernel address space in address order.

Example:
  memctl segments
  memctl segments --profile cortex-m --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSegments()
		},
	}
	return cmd
}

type segmentJSON struct {
	Virt  string `json:"virt"`
	End   string `json:"end"`
	Phys  string `json:"phys,omitempty"`
	Size  uint64 `json:"size"`
	Flags string `json:"flags"`
}

func toSegmentJSON(segs []vm.Segment) []segmentJSON {
	out := make([]segmentJSON, 0, len(segs))
	for _, s := range segs {
		j := segmentJSON{Virt: s.Virt.String(), End: s.End().String(), Size: s.Size, Flags: s.Flags.String()}
		if !s.Free() {
			j.Phys = s.Phys.String()
		}
		out = append(out, j)
	}
	return out
}

func runSegments() error {
	k, err := bootKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	segs := k.KernelMap().Segments()
	if jsonOut {
		return printJSON(toSegmentJSON(segs))
	}
	printSegments(segs)
	return nil
}

func printSegments(segs []vm.Segment) {
	t := newTextTable("START", "END", "PHYS", "SIZE", "FLAGS").alignRight(3)
	for _, s := range segs {
		phys := "-"
		if !s.Free() {
			phys = s.Phys.String()
		}
		t.row(s.Virt.String(), s.End().String(), phys, formatBytes(s.Size), s.Flags.String())
	}
	printTable(t, 0)
}
